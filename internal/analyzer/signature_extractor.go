package analyzer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/stat"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// signatureExtractor implements SignatureExtractor with Gonum statistics.
// Grid rows are computed on the worker pool; every row writes its own slots
// of the result so the output does not depend on scheduling.
type signatureExtractor struct {
	opts ExtractorOptions
	pool *WorkerPool
}

// NewSignatureExtractor creates an extractor. A nil pool computes rows sequentially.
func NewSignatureExtractor(opts ExtractorOptions, pool *WorkerPool) SignatureExtractor {
	return &signatureExtractor{
		opts: opts,
		pool: pool,
	}
}

// Extract decodes the image bytes and computes their signature
func (e *signatureExtractor) Extract(data []byte) (models.Signature, error) {
	if len(data) == 0 {
		return models.Signature{}, apperrors.NewDecodeError("image is empty", nil)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return models.Signature{}, apperrors.NewDecodeError("cannot decode image", err)
	}
	return e.ExtractImage(img)
}

// ExtractImage crops the region of interest and reduces it to a grid of cell statistics
func (e *signatureExtractor) ExtractImage(img image.Image) (models.Signature, error) {
	rows, cols := e.opts.Rows, e.opts.Cols
	crop := e.cropRect(img.Bounds())

	minW, minH := cols*e.opts.MinCellSize, rows*e.opts.MinCellSize
	if crop.Dx() < minW || crop.Dy() < minH {
		return models.Signature{}, apperrors.NewGeometryError(
			fmt.Sprintf("region of interest is %dx%d, need at least %dx%d for a %dx%d grid",
				crop.Dx(), crop.Dy(), minW, minH, rows, cols), nil)
	}

	luma := lumaSampler(img)
	cells := make([]models.CellStat, rows*cols)
	weights := make([]float64, rows*cols)

	computeRow := func(r int) {
		y0 := crop.Min.Y + r*crop.Dy()/rows
		y1 := crop.Min.Y + (r+1)*crop.Dy()/rows
		values := make([]float64, 0, (y1-y0)*(crop.Dx()/cols+1))
		for c := 0; c < cols; c++ {
			x0 := crop.Min.X + c*crop.Dx()/cols
			x1 := crop.Min.X + (c+1)*crop.Dx()/cols

			values = values[:0]
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					values = append(values, luma(x, y))
				}
			}

			mean, std := stat.MeanStdDev(values, nil)
			if math.IsNaN(std) {
				std = 0
			}
			cells[r*cols+c] = models.CellStat{Mean: mean, StdDev: std}
			weights[r*cols+c] = float64(len(values))
		}
	}

	if e.pool == nil {
		for r := 0; r < rows; r++ {
			computeRow(r)
		}
	} else {
		var wg sync.WaitGroup
		for r := 0; r < rows; r++ {
			wg.Add(1)
			row := r
			e.pool.Submit(func() {
				defer wg.Done()
				computeRow(row)
			})
		}
		wg.Wait()
	}

	means := make([]float64, len(cells))
	for i, cell := range cells {
		means[i] = cell.Mean
	}

	return models.Signature{
		Rows:  rows,
		Cols:  cols,
		Cells: cells,
		Mean:  stat.Mean(means, weights),
	}, nil
}

// cropRect maps the relative region of interest onto the image bounds
func (e *signatureExtractor) cropRect(bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	region := e.opts.Region
	return image.Rect(
		bounds.Min.X+int(math.Round(region.Left*w)),
		bounds.Min.Y+int(math.Round(region.Top*h)),
		bounds.Min.X+int(math.Round(region.Right*w)),
		bounds.Min.Y+int(math.Round(region.Bottom*h)),
	).Intersect(bounds)
}

// lumaSampler returns a function giving Rec. 601 luminance in [0,1].
// JPEG and grayscale images are read straight from their luma plane.
func lumaSampler(img image.Image) func(x, y int) float64 {
	switch src := img.(type) {
	case *image.YCbCr:
		return func(x, y int) float64 {
			return float64(src.Y[src.YOffset(x, y)]) / 255.0
		}
	case *image.Gray:
		return func(x, y int) float64 {
			return float64(src.Pix[src.PixOffset(x, y)]) / 255.0
		}
	default:
		return func(x, y int) float64 {
			r, g, b, _ := img.At(x, y).RGBA()
			return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0
		}
	}
}
