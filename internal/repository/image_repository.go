package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/internal/storage"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// BlobImageRepository implements ImageRepository on top of blob stores, routing
// every URI to the reader registered for its scheme
type BlobImageRepository struct {
	store   storage.BlobStore
	readers map[string]storage.BlobReader
}

// NewBlobImageRepository creates a repository writing to store and reading from
// store plus any extra readers
func NewBlobImageRepository(store storage.BlobStore, readers ...storage.BlobReader) *BlobImageRepository {
	r := &BlobImageRepository{
		store:   store,
		readers: make(map[string]storage.BlobReader),
	}
	for _, reader := range readers {
		r.readers[reader.Scheme()] = reader
	}
	if store != nil {
		r.readers[store.Scheme()] = store
	}
	return r
}

// Load fetches the bytes behind record.URI. Missing bytes are a decode error:
// retrying will not make them appear. Transport failures are network errors.
func (r *BlobImageRepository) Load(ctx context.Context, record models.ImageRecord) ([]byte, error) {
	scheme := storage.SchemeOf(record.URI)
	reader, ok := r.readers[scheme]
	if !ok {
		return nil, apperrors.NewValidationError("no image store for scheme \""+scheme+"\"", nil)
	}

	data, err := reader.Get(ctx, record.URI)
	if err != nil {
		return nil, mapLoadError(record.URI, err)
	}

	if record.ContentHash != "" && !strings.EqualFold(record.ContentHash, ContentHash(data)) {
		return nil, apperrors.NewDecodeError("image bytes do not match content hash for "+record.URI, nil)
	}
	return data, nil
}

// Store writes data to the blob store and describes it as an ImageRecord
func (r *BlobImageRepository) Store(ctx context.Context, name string, data []byte, capturedAt time.Time, pose models.SensorPose) (models.ImageRecord, error) {
	if r.store == nil {
		return models.ImageRecord{}, apperrors.NewInternalError("no writable image store configured", nil)
	}

	meta, err := Metadata(data)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if name == "" {
		name = GenerateName(capturedAt, meta.Format)
	}

	uri, err := r.store.Put(ctx, name, data)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidURI) {
			return models.ImageRecord{}, apperrors.NewValidationError("invalid capture name", err)
		}
		if ctx.Err() != nil {
			return models.ImageRecord{}, apperrors.NewTimeoutError("storing capture timed out", err)
		}
		return models.ImageRecord{}, apperrors.NewPersistenceError("failed to store capture", err)
	}

	return models.ImageRecord{
		URI:         uri,
		CapturedAt:  capturedAt,
		Width:       meta.Width,
		Height:      meta.Height,
		SensorPose:  pose,
		ContentHash: ContentHash(data),
	}, nil
}

// Metadata reads format and dimensions from the image header
func Metadata(data []byte) (*ImageMetadata, error) {
	if len(data) == 0 {
		return nil, apperrors.NewDecodeError("image is empty", nil)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewDecodeError("unsupported or corrupt image", err)
	}
	return &ImageMetadata{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// ContentHash returns the lowercase hex SHA-256 of data
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GenerateName builds a date-partitioned, time-ordered blob name
func GenerateName(capturedAt time.Time, format string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if format == "jpeg" {
		format = "jpg"
	}
	return capturedAt.UTC().Format("2006/01/02") + "/" + id.String() + "." + format
}

func mapLoadError(uri string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NewDecodeError("image bytes not found at "+uri, err)
	case errors.Is(err, storage.ErrInvalidURI):
		return apperrors.NewValidationError("cannot resolve image URI "+uri, err)
	case errors.Is(err, storage.ErrClientStatus):
		return apperrors.NewDecodeError("image origin refused "+uri, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTimeoutError("loading "+uri+" timed out", err)
	default:
		return apperrors.NewNetworkError("failed to load "+uri, err)
	}
}
