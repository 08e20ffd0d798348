package analyzer

import (
	"context"
	"errors"
	"image"
	"image/color"
	"reflect"
	"sync"
	"testing"
	"time"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// fakeLoader serves image bytes from memory
type fakeLoader struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
	calls int
}

func (f *fakeLoader) Load(ctx context.Context, record models.ImageRecord) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.blobs[record.URI]
	if !ok {
		return nil, apperrors.NewDecodeError("no bytes for "+record.URI, nil)
	}
	return data, nil
}

func capturePair(elapsed time.Duration) (models.ImageRecord, models.ImageRecord) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return models.ImageRecord{URI: "mem://before", CapturedAt: t0},
		models.ImageRecord{URI: "mem://after", CapturedAt: t0.Add(elapsed)}
}

func newTestOrchestrator(loader ImageLoader, pool *WorkerPool) *Orchestrator {
	return NewOrchestratorFromOptions(loader, DefaultOptions().WithRegion(FullFrame), pool)
}

func TestAnalyze_IdenticalCapturesAreOK(t *testing.T) {
	data := encodePNG(t, createTestImage(80, 40, color.RGBA{120, 120, 120, 255}))
	loader := &fakeLoader{blobs: map[string][]byte{"mem://before": data, "mem://after": data}}
	before, after := capturePair(2 * time.Minute)

	decision, err := newTestOrchestrator(loader, nil).Analyze(context.Background(), before, after)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision.Result != models.VerdictOK {
		t.Errorf("Expected OK, got %s", decision.Result)
	}
	if decision.Confidence < 0.9 {
		t.Errorf("Expected confidence >= 0.9, got %f", decision.Confidence)
	}
	if decision.ElapsedSeconds != 120 {
		t.Errorf("Expected elapsed 120s, got %f", decision.ElapsedSeconds)
	}
}

func TestAnalyze_LocalizedChangeIsLeak(t *testing.T) {
	beforeImg := createTestImage(80, 40, color.Black)
	afterImg := createTestImage(80, 40, color.Black)
	// cell (2,5) of a 4x8 grid over 80x40
	fillRect(afterImg, image.Rect(50, 20, 60, 30), color.White)

	loader := &fakeLoader{blobs: map[string][]byte{
		"mem://before": encodePNG(t, beforeImg),
		"mem://after":  encodePNG(t, afterImg),
	}}
	before, after := capturePair(2 * time.Minute)

	decision, err := newTestOrchestrator(loader, nil).Analyze(context.Background(), before, after)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision.Result != models.VerdictLeakProbable {
		t.Fatalf("Expected LEAK_PROBABLE, got %s (agg=%f max=%f)",
			decision.Result, decision.Details.AggregateDistance, decision.Details.MaxCellDelta)
	}
	if decision.Details.MaxCellIndex != 2*8+5 {
		t.Errorf("Expected max delta at cell 21, got %d", decision.Details.MaxCellIndex)
	}
	if decision.Details.AggregateDistance >= 0.2 {
		t.Errorf("Expected the aggregate alone to stay below the significant threshold, got %f",
			decision.Details.AggregateDistance)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	beforeImg := createTestImage(160, 80, color.RGBA{90, 90, 90, 255})
	afterImg := createTestImage(160, 80, color.RGBA{90, 90, 90, 255})
	fillRect(afterImg, image.Rect(70, 30, 90, 45), color.RGBA{200, 200, 200, 255})
	loader := &fakeLoader{blobs: map[string][]byte{
		"mem://before": encodeJPEG(t, beforeImg, 90),
		"mem://after":  encodeJPEG(t, afterImg, 90),
	}}
	before, after := capturePair(5 * time.Minute)

	pool := NewWorkerPool(4)
	pool.Start()
	defer pool.Close()

	parallel := newTestOrchestrator(loader, pool)
	sequential := newTestOrchestrator(loader, nil)

	first, err := parallel.Analyze(context.Background(), before, after)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := parallel.Analyze(context.Background(), before, after)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Run %d differs from first run", i)
		}
	}

	seq, err := sequential.Analyze(context.Background(), before, after)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, seq) {
		t.Error("Parallel and sequential extraction disagree")
	}
}

func TestAnalyze_ShortIntervalDowngrades(t *testing.T) {
	data := encodePNG(t, createTestImage(80, 40, color.RGBA{120, 120, 120, 255}))
	loader := &fakeLoader{blobs: map[string][]byte{"mem://before": data, "mem://after": data}}
	before, after := capturePair(15 * time.Second)

	decision, err := newTestOrchestrator(loader, nil).Analyze(context.Background(), before, after)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decision.Result != models.VerdictDoubt || !decision.Downgraded {
		t.Errorf("Expected downgraded DOUBT, got %s downgraded=%v", decision.Result, decision.Downgraded)
	}
}

func TestAnalyze_DuplicateCaptureWarns(t *testing.T) {
	data := encodePNG(t, createTestImage(80, 40, color.RGBA{120, 120, 120, 255}))
	loader := &fakeLoader{blobs: map[string][]byte{"mem://before": data, "mem://after": data}}
	before, after := capturePair(2 * time.Minute)
	before.ContentHash = "aa"
	after.ContentHash = "aa"

	decision, err := newTestOrchestrator(loader, nil).Analyze(context.Background(), before, after)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(decision.Warnings) != 1 {
		t.Errorf("Expected one duplicate warning, got %v", decision.Warnings)
	}
}

func TestAnalyze_Errors(t *testing.T) {
	valid := encodePNG(t, createTestImage(80, 40, color.RGBA{120, 120, 120, 255}))
	tiny := encodePNG(t, createTestImage(8, 8, color.White))

	tests := []struct {
		name      string
		loader    *fakeLoader
		elapsed   time.Duration
		wantType  apperrors.ErrorType
		wantCalls int
	}{
		{
			name:      "after before before",
			loader:    &fakeLoader{blobs: map[string][]byte{"mem://before": valid, "mem://after": valid}},
			elapsed:   -time.Minute,
			wantType:  apperrors.ErrorTypeValidation,
			wantCalls: 0,
		},
		{
			name:      "network failure is passed through",
			loader:    &fakeLoader{err: apperrors.NewNetworkError("unreachable", errors.New("dial tcp"))},
			elapsed:   time.Minute,
			wantType:  apperrors.ErrorTypeNetwork,
			wantCalls: 1,
		},
		{
			name:      "missing after bytes",
			loader:    &fakeLoader{blobs: map[string][]byte{"mem://before": valid}},
			elapsed:   time.Minute,
			wantType:  apperrors.ErrorTypeDecode,
			wantCalls: 2,
		},
		{
			name:      "corrupt bytes",
			loader:    &fakeLoader{blobs: map[string][]byte{"mem://before": []byte("not an image"), "mem://after": valid}},
			elapsed:   time.Minute,
			wantType:  apperrors.ErrorTypeDecode,
			wantCalls: 1,
		},
		{
			name:      "image too small for grid",
			loader:    &fakeLoader{blobs: map[string][]byte{"mem://before": tiny, "mem://after": tiny}},
			elapsed:   time.Minute,
			wantType:  apperrors.ErrorTypeGeometry,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, after := capturePair(tt.elapsed)
			_, err := newTestOrchestrator(tt.loader, nil).Analyze(context.Background(), before, after)
			if !apperrors.IsType(err, tt.wantType) {
				t.Fatalf("Expected %s error, got %v", tt.wantType, err)
			}
			if tt.loader.calls != tt.wantCalls {
				t.Errorf("Expected %d loads, got %d", tt.wantCalls, tt.loader.calls)
			}
		})
	}
}
