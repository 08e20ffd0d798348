package analyzer

import (
	"math"
	"testing"
	"time"

	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

func TestClassify(t *testing.T) {
	classifier := NewClassifier(Thresholds{
		NoMovement:          0.04,
		SignificantMovement: 0.2,
		MinElapsed:          time.Minute,
	})

	tests := []struct {
		name           string
		aggregate      float64
		max            float64
		elapsed        float64
		wantVerdict    models.Verdict
		wantConfidence float64
		wantDowngraded bool
	}{
		{"identical", 0, 0, 120, models.VerdictOK, 1, false},
		{"small noise", 0.01, 0.02, 120, models.VerdictOK, 0.75, false},
		{"aggregate at no-movement is not OK", 0.04, 0.01, 120, models.VerdictDoubt, 0, false},
		{"max at no-movement is not OK", 0.01, 0.04, 120, models.VerdictDoubt, 0, false},
		{"middle of doubt band", 0.05, 0.12, 120, models.VerdictDoubt, 1, false},
		{"aggregate at significant is leak", 0.2, 0.1, 120, models.VerdictLeakProbable, 0.5, false},
		{"max alone is leak", 0.03, 0.6, 120, models.VerdictLeakProbable, 0.75, false},
		{"saturated leak", 1, 1, 120, models.VerdictLeakProbable, 1, false},
		{"short interval downgrades OK", 0, 0, 30, models.VerdictDoubt, 0.5, true},
		{"zero interval downgrades OK", 0, 0, 0, models.VerdictDoubt, 0, true},
		{"short interval keeps leak", 0.3, 0.5, 10, models.VerdictLeakProbable, 0.5 + 0.5*(0.3/0.8), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := classifier.Classify(models.ComparisonResult{
				AggregateDistance: tt.aggregate,
				MaxCellDelta:      tt.max,
			}, tt.elapsed)

			if decision.Result != tt.wantVerdict {
				t.Errorf("Expected %s, got %s", tt.wantVerdict, decision.Result)
			}
			if math.Abs(decision.Confidence-tt.wantConfidence) > 1e-9 {
				t.Errorf("Expected confidence %f, got %f", tt.wantConfidence, decision.Confidence)
			}
			if decision.Downgraded != tt.wantDowngraded {
				t.Errorf("Expected downgraded=%v, got %v", tt.wantDowngraded, decision.Downgraded)
			}
			if decision.ElapsedSeconds != tt.elapsed {
				t.Errorf("Expected elapsed %f, got %f", tt.elapsed, decision.ElapsedSeconds)
			}
		})
	}
}

func TestClassify_ConfidenceInUnitRange(t *testing.T) {
	classifier := NewClassifier(DefaultOptions().Thresholds)
	for agg := 0.0; agg <= 1.0; agg += 0.01 {
		for _, elapsed := range []float64{0, 30, 600} {
			decision := classifier.Classify(models.ComparisonResult{AggregateDistance: agg, MaxCellDelta: agg}, elapsed)
			if decision.Confidence < 0 || decision.Confidence > 1 {
				t.Fatalf("agg=%f elapsed=%f: confidence %f outside [0,1]", agg, elapsed, decision.Confidence)
			}
			if !decision.Result.Valid() {
				t.Fatalf("agg=%f: invalid verdict %q", agg, decision.Result)
			}
		}
	}
}
