package strategy

import (
	"testing"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

func TestPresenters(t *testing.T) {
	tests := []struct {
		verdict     models.Verdict
		wantTernary string
		wantBinary  string
	}{
		{models.VerdictOK, "OK", "OK"},
		{models.VerdictDoubt, "DOUBT", "LEAK_PROBABLE"},
		{models.VerdictLeakProbable, "LEAK_PROBABLE", "LEAK_PROBABLE"},
	}

	ternary := NewTernaryPresenter()
	binary := NewConservativeBinaryPresenter()

	for _, tt := range tests {
		t.Run(string(tt.verdict), func(t *testing.T) {
			decision := models.Decision{Result: tt.verdict, Confidence: 0.7}

			got := ternary.Present(decision)
			if got.Verdict != tt.wantTernary || got.Presentation != "ternary" {
				t.Errorf("Ternary: expected %s, got %+v", tt.wantTernary, got)
			}

			got = binary.Present(decision)
			if got.Verdict != tt.wantBinary || got.Presentation != "binary" {
				t.Errorf("Binary: expected %s, got %+v", tt.wantBinary, got)
			}
			if got.Decision.Result != tt.verdict {
				t.Errorf("Binary presentation must keep the authoritative decision, got %s", got.Decision.Result)
			}
		})
	}
}

func TestPresentationContext_Select(t *testing.T) {
	ctx := NewPresentationContext()

	for name, want := range map[string]string{"": "ternary", "ternary": "ternary", " Binary ": "binary"} {
		s, err := ctx.Select(name)
		if err != nil {
			t.Fatalf("Select(%q): %v", name, err)
		}
		if s.GetStrategyName() != want {
			t.Errorf("Select(%q): expected %s, got %s", name, want, s.GetStrategyName())
		}
	}

	if _, err := ctx.Select("quaternary"); !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
