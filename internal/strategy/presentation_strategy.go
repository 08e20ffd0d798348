package strategy

import (
	"strings"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// PresentationStrategy turns an authoritative ternary decision into what the
// caller is shown. The decision itself is never altered.
type PresentationStrategy interface {
	Present(decision models.Decision) models.VerdictResponse
	GetStrategyName() string
}

// TernaryPresenter shows OK, DOUBT or LEAK_PROBABLE as decided
type TernaryPresenter struct{}

// NewTernaryPresenter creates the default presenter
func NewTernaryPresenter() PresentationStrategy {
	return &TernaryPresenter{}
}

// Present returns the verdict unchanged
func (p *TernaryPresenter) Present(decision models.Decision) models.VerdictResponse {
	d := decision
	return models.VerdictResponse{
		Verdict:      string(decision.Result),
		Presentation: p.GetStrategyName(),
		Decision:     &d,
	}
}

// GetStrategyName returns the strategy name
func (p *TernaryPresenter) GetStrategyName() string {
	return "ternary"
}

// ConservativeBinaryPresenter collapses the verdict to two values for callers
// that cannot show a doubt state. Only a clear OK stays OK: a doubtful pair
// is reported as a probable leak so it gets a second look.
type ConservativeBinaryPresenter struct{}

// NewConservativeBinaryPresenter creates the binary presenter
func NewConservativeBinaryPresenter() PresentationStrategy {
	return &ConservativeBinaryPresenter{}
}

// Present maps DOUBT to LEAK_PROBABLE
func (p *ConservativeBinaryPresenter) Present(decision models.Decision) models.VerdictResponse {
	verdict := models.VerdictLeakProbable
	if decision.Result == models.VerdictOK {
		verdict = models.VerdictOK
	}
	d := decision
	return models.VerdictResponse{
		Verdict:      string(verdict),
		Presentation: p.GetStrategyName(),
		Decision:     &d,
	}
}

// GetStrategyName returns the strategy name
func (p *ConservativeBinaryPresenter) GetStrategyName() string {
	return "binary"
}

// PresentationContext selects a strategy by name
type PresentationContext struct {
	strategies map[string]PresentationStrategy
	fallback   PresentationStrategy
}

// NewPresentationContext registers the built-in strategies, ternary being the default
func NewPresentationContext() *PresentationContext {
	ternary := NewTernaryPresenter()
	binary := NewConservativeBinaryPresenter()
	return &PresentationContext{
		strategies: map[string]PresentationStrategy{
			ternary.GetStrategyName(): ternary,
			binary.GetStrategyName():  binary,
		},
		fallback: ternary,
	}
}

// Select returns the named strategy, or the default for an empty name
func (c *PresentationContext) Select(name string) (PresentationStrategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return c.fallback, nil
	}
	s, ok := c.strategies[name]
	if !ok {
		return nil, apperrors.NewValidationError("unknown presentation \""+name+"\", use ternary or binary", nil)
	}
	return s, nil
}
