package session

import (
	"testing"
	"time"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

func capture(uri string, at time.Time) models.ImageRecord {
	return models.ImageRecord{URI: uri, CapturedAt: at}
}

func TestSessionFlow(t *testing.T) {
	m := NewManager()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	s := m.Create()
	if s.ID == "" || s.Ready() {
		t.Fatalf("Unexpected new session %+v", s)
	}

	if _, _, err := m.Pair(s.ID); !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
		t.Errorf("Expected conflict on empty session, got %v", err)
	}
	if _, err := m.SetAfter(s.ID, capture("file:///b", t0)); !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
		t.Errorf("Expected conflict setting after first, got %v", err)
	}

	if _, err := m.SetBefore(s.ID, capture("file:///a", t0)); err != nil {
		t.Fatalf("SetBefore: %v", err)
	}
	if _, err := m.SetAfter(s.ID, capture("file:///b", t0)); !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Errorf("Expected validation error for a simultaneous after, got %v", err)
	}
	updated, err := m.SetAfter(s.ID, capture("file:///b", t0.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("SetAfter: %v", err)
	}
	if !updated.Ready() {
		t.Error("Expected session to be ready")
	}

	before, after, err := m.Pair(s.ID)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if before.URI != "file:///a" || after.URI != "file:///b" {
		t.Errorf("Unexpected pair %s %s", before.URI, after.URI)
	}

	// retaking the before capture resets the pair
	if _, err := m.SetBefore(s.ID, capture("file:///c", t0.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Get(s.ID); got.After != nil {
		t.Error("Expected after capture to be discarded")
	}

	if err := m.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Get(s.ID); !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		t.Errorf("Expected not found after close, got %v", err)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m := NewManager()
	s := m.Create()
	got, _ := m.SetBefore(s.ID, capture("file:///a", time.Now()))
	got.Before.URI = "mutated"

	again, _ := m.Get(s.ID)
	if again.Before.URI != "file:///a" {
		t.Error("Mutating a snapshot changed the stored session")
	}
}

func TestPrune(t *testing.T) {
	m := NewManager()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	old := m.Create()

	now = now.Add(2 * time.Hour)
	fresh := m.Create()

	if n := m.Prune(time.Hour); n != 1 {
		t.Errorf("Expected 1 pruned, got %d", n)
	}
	if _, err := m.Get(old.ID); err == nil {
		t.Error("Expected old session to be pruned")
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Errorf("Expected fresh session to survive, got %v", err)
	}
}
