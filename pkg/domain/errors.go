package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the engine components.
var (
	// ErrCapacityExceeded is returned when opening an assignment would overfill a container.
	ErrCapacityExceeded = errors.New("container capacity exceeded")
	// ErrIncompatibleStage is returned when a container cannot host the requested stage.
	ErrIncompatibleStage = errors.New("container incompatible with stage")
	// ErrInsufficientCapacity is returned when no destination containers can absorb a transition.
	ErrInsufficientCapacity = errors.New("insufficient destination capacity")
	// ErrMemoryExhausted is returned when cleanup cannot bring memory usage under the critical mark.
	ErrMemoryExhausted = errors.New("memory ceiling exhausted")
	// ErrNotFound is returned for missing records.
	ErrNotFound = errors.New("not found")
)

// TemporalError reports a fact timestamp outside its assignment window.
type TemporalError struct {
	AssignmentID string
	At           time.Time
	Start        time.Time
	End          *time.Time
	Reason       string
}

func (e *TemporalError) Error() string {
	end := "open"
	if e.End != nil {
		end = e.End.Format(time.DateOnly)
	}
	return fmt.Sprintf("fact at %s outside assignment %s window [%s, %s]: %s",
		e.At.Format(time.RFC3339), e.AssignmentID, e.Start.Format(time.DateOnly), end, e.Reason)
}

// NotFoundError identifies a missing entity.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }
