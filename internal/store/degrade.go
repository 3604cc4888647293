package store

import (
	"context"
	"errors"
	"fmt"
)

// PersistLevel names how much of an entry reached the store.
type PersistLevel string

const (
	PersistFull        PersistLevel = "full"
	PersistPrimaryOnly PersistLevel = "primary_only"
	PersistMinimal     PersistLevel = "minimal"
	PersistSessionOnly PersistLevel = "session_only"
)

// Reduction is one rung of the persistence ladder.
type Reduction struct {
	Level  PersistLevel
	Reduce func(Entry) Entry
}

// Ladder is tried in order until a write fits. Each rung gets one retry.
var Ladder = []Reduction{
	{Level: PersistFull, Reduce: func(e Entry) Entry { return e }},
	{Level: PersistPrimaryOnly, Reduce: dropAlternates},
	{Level: PersistMinimal, Reduce: minimalEntry},
}

// attemptsPerLevel is one write plus one retry.
const attemptsPerLevel = 2

func dropAlternates(e Entry) Entry {
	e.Alternates = nil
	return e
}

func minimalEntry(e Entry) Entry {
	return Entry{
		Primary:     e.Primary,
		PrimaryRef:  e.PrimaryRef,
		Enhancement: e.Enhancement,
		Product:     e.Product,
		UpdatedAt:   e.UpdatedAt,
	}
}

// PersistReport describes the outcome of PersistWithFallback.
type PersistReport struct {
	Level    PersistLevel
	Attempts int
}

// Degraded reports whether anything was dropped.
func (r PersistReport) Degraded() bool {
	return r.Level != PersistFull
}

// PersistWithFallback writes entry, shedding optional fields whenever the
// store reports ErrCapacityExceeded. When every rung is rejected the result
// stays in memory only and the report says PersistSessionOnly; that is not
// an error. Any other store failure is returned as is.
func PersistWithFallback(ctx context.Context, s ResultStore, key string, entry Entry) (PersistReport, error) {
	report := PersistReport{Level: PersistSessionOnly}
	if s == nil {
		return report, nil
	}

	for _, rung := range Ladder {
		reduced := rung.Reduce(entry)
		for try := 0; try < attemptsPerLevel; try++ {
			report.Attempts++
			err := s.Put(ctx, key, reduced)
			if err == nil {
				report.Level = rung.Level
				return report, nil
			}
			if !errors.Is(err, ErrCapacityExceeded) {
				return report, fmt.Errorf("persist %s at level %s: %w", key, rung.Level, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
		}
	}
	return report, nil
}
