package core

import (
	"errors"
	"fmt"
)

// ErrSequenceViolation marks an out-of-order or gapped source sequence.
// It rejects the single operation, never the loop: the bus can reorder or
// lose messages, and a halted core cannot be fixed by redelivery.
var ErrSequenceViolation = errors.New("source sequence violation")

// SequenceValidator enforces source sequence ordering per ingest source.
// The interactive HTTP surface assigns no source sequence (zero), which
// skips validation; the message bus carries a strictly increasing sequence
// per source.
// Not thread-safe — only accessed from the single-writer core.
type SequenceValidator struct {
	expectedNext map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNext: make(map[string]int64),
	}
}

// Validate checks ordering for one inbound operation.
func (sv *SequenceValidator) Validate(source string, sourceSequence int64, isDuplicate bool) error {
	if sourceSequence == 0 {
		return nil
	}

	expected := sv.expectedNext[source]
	if expected == 0 {
		// First operation from this source establishes the baseline.
		sv.expectedNext[source] = sourceSequence + 1
		return nil
	}

	if sourceSequence < expected {
		if isDuplicate {
			// Redelivery of an already processed operation.
			return nil
		}
		return fmt.Errorf("%w: out-of-order operation: source=%s, expected=%d, got=%d",
			ErrSequenceViolation, source, expected, sourceSequence)
	}

	if sourceSequence > expected {
		return fmt.Errorf("%w: sequence gap: source=%s, expected=%d, got=%d",
			ErrSequenceViolation, source, expected, sourceSequence)
	}

	sv.expectedNext[source] = expected + 1
	return nil
}

// ExpectedNext returns the next expected sequence for a source.
func (sv *SequenceValidator) ExpectedNext(source string) int64 {
	return sv.expectedNext[source]
}

// Restore initializes a source's expected sequence (snapshot recovery).
func (sv *SequenceValidator) Restore(source string, next int64) {
	sv.expectedNext[source] = next
}

// Sources returns a copy of all source cursors (snapshot capture).
func (sv *SequenceValidator) Sources() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNext))
	for k, v := range sv.expectedNext {
		out[k] = v
	}
	return out
}
