// Package feedback records generated and human-corrected queries so the
// pattern corpus can be improved offline.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	OutcomeCorrected Outcome = "corrected"
	OutcomeRejected  Outcome = "rejected"
)

func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(raw))) {
	case OutcomeGenerated:
		return OutcomeGenerated, nil
	case OutcomeCorrected:
		return OutcomeCorrected, nil
	case OutcomeRejected:
		return OutcomeRejected, nil
	default:
		return "", fmt.Errorf("unknown feedback outcome %q", raw)
	}
}

type Record struct {
	ID           string    `json:"id"`
	Question     string    `json:"question"`
	SQL          string    `json:"sql"`
	CorrectedSQL string    `json:"corrected_sql,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Notes        string    `json:"notes,omitempty"`
	Attempts     int       `json:"attempts"`
	Level        string    `json:"level,omitempty"`
	Tables       []string  `json:"tables,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewRecord returns a record with a fresh id and creation time.
func NewRecord(question, sqlText string, outcome Outcome) Record {
	return Record{
		ID:        uuid.NewString(),
		Question:  question,
		SQL:       sqlText,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("feedback id is required")
	}
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("feedback question is required")
	}
	if _, err := ParseOutcome(string(r.Outcome)); err != nil {
		return err
	}
	if r.Outcome == OutcomeCorrected && strings.TrimSpace(r.CorrectedSQL) == "" {
		return fmt.Errorf("corrected feedback requires corrected_sql")
	}
	if r.Outcome == OutcomeGenerated && strings.TrimSpace(r.SQL) == "" {
		return fmt.Errorf("generated feedback requires sql")
	}
	return nil
}

type Sink interface {
	Emit(ctx context.Context, record Record) error
}

// Flusher is implemented by sinks that buffer records.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Discard struct{}

func (Discard) Emit(context.Context, Record) error { return nil }

// Multi fans a record out to every sink. All sinks are attempted; their
// errors are joined.
type Multi struct {
	sinks []namedSink
}

type namedSink struct {
	name string
	sink Sink
}

func NewMulti() *Multi {
	return &Multi{}
}

// Add registers sink under name, which labels its errors.
func (m *Multi) Add(name string, sink Sink) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
	return m
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Emit(ctx context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.Emit(ctx, record); err != nil {
			errs = append(errs, &SinkError{Sink: s.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every buffering sink.
func (m *Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		flusher, ok := s.sink.(Flusher)
		if !ok {
			continue
		}
		if err := flusher.Flush(ctx); err != nil {
			errs = append(errs, &SinkError{Sink: s.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("feedback sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
