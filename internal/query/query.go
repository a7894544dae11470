// Package query defines the read-only SQL execution contract.
package query

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a query exceeds its execution timeout.
var ErrTimeout = errors.New("query timed out")

type Request struct {
	SQL string
	// RowLimit caps the returned rows; engines apply their default when zero.
	RowLimit int
	Timeout  time.Duration
}

type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	RowLimit  int      `json:"row_limit"`
	Truncated bool     `json:"truncated"`
	// Duration is reported in milliseconds by the API.
	Duration time.Duration `json:"-"`
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
