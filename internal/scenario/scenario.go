package scenario

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects how inputs are grouped into requests.
type Kind string

const (
	SingleStream Kind = "single_stream"
	FixedBatch   Kind = "fixed_batch"
	RandomBatch  Kind = "random_batch"
	Offline      Kind = "offline"
)

// Kinds lists the supported scenarios in display order.
func Kinds() []Kind {
	return []Kind{SingleStream, FixedBatch, RandomBatch, Offline}
}

// ParseKind resolves a scenario name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown scenario %q (want one of single_stream, fixed_batch, random_batch, offline)", s)
}

// Config is the immutable scenario selection for a run.
type Config struct {
	Kind         Kind
	MaxBatchSize int
	Split        string
	// Limit truncates the input list when >= 0.
	Limit      int
	OfflineDir string
	Seed       int64
}

// Validate checks the scenario parameters.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseKind(string(c.Kind)); err != nil {
		errs = append(errs, err)
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("scenario.max_batch_size must be >= 1, got %d", c.MaxBatchSize))
	}
	return errors.Join(errs...)
}

// Truncate applies limit to items. A negative limit keeps everything.
func Truncate[T any](items []T, limit int) []T {
	if limit < 0 || limit >= len(items) {
		return items
	}
	return items[:limit]
}
