package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/effbench/internal/logging"
)

// ErrUnavailable marks a source whose hardware or tool is absent. The
// sampler keeps its file header-only instead of failing.
var ErrUnavailable = errors.New("telemetry source unavailable")

// ErrPending marks a tick taken before the sampled target exists. It is
// skipped without a warning.
var ErrPending = errors.New("telemetry target not started yet")

// finalSampleTimeout bounds the closing sample taken on stop.
const finalSampleTimeout = 2 * time.Second

// Source produces one row per tick.
type Source interface {
	Columns() []string
	Sample(ctx context.Context, now time.Time) ([]string, error)
}

// Primer is implemented by delta-based sources that need a baseline reading.
type Primer interface {
	Prime(ctx context.Context, now time.Time) error
}

// Run samples src every interval into w until ctx is done, then takes one
// last sample so the interval between the final tick and the stop is
// recorded. Failed samples are skipped and logged; only the first of a run of
// identical failures is logged at warn level.
func Run(ctx context.Context, src Source, w *Writer, interval time.Duration, logger *logging.Logger) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if p, ok := src.(Primer); ok {
		if err := p.Prime(ctx, time.Now()); err != nil {
			if errors.Is(err, ErrUnavailable) {
				logger.Warn("Telemetry source unavailable, no rows will be recorded", map[string]interface{}{"error": err.Error()})
				<-ctx.Done()
				return nil
			}
			return fmt.Errorf("prime: %w", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr string
	skipped := 0
	rows := 0
	for {
		select {
		case <-ctx.Done():
			appended, err := final(src, w, logger)
			if err != nil {
				return err
			}
			if appended {
				rows++
			}
			logger.Info("Sampler stopping", map[string]interface{}{"rows": rows, "skipped": skipped})
			return nil
		case now := <-ticker.C:
			values, err := src.Sample(ctx, now)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrPending) {
					continue
				}
				skipped++
				if err.Error() != lastErr {
					logger.Warn("Sample skipped", map[string]interface{}{"error": err.Error()})
					lastErr = err.Error()
				}
				continue
			}
			lastErr = ""
			if err := w.Append(now, values); err != nil {
				return fmt.Errorf("append row: %w", err)
			}
			rows++
		}
	}
}

// final appends the closing row. A failed sample is logged and skipped.
func final(src Source, w *Writer, logger *logging.Logger) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalSampleTimeout)
	defer cancel()
	now := time.Now()
	values, err := src.Sample(ctx, now)
	if err != nil {
		if !errors.Is(err, ErrPending) {
			logger.Debug("Final sample skipped", map[string]interface{}{"error": err.Error()})
		}
		return false, nil
	}
	if err := w.Append(now, values); err != nil {
		return false, fmt.Errorf("append final row: %w", err)
	}
	return true, nil
}
