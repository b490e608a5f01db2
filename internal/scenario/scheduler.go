package scenario

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"

	"github.com/psantana5/effbench/internal/fsutil"
	"github.com/psantana5/effbench/internal/ipc"
	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/pkg/stdio"
)

// Exchanger sends one request and returns its positional response.
type Exchanger interface {
	Exchange(ctx context.Context, items []json.RawMessage) ([]json.RawMessage, error)
}

// Batch describes one completed request.
type Batch struct {
	Index   int
	Offset  int
	Size    int
	Latency time.Duration
}

// Observer is called after every successful request.
type Observer func(Batch)

// Scheduler drives a workload through one scenario. Requests are strictly
// sequential.
type Scheduler struct {
	cfg        Config
	ex         Exchanger
	offlineDir string
	observer   Observer
	logger     *logging.Logger
	staged     *stdio.OfflineRequest
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithOfflineDir sets the directory used for offline hand-off files.
func WithOfflineDir(dir string) Option {
	return func(s *Scheduler) { s.offlineDir = dir }
}

// WithObserver registers a per-batch callback.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// ErrNotConnected is returned by Run before an Exchanger is attached.
var ErrNotConnected = errors.New("scheduler has no workload connection")

// New creates a scheduler for cfg over ex. ex may be nil when inputs are
// staged before the workload exists; Connect attaches it later.
func New(cfg Config, ex Exchanger, opts ...Option) *Scheduler {
	s := &Scheduler{cfg: cfg, ex: ex, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	if s.offlineDir == "" {
		s.offlineDir = cfg.OfflineDir
	}
	return s
}

// Connect attaches the workload connection used by Run.
func (s *Scheduler) Connect(ex Exchanger) {
	s.ex = ex
}

// Plan returns the request sizes used for n items. Sizes always sum to n.
func (s *Scheduler) Plan(n int) []int {
	if n <= 0 {
		return nil
	}
	switch s.cfg.Kind {
	case SingleStream:
		sizes := make([]int, n)
		for i := range sizes {
			sizes[i] = 1
		}
		return sizes
	case FixedBatch:
		return lo.Map(lo.Chunk(make([]struct{}, n), s.cfg.MaxBatchSize), func(c []struct{}, _ int) int {
			return len(c)
		})
	case RandomBatch:
		rng := rand.New(rand.NewSource(s.cfg.Seed))
		var sizes []int
		for remaining := n; remaining > 0; {
			size := min(rng.Intn(s.cfg.MaxBatchSize)+1, remaining)
			sizes = append(sizes, size)
			remaining -= size
		}
		return sizes
	default:
		return []int{n}
	}
}

// Stage prepares anything that must exist before the measured window opens.
// Only the offline scenario writes files.
func (s *Scheduler) Stage(inputs []json.RawMessage) error {
	if s.cfg.Kind != Offline {
		return nil
	}
	if s.offlineDir == "" {
		return errors.New("offline scenario needs an offline directory")
	}
	if err := fsutil.EnsureDir(s.offlineDir); err != nil {
		return fmt.Errorf("offline staging: %w", err)
	}

	req := stdio.OfflineRequest{
		Offline:    true,
		OfflineDir: s.offlineDir,
		Inputs:     filepath.Join(s.offlineDir, "inputs.jsonl"),
		Outputs:    filepath.Join(s.offlineDir, "outputs.jsonl"),
		Count:      len(inputs),
	}
	var buf bytes.Buffer
	for i, item := range inputs {
		if err := json.Compact(&buf, item); err != nil {
			return fmt.Errorf("offline staging: input %d is not JSON: %w", i, err)
		}
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(req.Inputs, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("offline staging: %w", err)
	}
	// a stale outputs file from a previous attempt must not be read back
	if err := os.Remove(req.Outputs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("offline staging: %w", err)
	}
	s.staged = &req
	s.logger.Debug("Offline inputs staged", map[string]interface{}{"path": req.Inputs, "count": req.Count})
	return nil
}

// Run sends every input and returns the outputs in input order. On failure
// it returns the outputs received before the failing request.
func (s *Scheduler) Run(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if s.ex == nil {
		return nil, ErrNotConnected
	}
	if s.cfg.Kind == Offline {
		return s.runOffline(ctx, inputs)
	}

	outputs := make([]json.RawMessage, 0, len(inputs))
	offset := 0
	for i, size := range s.Plan(len(inputs)) {
		batch := inputs[offset : offset+size]
		start := time.Now()
		resp, err := s.ex.Exchange(ctx, batch)
		if err != nil {
			return outputs, fmt.Errorf("batch %d (items %d-%d): %w", i, offset, offset+size-1, err)
		}
		outputs = append(outputs, resp...)
		b := Batch{Index: i, Offset: offset, Size: size, Latency: time.Since(start)}
		if s.observer != nil {
			s.observer(b)
		}
		s.logger.Debug("Batch completed", map[string]interface{}{
			"batch": i, "size": size, "latency_ms": b.Latency.Milliseconds(),
		})
		offset += size
	}
	return outputs, nil
}

func (s *Scheduler) runOffline(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error) {
	if s.staged == nil || s.staged.Count != len(inputs) {
		if err := s.Stage(inputs); err != nil {
			return nil, err
		}
	}
	req := *s.staged

	desc, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if _, err := s.ex.Exchange(ctx, []json.RawMessage{desc}); err != nil {
		return nil, fmt.Errorf("offline hand-off: %w", err)
	}

	outputs, err := readOutputs(req.Outputs)
	if err != nil {
		return outputs, err
	}
	if len(outputs) != req.Count {
		return outputs, &ipc.ProtocolError{Reason: "offline outputs count mismatch", Sent: req.Count, Got: len(outputs)}
	}
	if s.observer != nil {
		s.observer(Batch{Index: 0, Offset: 0, Size: req.Count, Latency: time.Since(start)})
	}
	return outputs, nil
}

func readOutputs(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ipc.ProtocolError{Reason: "offline outputs missing", Err: err}
	}
	defer f.Close()

	var outputs []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return outputs, &ipc.ProtocolError{Reason: fmt.Sprintf("offline output %d is not valid JSON", len(outputs)), Line: string(line)}
		}
		outputs = append(outputs, append(json.RawMessage(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return outputs, fmt.Errorf("read offline outputs: %w", err)
	}
	return outputs, nil
}
