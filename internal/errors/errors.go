package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"
)

// Code identifies a class of benchmark failure.
type Code string

const (
	ErrLaunchFailure         Code = "LAUNCH_FAILURE"
	ErrMonitorStartFailure   Code = "MONITOR_START_FAILURE"
	ErrMonitorStopTimeout    Code = "MONITOR_STOP_TIMEOUT"
	ErrTelemetryFileMissing  Code = "TELEMETRY_FILE_MISSING"
	ErrMalformedTelemetryRow Code = "MALFORMED_TELEMETRY_ROW"
	ErrIPCProtocol           Code = "IPC_PROTOCOL_ERROR"
	ErrTeardownFailure       Code = "TEARDOWN_FAILURE"
	ErrConfigInvalid         Code = "CONFIG_INVALID"
	ErrOutputFailure         Code = "OUTPUT_FAILURE"
)

// Phase names the stage of a run an error surfaced in.
type Phase string

const (
	PhaseConfig      Phase = "config"
	PhaseLaunch      Phase = "launch"
	PhaseMonitoring  Phase = "monitoring"
	PhaseScheduling  Phase = "scheduling"
	PhaseAggregation Phase = "aggregation"
	PhaseOutput      Phase = "output"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// BenchError is a typed error carrying the phase it aborted.
type BenchError struct {
	Code      Code   `json:"code"`
	Phase     Phase  `json:"phase"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// New builds a BenchError. err may be nil.
func New(code Code, phase Phase, message string, err error) *BenchError {
	return &BenchError{Code: code, Phase: phase, Message: message, Err: err}
}

// Error implements the error interface.
func (e *BenchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *BenchError) Unwrap() error {
	return e.Err
}

// WithComponent returns a copy tagged with component.
func (e *BenchError) WithComponent(component string) *BenchError {
	c := *e
	c.Component = component
	return &c
}

// As finds the outermost BenchError in err's chain.
func As(err error) (*BenchError, bool) {
	var be *BenchError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// HasCode reports whether any BenchError in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var be *BenchError
		if !stderrors.As(err, &be) {
			return false
		}
		if be.Code == code {
			return true
		}
		err = be.Err
	}
	return false
}

// PhaseOf returns the phase of the outermost BenchError in err's chain.
func PhaseOf(err error) (Phase, bool) {
	if be, ok := As(err); ok {
		return be.Phase, true
	}
	return "", false
}

// Warning is a non-fatal problem attached to the run's report.
type Warning struct {
	Code      Code      `json:"code" yaml:"code"`
	Phase     Phase     `json:"phase" yaml:"phase"`
	Component string    `json:"component,omitempty" yaml:"component,omitempty"`
	Message   string    `json:"message" yaml:"message"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

func (w Warning) String() string {
	if w.Component != "" {
		return fmt.Sprintf("[%s] %s/%s: %s", w.Code, w.Phase, w.Component, w.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", w.Code, w.Phase, w.Message)
}

// Warnings is a thread-safe, ordered collector of run warnings.
type Warnings struct {
	mu    sync.Mutex
	clock Clock
	items []Warning
}

// NewWarnings creates a collector stamped by clock.
func NewWarnings(clock Clock) *Warnings {
	if clock == nil {
		clock = RealClock{}
	}
	return &Warnings{clock: clock}
}

// Add records a warning.
func (w *Warnings) Add(code Code, phase Phase, component, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, Warning{
		Code:      code,
		Phase:     phase,
		Component: component,
		Message:   message,
		Timestamp: w.clock.Now(),
	})
}

// AddError records err as a warning, keeping its code and phase when it is a
// BenchError and falling back to the given ones otherwise.
func (w *Warnings) AddError(code Code, phase Phase, err error) {
	if err == nil {
		return
	}
	component := ""
	if be, ok := As(err); ok {
		code, phase, component = be.Code, be.Phase, be.Component
	}
	w.Add(code, phase, component, err.Error())
}

// Merge appends already-built warnings, keeping their timestamps.
func (w *Warnings) Merge(ws []Warning) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, ws...)
}

// List returns a copy of the recorded warnings in insertion order.
func (w *Warnings) List() []Warning {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Warning, len(w.items))
	copy(out, w.items)
	return out
}

// Len returns the number of recorded warnings.
func (w *Warnings) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}
