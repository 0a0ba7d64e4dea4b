package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaskSet holds the files written for a single b0 volume
type MaskSet struct {
	// Volume is the extracted 3D b0 volume
	Volume string

	// OtsuBrain is the b0 volume with the median-Otsu mask applied
	OtsuBrain string

	// OtsuMask is the binary mask produced by median filtering and Otsu thresholding
	OtsuMask string

	// BetMask is the binary mask written by the external brain extraction tool
	BetMask string

	// Consensus is the voxel-wise AND of OtsuMask and BetMask
	Consensus string
}

// Masks returns the three mask paths in the order otsu, bet, consensus.
func (m MaskSet) Masks() []string {
	return []string{m.OtsuMask, m.BetMask, m.Consensus}
}

// Files returns every file path recorded in the set.
func (m MaskSet) Files() []string {
	return []string{m.Volume, m.OtsuBrain, m.OtsuMask, m.BetMask, m.Consensus}
}

// FailureKind classifies why a task did not produce its masks
type FailureKind int

const (
	KindNone FailureKind = iota
	KindInput
	KindTool
	KindInternal
	KindCanceled
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindInput:
		return "input"
	case KindTool:
		return "tool"
	case KindInternal:
		return "internal"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TaskError attaches a FailureKind to an error raised inside a task.
type TaskError struct {
	Kind FailureKind
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Classify reports the FailureKind carried by err. Errors that were never
// tagged count as internal.
func Classify(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// TaskResult is the outcome of generating masks for one b0 index
type TaskResult struct {
	// ID identifies the task in logs
	ID uuid.UUID

	// Index is the position of the volume along the last axis of the DWI
	Index int

	// Masks is only meaningful when Err is nil
	Masks MaskSet

	Err  error
	Kind FailureKind

	// Elapsed is the wall time spent in the task
	Elapsed time.Duration
}

// OK reports whether the task produced all of its outputs.
func (r TaskResult) OK() bool {
	return r.Err == nil
}

// Report collects task results in the same order as the requested indices
type Report struct {
	DWI     string
	Results []TaskResult
}

// Failed returns the results that carry an error.
func (r Report) Failed() []TaskResult {
	var failed []TaskResult
	for _, res := range r.Results {
		if !res.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}

// OK reports whether every task succeeded.
func (r Report) OK() bool {
	return len(r.Failed()) == 0
}

// Err joins the errors of all failed tasks, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("index %d: %w", res.Index, res.Err))
	}
	return errors.Join(errs...)
}
