// Package pipeline chains device filters into per-channel frame pipelines
// and runs the channels concurrently.
//
// A channel pulls host images from a Source, uploads them on the queue of its
// index, runs its Stage chain, finalizes every promise of the frame once and
// hands the downloaded result to a Sink. Channels share one registry and one
// kernel cache; they never share queues.
package pipeline

import (
	"errors"

	"github.com/born-ml/vision/internal/subsense"
	"github.com/born-ml/vision/internal/surface"
)

// ErrNoSubsense is returned by channel controls that need a background
// subtraction stage when the chain has none.
var ErrNoSubsense = errors.New("pipeline: channel has no subsense stage")

// Stage is one filter of a chain. Apply enqueues work on the queue of
// queueIndex and returns a promise for the filtered frame; it must not wait.
// The input buffer stays owned by the caller.
type Stage interface {
	Apply(frame *surface.Buffer, queueIndex int) (*surface.Promise, error)
	Close() error
}

// SubsenseStage adapts a background subtraction filter and its optional
// exclusion mask to Stage. The stage owns both.
type SubsenseStage struct {
	Filter    *subsense.Filter
	Exclusion *surface.Buffer
}

// Apply runs the filter with the stage's exclusion mask.
func (s *SubsenseStage) Apply(frame *surface.Buffer, queueIndex int) (*surface.Promise, error) {
	return s.Filter.Filter(frame, s.Exclusion, queueIndex)
}

// Bootstrapping reports whether the next frame still fills the model.
func (s *SubsenseStage) Bootstrapping() bool {
	return s.Filter.Active() && s.Filter.Bootstrapping()
}

// Close releases the filter state and the exclusion mask.
func (s *SubsenseStage) Close() error {
	if s.Exclusion != nil {
		s.Exclusion.Release()
		s.Exclusion = nil
	}
	return s.Filter.Close()
}
