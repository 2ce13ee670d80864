package engine

import (
	"fmt"
	"time"

	"github.com/kazukittin/dupsnap/internal/fingerprint"
	"github.com/kazukittin/dupsnap/internal/metrics"
)

// Decision is the terminal classification of one image. Each image carries
// exactly one: duplicate removal dominates quality flags.
type Decision string

const (
	DecisionKeep      Decision = "keep"
	DecisionDuplicate Decision = "duplicate_remove"
	DecisionBlurry    Decision = "blurry"
	DecisionNoisy     Decision = "noisy"
	// DecisionSkipped marks records whose image could not be decoded. They
	// are excluded from grouping and calibration but still reported.
	DecisionSkipped Decision = "skipped"
)

// Outcome records what the action stage did with the image.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeDropped Outcome = "dropped"
	OutcomeMoved   Outcome = "moved"
	OutcomeKept    Outcome = "kept"
	OutcomeFailed  Outcome = "failed"
)

// ImageRecord is the per-file unit of work. Created by extraction, mutated
// by the grouping and decision stages, read by the action stage, and
// discarded at end of run.
type ImageRecord struct {
	Path    string
	Width   int
	Height  int
	Size    int64
	ModTime time.Time

	Fingerprint fingerprint.Fingerprint
	Scores      metrics.Scores
	// IntensityVar is the global gray variance, input to the run-level
	// low-texture guard.
	IntensityVar float64

	// GroupID is 0 for singletons, 1-based for duplicate groups.
	GroupID  int
	Decision Decision
	Outcome  Outcome

	// Err holds the extraction failure for skipped records.
	Err error
	// ActionErr holds the action failure for failed outcomes.
	ActionErr error
}

// ResolutionScore is the pixel count, the representative-selection key.
func (r *ImageRecord) ResolutionScore() int64 {
	return int64(r.Width) * int64(r.Height)
}

// Skipped reports whether extraction failed for this record.
func (r *ImageRecord) Skipped() bool {
	return r.Decision == DecisionSkipped
}

// DecodeError wraps an unreadable or corrupt image file. The record is
// excluded from grouping and scoring but still appears in the report.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
