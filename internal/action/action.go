// Package action applies decisions to the filesystem: unlinks, category
// moves and recoverable trash relocation for duplicates. Every mutation is
// per-file isolated; one failure never aborts the batch.
package action

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kazukittin/dupsnap/internal/engine"
)

// trashPrefix names the recoverable trash folder created next to the scan
// root for removed duplicates.
const trashPrefix = "_TrashFromTool"

// ActionError wraps a failed filesystem operation on one image.
type ActionError struct {
	Path string
	Op   string
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Options configure one executor run.
type Options struct {
	// Root is the scanned directory; the duplicate trash folder is created
	// as its sibling so a rescan never picks the trash up again.
	Root string

	DryRun bool

	DropDuplicates bool
	DropBlurry     bool
	DropNoisy      bool

	// Move directories take precedence over dropping for their category.
	BlurMoveDir  string
	NoiseMoveDir string

	// RunID tags the trash folder; defaults to a fresh UUID.
	RunID string
}

// Summary aggregates what one Apply call did.
type Summary struct {
	Kept    int
	Dropped int
	Moved   int
	Failed  int
	// TrashDir is set once the first duplicate was trashed.
	TrashDir string
}

// Executor mutates the filesystem according to record decisions.
type Executor struct {
	logger *slog.Logger
	opts   Options

	trashDir string
}

func New(logger *slog.Logger, opts Options) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Executor{logger: logger, opts: opts}
}

// Apply executes the configured actions over all records, filling each
// record's Outcome and ActionErr. Records the run does not touch are marked
// kept; skipped records stay pending.
func (e *Executor) Apply(records []*engine.ImageRecord) Summary {
	var sum Summary
	for _, r := range records {
		if r.Skipped() {
			continue
		}
		outcome, err := e.applyOne(r)
		r.Outcome = outcome
		if err != nil {
			r.ActionErr = err
			e.logger.Warn("action failed", "path", r.Path, "error", err)
		}
		switch outcome {
		case engine.OutcomeKept:
			sum.Kept++
		case engine.OutcomeDropped:
			sum.Dropped++
		case engine.OutcomeMoved:
			sum.Moved++
		case engine.OutcomeFailed:
			sum.Failed++
		}
	}
	sum.TrashDir = e.trashDir
	return sum
}

func (e *Executor) applyOne(r *engine.ImageRecord) (engine.Outcome, error) {
	switch r.Decision {
	case engine.DecisionDuplicate:
		if !e.opts.DropDuplicates {
			return engine.OutcomeKept, nil
		}
		return e.trash(r.Path)
	case engine.DecisionBlurry:
		return e.dispose(r.Path, e.opts.BlurMoveDir, e.opts.DropBlurry)
	case engine.DecisionNoisy:
		return e.dispose(r.Path, e.opts.NoiseMoveDir, e.opts.DropNoisy)
	default:
		return engine.OutcomeKept, nil
	}
}

// dispose moves a flagged image into its category directory when one is
// configured, unlinks it when dropping is enabled, and keeps it otherwise.
func (e *Executor) dispose(path, moveDir string, drop bool) (engine.Outcome, error) {
	switch {
	case moveDir != "":
		return e.move(path, moveDir)
	case drop:
		return e.remove(path)
	default:
		return engine.OutcomeKept, nil
	}
}

func (e *Executor) remove(path string) (engine.Outcome, error) {
	if e.opts.DryRun {
		e.logger.Info("dry run: would drop", "path", path)
		return engine.OutcomeKept, nil
	}
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return engine.OutcomeFailed, &ActionError{Path: path, Op: "drop", Err: err}
	}
	// Already gone counts as done: re-runs are idempotent.
	return engine.OutcomeDropped, nil
}

func (e *Executor) move(path, dir string) (engine.Outcome, error) {
	if e.opts.DryRun {
		e.logger.Info("dry run: would move", "path", path, "dir", dir)
		return engine.OutcomeKept, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// A previous run already moved this file.
		if _, err := os.Stat(filepath.Join(dir, filepath.Base(path))); err == nil {
			return engine.OutcomeMoved, nil
		}
		return engine.OutcomeFailed, &ActionError{Path: path, Op: "move", Err: fs.ErrNotExist}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engine.OutcomeFailed, &ActionError{Path: path, Op: "move", Err: err}
	}
	dst := uniqueDestination(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return engine.OutcomeFailed, &ActionError{Path: path, Op: "move", Err: err}
	}
	return engine.OutcomeMoved, nil
}

// trash relocates a duplicate into the run's trash folder and appends a
// line to the execution log, so the removal is reviewable and reversible.
func (e *Executor) trash(path string) (engine.Outcome, error) {
	if e.opts.DryRun {
		e.logger.Info("dry run: would trash duplicate", "path", path)
		return engine.OutcomeKept, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return engine.OutcomeDropped, nil
	}
	dir, err := e.ensureTrashDir()
	if err != nil {
		return engine.OutcomeFailed, &ActionError{Path: path, Op: "trash", Err: err}
	}
	dst := uniqueDestination(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return engine.OutcomeFailed, &ActionError{Path: path, Op: "trash", Err: err}
	}
	e.logTrash(path, dst)
	return engine.OutcomeDropped, nil
}

func (e *Executor) ensureTrashDir() (string, error) {
	if e.trashDir != "" {
		return e.trashDir, nil
	}
	stamp := time.Now().Format("20060102_150405")
	runID := e.opts.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	name := fmt.Sprintf("%s_%s_%s", trashPrefix, stamp, runID)
	dir := filepath.Join(filepath.Dir(filepath.Clean(e.opts.Root)), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	e.trashDir = dir
	return dir, nil
}

func (e *Executor) logTrash(src, dst string) {
	logPath := filepath.Join(e.trashDir, "actions.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Warn("trash log unavailable", "path", logPath, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\t%s\t%s\n", time.Now().Format(time.RFC3339), src, dst)
}

// uniqueDestination resolves name collisions in dir by suffixing the stem:
// name.ext, name_1.ext, name_2.ext, ...
func uniqueDestination(dir, base string) string {
	dst := filepath.Join(dir, base)
	if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
		return dst
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		dst = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			return dst
		}
	}
}
