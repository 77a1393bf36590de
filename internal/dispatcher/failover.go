package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/local/convertqueue/internal/converter"
	mpkg "github.com/local/convertqueue/internal/metrics"
	"github.com/local/convertqueue/internal/queue"
	"github.com/local/convertqueue/internal/tools"
	"github.com/rs/zerolog/log"
)

// Execute runs one job to a finalized artifact and returns its name.
// It does not touch the queue.
func (w *Worker) Execute(ctx context.Context, job queue.Job) (string, error) {
	tool, ok := w.registry.Lookup(job.Tool)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownToolAtExecution, job.Tool)
	}

	inputs, err := w.resolveInputs(job.Inputs)
	if err != nil {
		return "", err
	}
	if tool.Shape == tools.Aggregate && len(inputs) == 0 {
		return "", ErrNoPagesOrInputs
	}
	if len(inputs) == 0 {
		return "", fmt.Errorf("%w: job has no inputs", ErrInputMissing)
	}
	if tool.Arity == tools.Single {
		inputs = inputs[:1]
	}
	extra := ParseExtra(job.Extra)

	base := baseName(inputs[0])
	workDir, err := w.store.NewWorkDir(base)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	inv := converter.Invocation{
		Inputs:  inputs,
		Output:  filepath.Join(workDir, base+tool.OutputExt),
		WorkDir: workDir,
	}

	logger := log.With().Str("job_id", job.ID).Str("tool", tool.Name).Str("shape", tool.Shape.String()).Logger()
	logger.Info().Int("inputs", len(inputs)).Msg("Running conversion")

	switch tool.Shape {
	case tools.FanOutBundle:
		err = w.runFanOut(ctx, job.ID, tool, inv)
	case tools.PageSelection:
		err = w.runPageSelection(ctx, job.ID, tool, inv, extra)
	default:
		err = w.runWithFallback(ctx, job.ID, tool, inv, nil)
	}
	if err != nil {
		return "", err
	}

	if info, statErr := os.Stat(inv.Output); statErr != nil || info.Size() == 0 {
		return "", ErrOutputMissing
	}
	name, err := w.store.Finalize(ctx, inv.Output)
	if err != nil {
		return "", fmt.Errorf("finalize output: %w", err)
	}
	return name, nil
}

func (w *Worker) resolveInputs(refs []string) ([]string, error) {
	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		p, err := w.store.InputPath(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInputMissing, err)
		}
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInputMissing, ref)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// runWithFallback runs the primary operation and, when it fails and the
// tool has one, the fallback exactly once. prepare resets shared state
// between the two attempts.
func (w *Worker) runWithFallback(ctx context.Context, jobID string, tool tools.Tool, inv converter.Invocation, prepare func() error) error {
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}
	primaryErr := w.step(ctx, tool, "primary", tool.Primary, inv)
	if primaryErr == nil {
		return nil
	}
	if tool.Fallback == nil {
		return primaryErr
	}

	log.Warn().Err(primaryErr).Str("job_id", jobID).Str("tool", tool.Name).Msg("Primary operation failed, trying fallback")
	if err := os.Remove(inv.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial output: %w", err)
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}

	fallbackErr := w.step(ctx, tool, "fallback", tool.Fallback, inv)
	mpkg.IncFallback(tool.Name, fallbackErr == nil)
	if fallbackErr != nil {
		return &FallbackError{Tool: tool.Name, Primary: primaryErr, Fallback: fallbackErr}
	}
	log.Info().Str("job_id", jobID).Str("tool", tool.Name).Msg("Fallback operation succeeded")
	return nil
}

// runFanOut gives each attempt an empty pieces directory and bundles the
// pieces of the successful one into the output zip.
func (w *Worker) runFanOut(ctx context.Context, jobID string, tool tools.Tool, inv converter.Invocation) error {
	inv.PiecesDir = filepath.Join(inv.WorkDir, "pieces")
	fresh := func() error {
		if err := os.RemoveAll(inv.PiecesDir); err != nil {
			return err
		}
		return os.MkdirAll(inv.PiecesDir, 0o755)
	}

	attempt := tool
	attempt.Primary = requirePieces(tool.Primary)
	if tool.Fallback != nil {
		attempt.Fallback = requirePieces(tool.Fallback)
	}
	if err := w.runWithFallback(ctx, jobID, attempt, inv, fresh); err != nil {
		return err
	}

	n, err := converter.BundleDir(inv.PiecesDir, inv.Output)
	if err != nil {
		return err
	}
	log.Debug().Str("job_id", jobID).Int("pieces", n).Msg("Bundled pieces")
	return nil
}

// requirePieces treats an operation that produced no pieces as failed.
func requirePieces(op converter.Op) converter.Op {
	return func(ctx context.Context, inv converter.Invocation) error {
		if err := op(ctx, inv); err != nil {
			return err
		}
		found := false
		_ = filepath.WalkDir(inv.PiecesDir, func(_ string, d os.DirEntry, err error) error {
			if err == nil && d.Type().IsRegular() {
				found = true
				return filepath.SkipAll
			}
			return nil
		})
		if !found {
			return converter.ErrNoPieces
		}
		return nil
	}
}

// runPageSelection resolves the kept pages before any conversion runs.
func (w *Worker) runPageSelection(ctx context.Context, jobID string, tool tools.Tool, inv converter.Invocation, extra any) error {
	spec, err := PageSpec(extra)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, w.stepTimeout(tool))
	count, err := w.pages.PageCount(pctx, inv.Input())
	cancel()
	if err != nil {
		return err
	}
	inv.Keep = converter.KeepPages(count, converter.ParsePageSpec(spec))
	if len(inv.Keep) == 0 {
		return ErrNoPagesRemaining
	}
	log.Info().Str("job_id", jobID).Int("pages", count).Int("kept", len(inv.Keep)).Str("spec", spec).Msg("Selecting pages")
	return w.runWithFallback(ctx, jobID, tool, inv, nil)
}

// step runs one operation under the tool's timeout.
func (w *Worker) step(ctx context.Context, tool tools.Tool, name string, op converter.Op, inv converter.Invocation) error {
	timeout := w.stepTimeout(tool)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := op(sctx, inv)
	mpkg.ObserveStep(tool.Name, name, time.Since(start))
	if err != nil && sctx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s step exceeded %v: %w", name, timeout, errors.Join(err, context.DeadlineExceeded))
	}
	return err
}

func (w *Worker) stepTimeout(tool tools.Tool) time.Duration {
	if tool.Timeout > 0 {
		return tool.Timeout
	}
	return w.cfg.OperationTimeout
}

func baseName(p string) string {
	b := filepath.Base(p)
	return b[:len(b)-len(filepath.Ext(b))]
}
