package converter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	mpkg "github.com/local/convertqueue/internal/metrics"
)

// ErrExternalOperationFailed matches every *ExternalError.
var ErrExternalOperationFailed = errors.New("external operation failed")

// outputTail bounds how much program output is carried in an error.
const outputTail = 512

// Command is one external program invocation. Args are passed to the
// program directly; no shell is involved.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external programs.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExternalError reports a program that could not be started, exited
// non-zero or ran past its deadline.
type ExternalError struct {
	Program string
	Err     error
	Output  string
}

func (e *ExternalError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Program, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExternalError) Unwrap() error { return e.Err }

func (e *ExternalError) Is(target error) bool { return target == ErrExternalOperationFailed }

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	log.Debug().Str("cmd", c.String()).Dur("duration", time.Since(start)).Msg("External command finished")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("timeout after %v: %w", time.Since(start).Round(time.Millisecond), ctxErr)
		}
		return out, &ExternalError{Program: filepath.Base(c.Name), Err: err, Output: tail(out)}
	}
	return out, nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > outputTail {
		s = "..." + s[len(s)-outputTail:]
	}
	return s
}

// Slots hands out per-program execution slots.
type Slots interface {
	Acquire(ctx context.Context, key string) (func(), error)
	Inflight(key string) int
}

// LimitedRunner waits for a slot keyed by program name before delegating.
type LimitedRunner struct {
	Runner Runner
	Slots  Slots
}

func (r LimitedRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	program := filepath.Base(c.Name)
	release, err := r.Slots.Acquire(ctx, program)
	if err != nil {
		return nil, &ExternalError{Program: program, Err: fmt.Errorf("waiting for slot: %w", err)}
	}
	mpkg.SetBinaryInflight(program, r.Slots.Inflight(program))
	defer func() {
		release()
		mpkg.SetBinaryInflight(program, r.Slots.Inflight(program))
	}()
	return r.Runner.Run(ctx, c)
}
