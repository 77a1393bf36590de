package submission

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/local/convertqueue/internal/filetype"
	mpkg "github.com/local/convertqueue/internal/metrics"
	"github.com/local/convertqueue/internal/queue"
	"github.com/local/convertqueue/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingTool = errors.New("missing tool parameter")
	ErrUnknownTool = errors.New("unknown tool")
	ErrNoInput     = errors.New("no file uploaded")
)

// Enqueuer persists a job and returns its id.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec queue.Spec) (string, error)
}

// Stager stores uploaded bytes in the input area.
type Stager interface {
	StageInput(r io.Reader, ext string) (string, error)
	RemoveInputs(refs []string)
}

// Upload is one client file. Name is the client-side file name and only
// contributes its extension.
type Upload struct {
	Name string
	Body io.Reader
}

type Request struct {
	Tool  string
	Files []Upload
	Extra string
}

// Service validates submissions, stages their inputs and enqueues jobs.
type Service struct {
	registry *tools.Registry
	store    Stager
	q        Enqueuer
}

func New(registry *tools.Registry, store Stager, q Enqueuer) *Service {
	return &Service{registry: registry, store: store, q: q}
}

// Submit returns the queue's job id. Inputs are staged before the job is
// enqueued and removed again if enqueueing fails.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if req.Tool == "" {
		mpkg.IncRejected("missing_tool")
		return "", ErrMissingTool
	}
	tool, ok := s.registry.Lookup(req.Tool)
	if !ok {
		mpkg.IncRejected("unknown_tool")
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, req.Tool)
	}
	if len(req.Files) == 0 {
		mpkg.IncRejected("no_input")
		return "", ErrNoInput
	}

	files := req.Files
	if tool.Arity == tools.Single {
		files = files[:1]
	}

	refs := make([]string, 0, len(files))
	for _, f := range files {
		ext, body, err := filetype.Extension(f.Name, f.Body)
		if err != nil {
			s.store.RemoveInputs(refs)
			return "", err
		}
		ref, err := s.store.StageInput(body, ext)
		if err != nil {
			s.store.RemoveInputs(refs)
			return "", fmt.Errorf("stage input: %w", err)
		}
		refs = append(refs, ref)
	}

	id, err := s.q.Enqueue(ctx, queue.Spec{Tool: tool.Name, Inputs: refs, Extra: req.Extra})
	if err != nil {
		s.store.RemoveInputs(refs)
		return "", fmt.Errorf("enqueue: %w", err)
	}

	mpkg.IncSubmitted(tool.Name)
	log.Info().Str("job_id", id).Str("tool", tool.Name).Int("inputs", len(refs)).Msg("Queued job")
	return id, nil
}
