package status

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/local/convertqueue/internal/queue"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrOutputMissing means a completed job's artifact is gone.
	ErrOutputMissing = errors.New("completed job output missing")
)

// Client-facing statuses.
const (
	Processing = "processing"
	Completed  = "completed"
	Failed     = "failed"
)

// JobReader loads job records.
type JobReader interface {
	Get(ctx context.Context, id string) (queue.Job, error)
}

// ArtifactChecker reports whether an artifact exists in the output area.
type ArtifactChecker interface {
	Exists(name string) bool
}

type Projection struct {
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// Projector maps queue records to what polling clients see.
type Projector struct {
	jobs    JobReader
	files   ArtifactChecker
	baseURL string
}

func NewProjector(jobs JobReader, files ArtifactChecker, baseURL string) *Projector {
	return &Projector{jobs: jobs, files: files, baseURL: strings.TrimRight(baseURL, "/")}
}

// Project never modifies the job.
func (p *Projector) Project(ctx context.Context, id string) (Projection, error) {
	job, err := p.jobs.Get(ctx, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return Projection{}, ErrNotFound
	}
	if err != nil {
		return Projection{}, err
	}

	switch job.State {
	case queue.StateQueued, queue.StateActive:
		return Projection{Status: Processing}, nil
	case queue.StateFailed:
		return Projection{Status: Failed, Reason: job.Reason, Kind: job.Kind}, nil
	case queue.StateCompleted:
		if job.Output == "" || !p.files.Exists(job.Output) {
			log.Error().Str("job_id", id).Str("output", job.Output).Msg("Completed job has no artifact")
			return Projection{}, fmt.Errorf("%w: job %s", ErrOutputMissing, id)
		}
		return Projection{Status: Completed, DownloadURL: p.DownloadURL(job.Output)}, nil
	}
	return Projection{}, fmt.Errorf("job %s in unexpected state %q", id, job.State)
}

// DownloadURL is where clients fetch the named artifact.
func (p *Projector) DownloadURL(name string) string {
	return p.baseURL + "/api/download/" + url.PathEscape(name)
}
