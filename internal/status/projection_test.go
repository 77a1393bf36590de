package status

import (
	"context"
	"errors"
	"testing"

	"github.com/local/convertqueue/internal/queue"
)

type fakeJobs map[string]queue.Job

func (f fakeJobs) Get(_ context.Context, id string) (queue.Job, error) {
	j, ok := f[id]
	if !ok {
		return queue.Job{}, queue.ErrJobNotFound
	}
	return j, nil
}

type fakeFiles map[string]bool

func (f fakeFiles) Exists(name string) bool { return f[name] }

func TestProject(t *testing.T) {
	jobs := fakeJobs{
		"1": {ID: "1", State: queue.StateQueued},
		"2": {ID: "2", State: queue.StateActive},
		"3": {ID: "3", State: queue.StateCompleted, Output: "abc.jpg"},
		"4": {ID: "4", State: queue.StateFailed, Reason: "gs exited 1", Kind: "external"},
		"5": {ID: "5", State: queue.StateFailed, Reason: "output file not created", Kind: "output_missing"},
	}
	p := NewProjector(jobs, fakeFiles{"abc.jpg": true}, "https://convert.example.com/")

	tests := []struct {
		id   string
		want Projection
	}{
		{"1", Projection{Status: Processing}},
		{"2", Projection{Status: Processing}},
		{"3", Projection{Status: Completed, DownloadURL: "https://convert.example.com/api/download/abc.jpg"}},
		{"4", Projection{Status: Failed, Reason: "gs exited 1", Kind: "external"}},
		{"5", Projection{Status: Failed, Reason: "output file not created", Kind: "output_missing"}},
	}
	for _, tt := range tests {
		got, err := p.Project(context.Background(), tt.id)
		if err != nil {
			t.Errorf("Project(%s): %v", tt.id, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Project(%s) = %+v, expected %+v", tt.id, got, tt.want)
		}
	}
}

func TestProjectNotFound(t *testing.T) {
	p := NewProjector(fakeJobs{}, fakeFiles{}, "http://localhost:3000")

	if _, err := p.Project(context.Background(), "77"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, expected ErrNotFound", err)
	}
}

func TestProjectCompletedWithoutArtifact(t *testing.T) {
	jobs := fakeJobs{"5": {ID: "5", State: queue.StateCompleted, Output: "gone.pdf"}}
	p := NewProjector(jobs, fakeFiles{}, "http://localhost:3000")

	got, err := p.Project(context.Background(), "5")
	if !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("err = %v, expected ErrOutputMissing", err)
	}
	if got.Status == Failed {
		t.Error("missing artifact reported as a failed job")
	}
}

func TestProjectIsIdempotent(t *testing.T) {
	jobs := fakeJobs{"3": {ID: "3", State: queue.StateCompleted, Output: "abc.zip"}}
	p := NewProjector(jobs, fakeFiles{"abc.zip": true}, "http://localhost:3000")

	first, _ := p.Project(context.Background(), "3")
	second, _ := p.Project(context.Background(), "3")
	if first != second {
		t.Errorf("projections differ: %+v vs %+v", first, second)
	}
}
