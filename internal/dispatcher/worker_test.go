package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zip"

	"github.com/local/convertqueue/internal/converter"
	"github.com/local/convertqueue/internal/queue"
	"github.com/local/convertqueue/internal/storage"
	"github.com/local/convertqueue/internal/tools"
)

type fakeCounter struct {
	pages int
	err   error
}

func (f fakeCounter) PageCount(context.Context, string) (int, error) { return f.pages, f.err }

// opLog records operation calls across goroutines.
type opLog struct {
	mu    sync.Mutex
	calls []string
	invs  []converter.Invocation
}

func (l *opLog) op(name string, fn func(converter.Invocation) error) converter.Op {
	return func(_ context.Context, inv converter.Invocation) error {
		l.mu.Lock()
		l.calls = append(l.calls, name)
		l.invs = append(l.invs, inv)
		l.mu.Unlock()
		return fn(inv)
	}
}

func (l *opLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func writeOutput(content string) func(converter.Invocation) error {
	return func(inv converter.Invocation) error { return os.WriteFile(inv.Output, []byte(content), 0o644) }
}

func external(msg string) error {
	return &converter.ExternalError{Program: "tool", Err: errors.New(msg)}
}

type harness struct {
	w      *Worker
	layout *storage.Layout
}

func newHarness(t *testing.T, counter PageCounter, list ...tools.Tool) *harness {
	t.Helper()
	root := t.TempDir()
	layout, err := storage.NewLayout(filepath.Join(root, "in"), filepath.Join(root, "out"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := tools.NewRegistry(list...)
	if err != nil {
		t.Fatal(err)
	}
	if counter == nil {
		counter = fakeCounter{err: converter.ErrPageCountUnavailable}
	}
	return &harness{w: New(Config{OperationTimeout: 5 * time.Second}, nil, layout, reg, counter), layout: layout}
}

func (h *harness) stage(t *testing.T, ext string, contents ...string) []string {
	t.Helper()
	var refs []string
	for _, c := range contents {
		ref, err := h.layout.StageInput(strings.NewReader(c), ext)
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, ref)
	}
	return refs
}

func (h *harness) read(t *testing.T, name string) string {
	t.Helper()
	p, err := h.layout.OutputPath(name)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return string(data)
}

func TestExecuteSimple(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, nil, tools.Tool{Name: "image:png-to-jpg", OutputExt: ".jpg", Primary: ops.op("convert", writeOutput("jpeg"))})

	name, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "image:png-to-jpg", Inputs: h.stage(t, ".png", "png")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if filepath.Ext(name) != ".jpg" {
		t.Errorf("artifact %q has wrong extension", name)
	}
	if got := h.read(t, name); got != "jpeg" {
		t.Errorf("artifact = %q", got)
	}
	entries, _ := os.ReadDir(h.layout.WorkRoot())
	if len(entries) != 0 {
		t.Errorf("work root not cleaned: %d entries", len(entries))
	}
}

func TestExecuteFallbackRecovers(t *testing.T) {
	ops := &opLog{}
	var sawPartial bool
	h := newHarness(t, nil, tools.Tool{
		Name: "pdf:compress-pdf", Shape: tools.Fallback, OutputExt: ".pdf",
		Primary: ops.op("gs", func(inv converter.Invocation) error {
			_ = os.WriteFile(inv.Output, []byte("partial"), 0o644)
			return external("gs crashed")
		}),
		Fallback: ops.op("pdfcpu", func(inv converter.Invocation) error {
			if _, err := os.Stat(inv.Output); err == nil {
				sawPartial = true
			}
			return os.WriteFile(inv.Output, []byte("optimized"), 0o644)
		}),
	})

	name, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "pdf:compress-pdf", Inputs: h.stage(t, ".pdf", "%PDF")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sawPartial {
		t.Error("fallback saw the primary's partial output")
	}
	if got := h.read(t, name); got != "optimized" {
		t.Errorf("artifact = %q", got)
	}
	if got := ops.names(); !reflect.DeepEqual(got, []string{"gs", "pdfcpu"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestExecuteFallbackBothFail(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, nil, tools.Tool{
		Name: "image:heic-to-jpg", Shape: tools.Fallback, OutputExt: ".jpg",
		Primary:  ops.op("heif", func(converter.Invocation) error { return external("heif-convert missing") }),
		Fallback: ops.op("magick", func(converter.Invocation) error { return external("no delegate") }),
	})

	_, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "image:heic-to-jpg", Inputs: h.stage(t, ".heic", "x")})

	var fe *FallbackError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, expected FallbackError", err)
	}
	if !errors.Is(err, converter.ErrExternalOperationFailed) {
		t.Error("FallbackError does not expose the external failures")
	}
	for _, want := range []string{"heif-convert missing", "no delegate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("reason %q missing %q", err, want)
		}
	}
	if got := ops.names(); len(got) != 2 {
		t.Errorf("calls = %v, expected exactly one fallback attempt", got)
	}
}

func TestExecuteSimpleHasNoFallback(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, nil, tools.Tool{Name: "audio:mp4-to-mp3", OutputExt: ".mp3",
		Primary: ops.op("ffmpeg", func(converter.Invocation) error { return external("exit 1") })})

	_, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "audio:mp4-to-mp3", Inputs: h.stage(t, ".mp4", "x")})
	if !errors.Is(err, converter.ErrExternalOperationFailed) {
		t.Errorf("err = %v", err)
	}
	var fe *FallbackError
	if errors.As(err, &fe) {
		t.Error("simple tool reported a fallback")
	}
}

func TestExecuteAggregatePreservesOrder(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, nil, tools.Tool{Name: "pdf:merge-pdf", Arity: tools.Multi, Shape: tools.Aggregate, OutputExt: ".pdf",
		Primary: ops.op("pdfunite", writeOutput("merged"))})

	refs := h.stage(t, ".pdf", "c", "a", "b")
	if _, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "pdf:merge-pdf", Inputs: refs}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := ops.invs[0].Inputs
	if len(got) != 3 {
		t.Fatalf("inputs = %v", got)
	}
	for i, ref := range refs {
		if filepath.Base(got[i]) != ref {
			t.Errorf("input %d = %s, expected %s", i, filepath.Base(got[i]), ref)
		}
	}
}

func TestExecuteAggregateWithoutInputs(t *testing.T) {
	h := newHarness(t, nil, tools.Tool{Name: "pdf:jpg-to-pdf", Arity: tools.Multi, Shape: tools.Aggregate, OutputExt: ".pdf",
		Primary: writeOutputOp("x")})

	_, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "pdf:jpg-to-pdf"})
	if !errors.Is(err, ErrNoPagesOrInputs) {
		t.Errorf("err = %v, expected ErrNoPagesOrInputs", err)
	}
}

func writeOutputOp(content string) converter.Op {
	return func(_ context.Context, inv converter.Invocation) error { return writeOutput(content)(inv) }
}

func TestExecuteSingleArityUsesFirstInput(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, nil, tools.Tool{Name: "image:jpg-to-png", OutputExt: ".png", Primary: ops.op("convert", writeOutput("png"))})

	refs := h.stage(t, ".jpg", "one", "two")
	if _, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "image:jpg-to-png", Inputs: refs}); err != nil {
		t.Fatal(err)
	}
	if got := ops.invs[0].Inputs; len(got) != 1 || filepath.Base(got[0]) != refs[0] {
		t.Errorf("inputs = %v, expected only %s", got, refs[0])
	}
}

func TestExecuteFailures(t *testing.T) {
	h := newHarness(t, nil,
		tools.Tool{Name: "image:png-to-jpg", OutputExt: ".jpg", Primary: writeOutputOp("x")},
		tools.Tool{Name: "video:gif-to-mp4", OutputExt: ".mp4", Primary: func(context.Context, converter.Invocation) error { return nil }},
	)
	ctx := context.Background()

	_, err := h.w.Execute(ctx, queue.Job{ID: "1", Tool: "doc:word-to-pdf", Inputs: h.stage(t, ".doc", "x")})
	if !errors.Is(err, ErrUnknownToolAtExecution) {
		t.Errorf("unknown tool err = %v", err)
	}

	_, err = h.w.Execute(ctx, queue.Job{ID: "2", Tool: "image:png-to-jpg", Inputs: []string{"gone.png"}})
	if !errors.Is(err, ErrInputMissing) {
		t.Errorf("missing input err = %v", err)
	}

	_, err = h.w.Execute(ctx, queue.Job{ID: "3", Tool: "video:gif-to-mp4", Inputs: h.stage(t, ".gif", "x")})
	if !errors.Is(err, ErrOutputMissing) {
		t.Errorf("no output err = %v", err)
	}
}

func TestExecuteFanOutGivesFallbackFreshPieces(t *testing.T) {
	ops := &opLog{}
	var leftover []os.DirEntry
	h := newHarness(t, nil, tools.Tool{
		Name: "pdf:split-pdf", Shape: tools.FanOutBundle, OutputExt: ".zip",
		Primary: ops.op("pdfseparate", func(inv converter.Invocation) error {
			_ = os.WriteFile(filepath.Join(inv.PiecesDir, "stale-001.pdf"), []byte("x"), 0o644)
			return external("pdfseparate: damaged xref")
		}),
		Fallback: ops.op("gs", func(inv converter.Invocation) error {
			leftover, _ = os.ReadDir(inv.PiecesDir)
			for _, n := range []string{"doc-001.pdf", "doc-002.pdf"} {
				if err := os.WriteFile(filepath.Join(inv.PiecesDir, n), []byte(n), 0o644); err != nil {
					return err
				}
			}
			return nil
		}),
	})

	name, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "pdf:split-pdf", Inputs: h.stage(t, ".pdf", "%PDF")})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(leftover) != 0 {
		t.Errorf("fallback pieces dir held %d stale files", len(leftover))
	}

	p, _ := h.layout.OutputPath(name)
	zr, err := zip.OpenReader(p)
	if err != nil {
		t.Fatalf("artifact is not a zip: %v", err)
	}
	defer zr.Close()
	var entries []string
	for _, f := range zr.File {
		entries = append(entries, f.Name)
	}
	if !reflect.DeepEqual(entries, []string{"doc-001.pdf", "doc-002.pdf"}) {
		t.Errorf("bundle entries = %v", entries)
	}
}

func TestExecuteFanOutWithoutPiecesFails(t *testing.T) {
	h := newHarness(t, nil, tools.Tool{Name: "archive:zip-extract", Shape: tools.FanOutBundle, OutputExt: ".zip",
		Primary: func(context.Context, converter.Invocation) error { return nil }})

	_, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "archive:zip-extract", Inputs: h.stage(t, ".zip", "PK")})
	if !errors.Is(err, converter.ErrNoPieces) {
		t.Errorf("err = %v, expected ErrNoPieces", err)
	}
}

func pageTool(ops *opLog) tools.Tool {
	return tools.Tool{
		Name: "pdf:delete-pages", Params: tools.PageSpec, Shape: tools.PageSelection, OutputExt: ".pdf",
		Primary: ops.op("poppler", writeOutput("kept")),
	}
}

func TestExecutePageSelection(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, fakeCounter{pages: 5}, pageTool(ops))

	_, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "pdf:delete-pages",
		Inputs: h.stage(t, ".pdf", "%PDF"), Extra: `{"pagesToDelete":"2,4-5"}`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := ops.invs[0].Keep; !reflect.DeepEqual(got, []int{1, 3}) {
		t.Errorf("keep = %v, expected [1 3]", got)
	}
}

func TestExecutePageSelectionNothingLeft(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, fakeCounter{pages: 3}, pageTool(ops))

	_, err := h.w.Execute(context.Background(), queue.Job{ID: "1", Tool: "pdf:delete-pages",
		Inputs: h.stage(t, ".pdf", "%PDF"), Extra: "1-3"})
	if !errors.Is(err, ErrNoPagesRemaining) {
		t.Errorf("err = %v, expected ErrNoPagesRemaining", err)
	}
	if len(ops.names()) != 0 {
		t.Errorf("conversion ran despite empty page set: %v", ops.names())
	}
}

func TestExecutePageSelectionErrors(t *testing.T) {
	ops := &opLog{}
	h := newHarness(t, fakeCounter{err: converter.ErrPageCountUnavailable}, pageTool(ops))
	ctx := context.Background()

	for _, extra := range []string{"", "3", `{"pagesToDelete":""}`, `{"other":"1"}`} {
		_, err := h.w.Execute(ctx, queue.Job{ID: "1", Tool: "pdf:delete-pages", Inputs: h.stage(t, ".pdf", "%PDF"), Extra: extra})
		if !errors.Is(err, ErrMissingPageSpec) {
			t.Errorf("extra %q: err = %v, expected ErrMissingPageSpec", extra, err)
		}
	}

	_, err := h.w.Execute(ctx, queue.Job{ID: "2", Tool: "pdf:delete-pages", Inputs: h.stage(t, ".pdf", "%PDF"), Extra: "1"})
	if !errors.Is(err, converter.ErrPageCountUnavailable) {
		t.Errorf("err = %v, expected ErrPageCountUnavailable", err)
	}
}

func TestParseExtra(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"", nil},
		{`{"pagesToDelete":"1"}`, map[string]any{"pagesToDelete": "1"}},
		{"1,3,5", "1,3,5"},
		{`"2-4"`, "2-4"},
		{"not json {", "not json {"},
		{"7", float64(7)},
	}
	for _, tt := range tests {
		if got := ParseExtra(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseExtra(%q) = %#v, expected %#v", tt.raw, got, tt.want)
		}
	}
}

func TestPageSpec(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		missing bool
	}{
		{`{"pagesToDelete":" 1,3 "}`, "1,3", false},
		{`{"pagesToDelete":4}`, "4", false},
		{`{"pagesToDelete":[1,2]}`, "1,2", false},
		{"2-4", "2-4", false},
		{`{"pagesToDelete":0}`, "", true},
		{`{"pagesToDelete":false}`, "", true},
		{"12", "", true},
		{"   ", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := PageSpec(ParseExtra(tt.raw))
		if tt.missing {
			if !errors.Is(err, ErrMissingPageSpec) {
				t.Errorf("PageSpec(%q) = %q, %v; expected ErrMissingPageSpec", tt.raw, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("PageSpec(%q) = %q, %v; expected %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{external("exit 1"), KindExternal},
		{&converter.ExternalError{Program: "gs", Err: context.DeadlineExceeded}, KindTimeout},
		{ErrNoPagesRemaining, KindInput},
		{&PanicError{Value: "boom"}, KindPanic},
		{errors.New("disk full"), KindInternal},
		{ErrOutputMissing, KindOutputMissing},
	}
	for _, tt := range tests {
		if got := classifyFailure(tt.err); got != tt.want {
			t.Errorf("classifyFailure(%v) = %q, expected %q", tt.err, got, tt.want)
		}
	}
}

func TestWorkerProcessesQueue(t *testing.T) {
	m := miniredis.RunT(t)
	q, err := queue.NewRedisQueue(queue.Options{RedisURL: "redis://" + m.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	root := t.TempDir()
	layout, _ := storage.NewLayout(filepath.Join(root, "in"), filepath.Join(root, "out"), "", nil)
	reg, _ := tools.NewRegistry(
		tools.Tool{Name: "image:png-to-jpg", OutputExt: ".jpg", Primary: writeOutputOp("jpeg")},
		tools.Tool{Name: "audio:mp4-to-mp3", OutputExt: ".mp3", Primary: func(context.Context, converter.Invocation) error {
			return external("ffmpeg exited 1")
		}},
		tools.Tool{Name: "video:mov-to-mp4", OutputExt: ".mp4", Primary: func(context.Context, converter.Invocation) error {
			panic("codec table corrupted")
		}},
		tools.Tool{Name: "video:gif-to-mp4", OutputExt: ".mp4", Primary: func(context.Context, converter.Invocation) error {
			return nil
		}},
	)
	w := New(Config{Concurrency: 2, Block: 20 * time.Millisecond}, q, layout, reg, fakeCounter{})
	w.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	}()

	ctx := context.Background()
	stage := func(ext string) []string {
		ref, _ := layout.StageInput(strings.NewReader("data"), ext)
		return []string{ref}
	}
	okID, _ := q.Enqueue(ctx, queue.Spec{Tool: "image:png-to-jpg", Inputs: stage(".png")})
	badID, _ := q.Enqueue(ctx, queue.Spec{Tool: "audio:mp4-to-mp3", Inputs: stage(".mp4")})
	panicID, _ := q.Enqueue(ctx, queue.Spec{Tool: "video:mov-to-mp4", Inputs: stage(".mov")})
	unknownID, _ := q.Enqueue(ctx, queue.Spec{Tool: "image:bmp-to-png", Inputs: stage(".bmp")})
	silentID, _ := q.Enqueue(ctx, queue.Spec{Tool: "video:gif-to-mp4", Inputs: stage(".gif")})

	wait := func(id string) queue.Job {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			job, err := q.Get(ctx, id)
			if err == nil && job.State.Terminal() {
				return job
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("job %s did not finish", id)
		return queue.Job{}
	}

	if job := wait(okID); job.State != queue.StateCompleted || !layout.Exists(job.Output) {
		t.Errorf("ok job = %+v", job)
	}
	if job := wait(badID); job.State != queue.StateFailed || !strings.Contains(job.Reason, "ffmpeg exited 1") || job.Kind != KindExternal {
		t.Errorf("failing job = %+v", job)
	}
	if job := wait(panicID); job.State != queue.StateFailed || !strings.Contains(job.Reason, "codec table corrupted") {
		t.Errorf("panicking job = %+v", job)
	}
	if job := wait(unknownID); job.State != queue.StateFailed || !strings.Contains(job.Reason, ErrUnknownToolAtExecution.Error()) {
		t.Errorf("unknown tool job = %+v", job)
	}
	if job := wait(silentID); job.State != queue.StateFailed || job.Kind != KindOutputMissing {
		t.Errorf("job without output = %+v, expected kind %q", job, KindOutputMissing)
	}
}

// lostQueue reports every lease as lost.
type lostQueue struct {
	mu      sync.Mutex
	extends int
	fails   int
}

func (q *lostQueue) Claim(context.Context, string, time.Duration) (*queue.Lease, error) {
	return nil, nil
}

func (q *lostQueue) Extend(context.Context, *queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extends++
	return queue.ErrLeaseLost
}

func (q *lostQueue) Complete(context.Context, *queue.Lease, string) error { return queue.ErrLeaseLost }

func (q *lostQueue) Fail(context.Context, *queue.Lease, string, string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fails++
	return queue.ErrLeaseLost
}

func TestHandleDropsResultAfterLeaseLost(t *testing.T) {
	h := newHarness(t, nil, tools.Tool{Name: "video:mov-to-mp4", OutputExt: ".mp4",
		Primary: func(ctx context.Context, inv converter.Invocation) error {
			time.Sleep(60 * time.Millisecond)
			return external("ffmpeg exited 1")
		}})
	lq := &lostQueue{}
	h.w.q = lq
	h.w.cfg.Heartbeat = 5 * time.Millisecond

	h.w.handle(&queue.Lease{
		Job:       queue.Job{ID: "7", Tool: "video:mov-to-mp4", Inputs: h.stage(t, ".mov", "x")},
		MessageID: "1-0",
		Consumer:  "stale",
	})

	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.extends != 1 {
		t.Errorf("extends = %d, expected the heartbeat to stop after the first lost lease", lq.extends)
	}
	if lq.fails != 1 {
		t.Errorf("fails = %d", lq.fails)
	}
}

func TestSweepSparesDirsOfRunningJobs(t *testing.T) {
	h := newHarness(t, nil,
		tools.Tool{Name: "video:mov-to-mp4", OutputExt: ".mp4", Primary: writeOutputOp("x")},
		tools.Tool{Name: "video:avi-to-mp4", OutputExt: ".mp4", Primary: writeOutputOp("x"), Timeout: 2 * time.Hour},
	)
	h.w.cfg.OperationTimeout = time.Hour
	h.w.cfg.OrphanMaxAge = time.Hour

	if got := h.w.sweepAge(); got != 6*time.Hour {
		t.Errorf("sweepAge = %v, expected three times the longest tool timeout", got)
	}

	running, _ := h.layout.NewWorkDir("long.mov")
	orphan, _ := h.layout.NewWorkDir("dead.mov")
	for dir, age := range map[string]time.Duration{running: 5 * time.Hour, orphan: 7 * time.Hour} {
		past := time.Now().Add(-age)
		if err := os.Chtimes(dir, past, past); err != nil {
			t.Fatal(err)
		}
	}

	h.w.sweep()

	if _, err := os.Stat(running); err != nil {
		t.Error("work dir younger than a job's time budget was swept")
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned work dir survived")
	}

	h.w.cfg.OrphanMaxAge = 24 * time.Hour
	if got := h.w.sweepAge(); got != 24*time.Hour {
		t.Errorf("sweepAge = %v, expected the configured orphan age", got)
	}
}
