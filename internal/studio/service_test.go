package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	"github.com/dreschagin/image-studio/internal/stability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type editCall struct {
	op     Operation
	prompt string
	image  []byte
	mask   []byte
}

type fakeEditor struct {
	mu    sync.Mutex
	calls []editCall
	out   []byte
	err   error
}

func (f *fakeEditor) record(call editCall) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeEditor) TextToImage(_ context.Context, prompt string) ([]byte, error) {
	return f.record(editCall{op: OperationGenerate, prompt: prompt})
}

func (f *fakeEditor) Erase(_ context.Context, image, mask []byte) ([]byte, error) {
	return f.record(editCall{op: OperationErase, image: image, mask: mask})
}

func (f *fakeEditor) Inpaint(_ context.Context, image, mask []byte, prompt string) ([]byte, error) {
	return f.record(editCall{op: OperationInpaint, image: image, mask: mask, prompt: prompt})
}

type memoryCache struct {
	items map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: make(map[string][]byte)}
}

func (c *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := c.items[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.items[key] = raw
	return nil
}

type memoryStorage struct {
	keys []string
	err  error
}

func (m *memoryStorage) PutObject(_ context.Context, key, _ string, _ []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return "https://artifacts.local/" + key, nil
}

type memoryHistory struct {
	jobs []*Job
}

func (m *memoryHistory) Save(_ context.Context, job *Job) error {
	copied := *job
	m.jobs = append(m.jobs, &copied)
	return nil
}

func (m *memoryHistory) FindByID(_ context.Context, id string) (*Job, error) {
	for _, job := range m.jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, ErrJobNotFound
}

func (m *memoryHistory) List(_ context.Context, limit int) ([]*Job, error) {
	if limit > len(m.jobs) {
		limit = len(m.jobs)
	}
	return m.jobs[:limit], nil
}

type publishedEvent struct {
	subject string
	event   interface{}
}

type recordingPublisher struct {
	events []publishedEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, subject string, event interface{}) error {
	p.events = append(p.events, publishedEvent{subject: subject, event: event})
	return nil
}

type recordingNotifier struct {
	jobs []*Job
}

func (n *recordingNotifier) BroadcastJob(job *Job) {
	n.jobs = append(n.jobs, job)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func newTestService(editor Editor, deps Deps) *Service {
	deps.Editor = editor
	deps.Logger = testLogger()
	return NewService(deps, Config{
		APIKeyConfigured: true,
		Params:           stability.GenerationParams{CFGScale: 30, Steps: 30, Width: 512, Height: 512},
		KeyPrefix:        "studio/",
		SubjectPrefix:    "studio.jobs",
	})
}

func TestExecuteValidation(t *testing.T) {
	img := []byte("not used before validation")

	tests := []struct {
		name    string
		req     Request
		wantErr *RequestError
	}{
		{name: "generate without prompt", req: Request{Operation: OperationGenerate, Prompt: "   "}, wantErr: ErrNoPrompt},
		{name: "inpaint without image", req: Request{Operation: OperationInpaint, Prompt: "a cat"}, wantErr: ErrImageAndPrompt},
		{name: "inpaint without prompt", req: Request{Operation: OperationInpaint, Image: img}, wantErr: ErrImageAndPrompt},
		{name: "erase without image", req: Request{Operation: OperationErase, Prompt: "ignored"}, wantErr: ErrNoImage},
		{name: "unknown operation", req: Request{Operation: "upscale", Prompt: "x"}, wantErr: ErrUnknownOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			editor := &fakeEditor{out: []byte("png")}
			svc := newTestService(editor, Deps{})

			_, err := svc.Execute(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute() error = %v, want %v", err, tt.wantErr)
			}
			if len(editor.calls) != 0 {
				t.Fatalf("editor called %d times for invalid request", len(editor.calls))
			}
		})
	}
}

func TestExecuteMissingAPIKeyAfterValidation(t *testing.T) {
	editor := &fakeEditor{out: []byte("png")}
	svc := NewService(Deps{Editor: editor, Logger: testLogger()}, Config{})

	if _, err := svc.Execute(context.Background(), Request{Operation: OperationGenerate}); !errors.Is(err, ErrNoPrompt) {
		t.Fatalf("error = %v, want ErrNoPrompt first", err)
	}
	if _, err := svc.Execute(context.Background(), Request{Operation: OperationGenerate, Prompt: "sky"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("error = %v, want ErrMissingAPIKey", err)
	}
	if len(editor.calls) != 0 {
		t.Fatalf("editor should not be called without key")
	}
}

func TestExecuteGenerate(t *testing.T) {
	editor := &fakeEditor{out: []byte("generated-png")}
	history := &memoryHistory{}
	publisher := &recordingPublisher{}
	notifier := &recordingNotifier{}
	storage := &memoryStorage{}
	svc := newTestService(editor, Deps{History: history, Publisher: publisher, Notifier: notifier, Storage: storage})
	svc.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }

	res, err := svc.Execute(context.Background(), Request{Operation: OperationGenerate, Prompt: "  a lighthouse  "})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if string(res.Image) != "generated-png" {
		t.Fatalf("Image = %q", res.Image)
	}
	if editor.calls[0].prompt != "a lighthouse" {
		t.Fatalf("prompt = %q, want trimmed", editor.calls[0].prompt)
	}
	if res.Job.Status != JobStatusSucceeded || res.Job.Cached {
		t.Fatalf("unexpected job %+v", res.Job)
	}

	wantKey := "studio/generate/2026/03/09/" + res.Job.ID + ".png"
	if res.Job.ArtifactKey != wantKey {
		t.Fatalf("ArtifactKey = %q, want %q", res.Job.ArtifactKey, wantKey)
	}
	if !strings.HasSuffix(res.Job.ArtifactURL, wantKey) {
		t.Fatalf("ArtifactURL = %q", res.Job.ArtifactURL)
	}

	if len(history.jobs) != 1 || history.jobs[0].ID != res.Job.ID {
		t.Fatalf("history = %+v", history.jobs)
	}
	if len(publisher.events) != 1 || publisher.events[0].subject != "studio.jobs.generate.succeeded" {
		t.Fatalf("events = %+v", publisher.events)
	}
	if len(notifier.jobs) != 1 {
		t.Fatalf("notifier got %d jobs", len(notifier.jobs))
	}
}

func TestExecuteEraseUsesFullMask(t *testing.T) {
	editor := &fakeEditor{out: []byte("erased")}
	svc := newTestService(editor, Deps{})

	res, err := svc.Execute(context.Background(), Request{Operation: OperationErase, Image: pngBytes(t, 6, 4), Prompt: "ignored"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Job.Prompt != "" || res.Job.MaskProvided {
		t.Fatalf("unexpected job %+v", res.Job)
	}

	call := editor.calls[0]
	mask, err := png.Decode(bytes.NewReader(call.mask))
	if err != nil {
		t.Fatalf("mask decode error = %v", err)
	}
	if mask.Bounds().Dx() != 6 || mask.Bounds().Dy() != 4 {
		t.Fatalf("mask bounds = %v", mask.Bounds())
	}
	r, g, b, _ := mask.At(3, 2).RGBA()
	if r != 0xffff || g != 0xffff || b != 0xffff {
		t.Fatalf("mask pixel = %d,%d,%d, want white", r, g, b)
	}
}

func TestExecuteInvalidImage(t *testing.T) {
	editor := &fakeEditor{out: []byte("x")}
	svc := newTestService(editor, Deps{})

	_, err := svc.Execute(context.Background(), Request{Operation: OperationInpaint, Prompt: "cat", Image: []byte("garbage")})
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("error = %v, want ErrInvalidImage", err)
	}
}

func TestExecuteRejectsImagesAbovePixelCap(t *testing.T) {
	editor := &fakeEditor{out: []byte("x")}
	svc := newTestService(editor, Deps{})
	svc.config.MaxImagePixels = 100

	_, err := svc.Execute(context.Background(), Request{Operation: OperationErase, Image: pngBytes(t, 20, 10)})
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("error = %v, want ErrInvalidImage", err)
	}
	if len(editor.calls) != 0 {
		t.Fatalf("upstream called %d times for an oversized image", len(editor.calls))
	}
}

func TestExecuteCachesResults(t *testing.T) {
	metrics := studiometrics.New(prometheus.NewRegistry())
	editor := &fakeEditor{out: []byte("inpainted")}
	svc := newTestService(editor, Deps{Cache: newMemoryCache(), Metrics: metrics})

	req := Request{Operation: OperationInpaint, Prompt: "add a hat", Image: pngBytes(t, 4, 4)}
	first, err := svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	second, err := svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	if first.Job.Cached || !second.Job.Cached {
		t.Fatalf("cached flags = %v, %v", first.Job.Cached, second.Job.Cached)
	}
	if string(second.Image) != "inpainted" {
		t.Fatalf("cached image = %q", second.Image)
	}
	if len(editor.calls) != 1 {
		t.Fatalf("editor calls = %d, want 1", len(editor.calls))
	}
	if first.Job.ID == second.Job.ID {
		t.Fatalf("cache hit should still get a new job id")
	}

	if got := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Fatalf("cache hits = %v", got)
	}
	if got := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss")); got != 1 {
		t.Fatalf("cache misses = %v", got)
	}
}

func TestCacheKeyDependsOnPromptAndImage(t *testing.T) {
	svc := newTestService(&fakeEditor{}, Deps{})

	base := svc.cacheKey(OperationGenerate, "sky", nil)
	if base == svc.cacheKey(OperationGenerate, "sea", nil) {
		t.Fatalf("different prompts share a key")
	}
	if base == svc.cacheKey(OperationInpaint, "sky", nil) {
		t.Fatalf("different operations share a key")
	}
	if base != svc.cacheKey(OperationGenerate, "sky", nil) {
		t.Fatalf("key is not stable")
	}
}

func TestExecuteUpstreamFailureIsRecorded(t *testing.T) {
	metrics := studiometrics.New(prometheus.NewRegistry())
	editor := &fakeEditor{err: &stability.APIError{StatusCode: 402, Body: `{"message":"insufficient balance"}`}}
	history := &memoryHistory{}
	publisher := &recordingPublisher{}
	svc := newTestService(editor, Deps{History: history, Publisher: publisher, Metrics: metrics})

	_, err := svc.Execute(context.Background(), Request{Operation: OperationGenerate, Prompt: "sky"})

	var apiErr *stability.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 402 {
		t.Fatalf("error = %v, want APIError 402", err)
	}
	if len(history.jobs) != 1 {
		t.Fatalf("failed job not recorded")
	}
	job := history.jobs[0]
	if job.Status != JobStatusFailed || job.UpstreamStatus != 402 || !strings.Contains(job.Error, "insufficient") {
		t.Fatalf("unexpected failed job %+v", job)
	}
	if publisher.events[0].subject != "studio.jobs.generate.failed" {
		t.Fatalf("subject = %q", publisher.events[0].subject)
	}
	if got := testutil.ToFloat64(metrics.UpstreamErrors.WithLabelValues("generate")); got != 1 {
		t.Fatalf("upstream errors = %v", got)
	}
	if got := testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("generate", "failed")); got != 1 {
		t.Fatalf("failed jobs = %v", got)
	}
}

func TestExecuteStorageFailureDoesNotFailRequest(t *testing.T) {
	metrics := studiometrics.New(prometheus.NewRegistry())
	svc := newTestService(&fakeEditor{out: []byte("png")}, Deps{Storage: &memoryStorage{err: errors.New("s3 down")}, Metrics: metrics})

	res, err := svc.Execute(context.Background(), Request{Operation: OperationGenerate, Prompt: "sky"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Job.ArtifactURL != "" {
		t.Fatalf("ArtifactURL = %q, want empty", res.Job.ArtifactURL)
	}
	if got := testutil.ToFloat64(metrics.SideEffectErrors.WithLabelValues("storage")); got != 1 {
		t.Fatalf("storage errors = %v", got)
	}
}

func TestJobsAndJob(t *testing.T) {
	svc := newTestService(&fakeEditor{}, Deps{})
	if _, err := svc.Jobs(context.Background(), 10); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("Jobs() error = %v, want ErrHistoryDisabled", err)
	}

	history := &memoryHistory{}
	svc = newTestService(&fakeEditor{out: []byte("png")}, Deps{History: history})
	res, err := svc.Execute(context.Background(), Request{Operation: OperationGenerate, Prompt: "sky"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	jobs, err := svc.Jobs(context.Background(), 500)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Jobs() = %v, %v", jobs, err)
	}

	job, err := svc.Job(context.Background(), res.Job.ID)
	if err != nil || job.ID != res.Job.ID {
		t.Fatalf("Job() = %v, %v", job, err)
	}
	if _, err := svc.Job(context.Background(), "not-a-uuid"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Job(bad id) error = %v", err)
	}
}
