package studio

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dreschagin/image-studio/internal/imaging"
	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	"github.com/dreschagin/image-studio/internal/stability"
	"github.com/google/uuid"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100

	sideEffectTimeout = 10 * time.Second
)

// Config carries the values that shape cache keys, object keys and subjects.
type Config struct {
	APIKeyConfigured bool
	Params           stability.GenerationParams
	KeyPrefix        string
	SubjectPrefix    string
	MaxImagePixels   int
}

// Deps are the collaborators of a Service. Everything except Editor is optional.
type Deps struct {
	Editor    Editor
	Cache     Cache
	Storage   ArtifactStorage
	History   HistoryRepository
	Publisher EventPublisher
	Notifier  Notifier
	Metrics   *studiometrics.Metrics
	Logger    *slog.Logger
}

// Service dispatches generate, inpaint and erase requests to the upstream API.
type Service struct {
	deps   Deps
	config Config
	now    func() time.Time
}

func NewService(deps Deps, config Config) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	config.KeyPrefix = strings.Trim(config.KeyPrefix, "/")
	config.SubjectPrefix = strings.Trim(config.SubjectPrefix, ".")

	return &Service{
		deps:   deps,
		config: config,
		now:    time.Now,
	}
}

type cachedImage struct {
	Image []byte `json:"image"`
}

// Event is published to the broker for every finished job.
type Event struct {
	Type string `json:"type"`
	Job  *Job   `json:"job"`
}

// Execute runs one request end to end. Validation failures are *RequestError,
// upstream failures are *stability.APIError.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	if !req.Operation.Valid() {
		return nil, ErrUnknownOperation
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := validate(req); err != nil {
		return nil, err
	}
	if !s.config.APIKeyConfigured {
		return nil, ErrMissingAPIKey
	}

	startedAt := s.now()
	job := &Job{
		ID:           uuid.NewString(),
		Operation:    req.Operation,
		Prompt:       req.Prompt,
		MaskProvided: len(req.Mask) > 0,
		CreatedAt:    startedAt.UTC(),
	}
	if req.Operation == OperationErase {
		job.Prompt = ""
	}

	var prepared *imaging.Prepared
	if req.Operation != OperationGenerate {
		var err error
		prepared, err = imaging.Prepare(req.Image, req.Mask, s.config.MaxImagePixels)
		if err != nil {
			if errors.Is(err, imaging.ErrUnsupportedImage) {
				return nil, ErrInvalidImage
			}
			return nil, fmt.Errorf("prepare image: %w", err)
		}
	}

	key := s.cacheKey(job.Operation, job.Prompt, prepared)
	if image, ok := s.lookup(ctx, key); ok {
		job.Cached = true
		return s.finish(ctx, job, image, startedAt), nil
	}

	image, err := s.call(ctx, job.Operation, job.Prompt, prepared)
	if err != nil {
		if errors.Is(err, stability.ErrMissingAPIKey) {
			return nil, ErrMissingAPIKey
		}
		s.fail(ctx, job, err, startedAt)
		return nil, err
	}

	s.store(ctx, key, image)
	return s.finish(ctx, job, image, startedAt), nil
}

func validate(req Request) error {
	switch req.Operation {
	case OperationGenerate:
		if req.Prompt == "" {
			return ErrNoPrompt
		}
	case OperationInpaint:
		if len(req.Image) == 0 || req.Prompt == "" {
			return ErrImageAndPrompt
		}
	case OperationErase:
		if len(req.Image) == 0 {
			return ErrNoImage
		}
	}
	return nil
}

func (s *Service) call(ctx context.Context, op Operation, prompt string, prepared *imaging.Prepared) ([]byte, error) {
	startedAt := time.Now()
	var (
		image []byte
		err   error
	)

	switch op {
	case OperationGenerate:
		image, err = s.deps.Editor.TextToImage(ctx, prompt)
	case OperationInpaint:
		image, err = s.deps.Editor.Inpaint(ctx, prepared.Image, prepared.Mask, prompt)
	case OperationErase:
		image, err = s.deps.Editor.Erase(ctx, prepared.Image, prepared.Mask)
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamDuration.WithLabelValues(string(op)).Observe(time.Since(startedAt).Seconds())
		if err != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(string(op)).Inc()
		}
	}
	return image, err
}

// cacheKey fingerprints everything that influences the upstream answer.
func (s *Service) cacheKey(op Operation, prompt string, prepared *imaging.Prepared) string {
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})

	if op == OperationGenerate {
		p := s.config.Params
		fmt.Fprintf(h, "%g|%d|%d|%d", p.CFGScale, p.Steps, p.Width, p.Height)
	}
	if prepared != nil {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(prepared.Image)))
		h.Write(size[:])
		h.Write(prepared.Image)
		h.Write(prepared.Mask)
	}

	return "studio:result:" + hex.EncodeToString(h.Sum(nil))
}

func (s *Service) lookup(ctx context.Context, key string) ([]byte, bool) {
	if s.deps.Cache == nil {
		return nil, false
	}

	var cached cachedImage
	err := s.deps.Cache.Get(ctx, key, &cached)
	if err == nil && len(cached.Image) > 0 {
		s.countCache("hit")
		return cached.Image, true
	}

	if err != nil && !errors.Is(err, ErrCacheMiss) {
		s.deps.Logger.Warn("cache lookup failed", "error", err)
		s.countSideEffectError("cache")
	}
	s.countCache("miss")
	return nil, false
}

func (s *Service) store(ctx context.Context, key string, image []byte) {
	if s.deps.Cache == nil {
		return
	}

	ctx, cancel := detached(ctx)
	defer cancel()
	if err := s.deps.Cache.Set(ctx, key, cachedImage{Image: image}); err != nil {
		s.deps.Logger.Warn("cache store failed", "error", err)
		s.countSideEffectError("cache")
	}
}

func (s *Service) finish(ctx context.Context, job *Job, image []byte, startedAt time.Time) *Result {
	job.Status = JobStatusSucceeded
	job.ImageBytes = len(image)
	s.archive(ctx, job, image)
	job.DurationMs = s.now().Sub(startedAt).Milliseconds()

	s.record(ctx, job)
	s.deps.Logger.Info("job finished",
		"job_id", job.ID,
		"operation", job.Operation,
		"cached", job.Cached,
		"duration_ms", job.DurationMs,
	)
	return &Result{Job: job, Image: image}
}

func (s *Service) fail(ctx context.Context, job *Job, err error, startedAt time.Time) {
	job.Status = JobStatusFailed
	job.Error = err.Error()

	var apiErr *stability.APIError
	if errors.As(err, &apiErr) {
		job.UpstreamStatus = apiErr.StatusCode
		job.Error = apiErr.Body
	}
	job.DurationMs = s.now().Sub(startedAt).Milliseconds()

	s.record(ctx, job)
	s.deps.Logger.Warn("job failed",
		"job_id", job.ID,
		"operation", job.Operation,
		"upstream_status", job.UpstreamStatus,
		"error", err,
	)
}

func (s *Service) archive(ctx context.Context, job *Job, image []byte) {
	if s.deps.Storage == nil {
		return
	}

	ctx, cancel := detached(ctx)
	defer cancel()

	key := s.objectKey(job)
	url, err := s.deps.Storage.PutObject(ctx, key, "image/png", image)
	if err != nil {
		s.deps.Logger.Warn("artifact upload failed", "job_id", job.ID, "key", key, "error", err)
		s.countSideEffectError("storage")
		return
	}
	job.ArtifactKey = key
	job.ArtifactURL = url
}

func (s *Service) objectKey(job *Job) string {
	path := fmt.Sprintf("%s/%s/%s.png", job.Operation, job.CreatedAt.UTC().Format("2006/01/02"), job.ID)
	if s.config.KeyPrefix == "" {
		return path
	}
	return s.config.KeyPrefix + "/" + path
}

func (s *Service) subject(job *Job) string {
	subject := fmt.Sprintf("%s.%s", job.Operation, job.Status)
	if s.config.SubjectPrefix == "" {
		return subject
	}
	return s.config.SubjectPrefix + "." + subject
}

// record fans a finished job out to history, the broker and live subscribers.
func (s *Service) record(ctx context.Context, job *Job) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.JobsTotal.WithLabelValues(string(job.Operation), string(job.Status)).Inc()
	}

	ctx, cancel := detached(ctx)
	defer cancel()

	if s.deps.History != nil {
		if err := s.deps.History.Save(ctx, job); err != nil {
			s.deps.Logger.Warn("history save failed", "job_id", job.ID, "error", err)
			s.countSideEffectError("history")
		}
	}

	if s.deps.Publisher != nil {
		event := Event{Type: "job." + string(job.Status), Job: job}
		if err := s.deps.Publisher.PublishEvent(ctx, s.subject(job), event); err != nil {
			s.deps.Logger.Warn("event publish failed", "job_id", job.ID, "error", err)
			s.countSideEffectError("events")
		}
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.BroadcastJob(job)
	}
}

// Jobs returns the most recent jobs, newest first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]*Job, error) {
	if s.deps.History == nil {
		return nil, ErrHistoryDisabled
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	jobs, err := s.deps.History.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Service) Job(ctx context.Context, id string) (*Job, error) {
	if s.deps.History == nil {
		return nil, ErrHistoryDisabled
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrJobNotFound
	}
	return s.deps.History.FindByID(ctx, id)
}

func (s *Service) countCache(result string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (s *Service) countSideEffectError(kind string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SideEffectErrors.WithLabelValues(kind).Inc()
	}
}

// detached keeps side effects running after the client has gone away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}
