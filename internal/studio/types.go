package studio

import (
	"errors"
	"net/http"
	"time"
)

// Operation names an edit endpoint.
type Operation string

const (
	OperationGenerate Operation = "generate"
	OperationInpaint  Operation = "inpaint"
	OperationErase    Operation = "erase"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationGenerate, OperationInpaint, OperationErase:
		return true
	default:
		return false
	}
}

type JobStatus string

const (
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Request is one submission from a client form.
type Request struct {
	Operation Operation
	Prompt    string
	Image     []byte
	Mask      []byte
}

// Job records the outcome of a Request.
type Job struct {
	ID             string    `json:"id"`
	Operation      Operation `json:"operation"`
	Prompt         string    `json:"prompt,omitempty"`
	Status         JobStatus `json:"status"`
	Cached         bool      `json:"cached"`
	MaskProvided   bool      `json:"mask_provided"`
	ImageBytes     int       `json:"image_bytes"`
	ArtifactKey    string    `json:"artifact_key,omitempty"`
	ArtifactURL    string    `json:"artifact_url,omitempty"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Result is a successful Execute outcome.
type Result struct {
	Job   *Job
	Image []byte
}

// RequestError is a client mistake reported with its HTTP status. Messages
// match what browser clients already display.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

var (
	ErrNoPrompt         = &RequestError{Status: http.StatusBadRequest, Message: "No prompt provided"}
	ErrNoImage          = &RequestError{Status: http.StatusBadRequest, Message: "No image provided"}
	ErrImageAndPrompt   = &RequestError{Status: http.StatusBadRequest, Message: "Image and prompt required"}
	ErrMissingAPIKey    = &RequestError{Status: http.StatusBadRequest, Message: "Missing API key"}
	ErrInvalidImage     = &RequestError{Status: http.StatusBadRequest, Message: "Uploaded file is not a supported image"}
	ErrUnknownOperation = &RequestError{Status: http.StatusNotFound, Message: "Unknown operation"}
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrHistoryDisabled = errors.New("history is disabled")
	ErrCacheMiss       = errors.New("cache miss")
)
