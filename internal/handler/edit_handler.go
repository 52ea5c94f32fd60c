package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/dreschagin/image-studio/internal/httpx"
	"github.com/dreschagin/image-studio/internal/stability"
	"github.com/dreschagin/image-studio/internal/studio"
)

const multipartMemory = 8 << 20

// Executor runs one edit request.
type Executor interface {
	Execute(ctx context.Context, req studio.Request) (*studio.Result, error)
}

// EditHandler serves /generate, /inpaint and /erase.
type EditHandler struct {
	service  Executor
	maxBytes int64
	logger   *slog.Logger
}

func NewEditHandler(service Executor, maxBytes int64, logger *slog.Logger) *EditHandler {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &EditHandler{service: service, maxBytes: maxBytes, logger: logger}
}

type badRequestError struct {
	status  int
	message string
}

func (e *badRequestError) Error() string {
	return e.message
}

type promptBody struct {
	Prompt string `json:"prompt"`
}

// Operation returns the handler for op.
func (h *EditHandler) Operation(op studio.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := h.parseRequest(w, r, op)
		if err != nil {
			var bad *badRequestError
			if errors.As(err, &bad) {
				httpx.WriteError(w, bad.status, bad.message)
				return
			}
			h.writeError(w, r, err)
			return
		}

		result, err := h.service.Execute(r.Context(), req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		header := w.Header()
		header.Set("Content-Type", "image/png")
		header.Set("Content-Length", strconv.Itoa(len(result.Image)))
		header.Set("X-Job-Id", result.Job.ID)
		if result.Job.Cached {
			header.Set("X-Cache", "HIT")
		} else {
			header.Set("X-Cache", "MISS")
		}
		if result.Job.ArtifactURL != "" {
			header.Set("X-Artifact-Url", result.Job.ArtifactURL)
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(result.Image); err != nil {
			h.logger.Warn("failed to write image", "job_id", result.Job.ID, "error", err)
		}
	}
}

// parseRequest accepts a JSON body, a urlencoded form or a multipart form.
// Only multipart carries the image and mask files.
func (h *EditHandler) parseRequest(w http.ResponseWriter, r *http.Request, op studio.Operation) (studio.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	req := studio.Request{Operation: op}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body promptBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return req, bodyError(err)
		}
		req.Prompt = body.Prompt

	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return req, bodyError(err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		req.Prompt = r.FormValue("prompt")
		var err error
		if req.Image, err = formFile(r, "image"); err != nil {
			return req, bodyError(err)
		}
		if req.Mask, err = formFile(r, "mask"); err != nil {
			return req, bodyError(err)
		}

	default:
		if err := r.ParseForm(); err != nil {
			return req, bodyError(err)
		}
		req.Prompt = r.PostFormValue("prompt")
	}

	return req, nil
}

func formFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &badRequestError{status: http.StatusRequestEntityTooLarge, message: "request body too large"}
	}
	return &badRequestError{status: http.StatusBadRequest, message: "invalid request body"}
}

func (h *EditHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *studio.RequestError
	if errors.As(err, &reqErr) {
		httpx.WriteError(w, reqErr.Status, reqErr.Message)
		return
	}

	var apiErr *stability.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		httpx.WriteError(w, status, apiErr.Body)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(w, http.StatusGatewayTimeout, "upstream request timed out")
		return
	}

	h.logger.Error("edit request failed",
		"path", r.URL.Path,
		"request_id", httpx.RequestID(r),
		"error", err,
	)
	httpx.WriteError(w, http.StatusInternalServerError, "internal server error")
}
