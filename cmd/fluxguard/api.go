package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/fluxguard"
	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
	"github.com/ferro-labs/fluxguard/internal/fluxai"
)

const maxUploadBytes = 32 << 20

// fileAPI serves the Flux AI operations through the guard so other
// processes can use fluxguard as a sidecar.
type fileAPI struct {
	guard *fluxguard.Guard
}

func (a *fileAPI) routes(r chi.Router) {
	r.Get("/v1/files", a.listFiles)
	r.Post("/v1/files", a.uploadFile)
	r.Get("/v1/files/{id}", a.getFile)
	r.Delete("/v1/files/{id}", a.deleteFile)
	r.Post("/v1/chat/completions", a.chatCompletion)
}

// callOptions maps request headers onto guard call options.
// "Cache-Control: no-cache" bypasses the cache lookup.
func callOptions(r *http.Request) []fluxguard.CallOption {
	var opts []fluxguard.CallOption
	for _, directive := range strings.Split(r.Header.Get("Cache-Control"), ",") {
		if strings.EqualFold(strings.TrimSpace(directive), "no-cache") {
			opts = append(opts, fluxguard.WithBypass())
			break
		}
	}
	return opts
}

func (a *fileAPI) listFiles(w http.ResponseWriter, r *http.Request) {
	resp, err := a.guard.ListFiles(r.Context(), callOptions(r)...)
	respond(w, resp, err)
}

func (a *fileAPI) getFile(w http.ResponseWriter, r *http.Request) {
	resp, err := a.guard.GetFile(r.Context(), chi.URLParam(r, "id"), callOptions(r)...)
	respond(w, resp, err)
}

func (a *fileAPI) deleteFile(w http.ResponseWriter, r *http.Request) {
	resp, err := a.guard.DeleteFile(r.Context(), chi.URLParam(r, "id"))
	respond(w, resp, err)
}

func (a *fileAPI) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error(), "invalid_request_error")
		return
	}
	file, header, err := r.FormFile("files")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "missing \"files\" form field", "invalid_request_error")
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "reading upload: "+err.Error(), "invalid_request_error")
		return
	}

	resp, err := a.guard.UploadFile(r.Context(), fluxai.UploadFileRequest{
		Filename: header.Filename,
		Content:  content,
		Tags:     r.MultipartForm.Value["tags"],
	})
	respond(w, resp, err)
}

func (a *fileAPI) chatCompletion(w http.ResponseWriter, r *http.Request) {
	var req fluxai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		writeAPIError(w, http.StatusBadRequest, "messages are required", "invalid_request_error")
		return
	}
	resp, err := a.guard.ChatCompletion(r.Context(), req, callOptions(r)...)
	respond(w, resp, err)
}

type degradable interface {
	IsDegraded() bool
}

// respond writes a guard result. Fallback responses are served with 200 and
// flagged with the X-Fluxguard-Degraded header.
func respond(w http.ResponseWriter, v degradable, err error) {
	if err != nil {
		status, errType := errorStatus(err)
		writeAPIError(w, status, err.Error(), errType)
		return
	}
	if v.IsDegraded() {
		w.Header().Set("X-Fluxguard-Degraded", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func errorStatus(err error) (int, string) {
	var apiErr *fluxai.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return apiErr.StatusCode, "upstream_client_error"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

// writeAPIError writes a JSON error response.
func writeAPIError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}
