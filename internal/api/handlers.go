package api

import (
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	mpkg "github.com/local/convertqueue/internal/metrics"
	"github.com/local/convertqueue/internal/status"
	"github.com/local/convertqueue/internal/submission"
)

const multipartMemory = 32 << 20

type convertResp struct {
	JobID string `json:"jobId"`
}

type errorResp struct {
	Error string `json:"error"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	var headers []*multipart.FileHeader
	err := r.ParseMultipartForm(multipartMemory)
	switch {
	case err == nil:
		defer r.MultipartForm.RemoveAll()
		headers = r.MultipartForm.File["file"]
	case errors.Is(err, http.ErrNotMultipart):
		// no files; the tool check below still runs first
	case isTooLarge(err):
		mpkg.IncRejected("too_large")
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "File too large"})
		return
	default:
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "Invalid multipart form"})
		return
	}

	uploads := make([]submission.Upload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			log.Error().Err(err).Str("file", h.Filename).Msg("Cannot open uploaded part")
			writeJSON(w, http.StatusInternalServerError, errorResp{Error: "Internal server error"})
			return
		}
		defer f.Close()
		uploads = append(uploads, submission.Upload{Name: h.Filename, Body: f})
	}

	id, err := s.deps.Submitter.Submit(r.Context(), submission.Request{
		Tool:  r.FormValue("tool"),
		Files: uploads,
		Extra: r.FormValue("extraPayload"),
	})
	switch {
	case errors.Is(err, submission.ErrMissingTool):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "Missing tool parameter"})
	case errors.Is(err, submission.ErrNoInput):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "No file uploaded"})
	case errors.Is(err, submission.ErrUnknownTool):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "Unknown tool"})
	case err != nil:
		log.Error().Err(err).Msg("Submission failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "Internal server error"})
	default:
		writeJSON(w, http.StatusOK, convertResp{JobID: id})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	p, err := s.deps.Projector.Project(r.Context(), id)
	switch {
	case errors.Is(err, status.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
	case err != nil:
		log.Error().Err(err).Str("job_id", id).Msg("Status lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "Internal server error"})
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	path, err := s.deps.Artifacts.OutputPath(name)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleDeps(w http.ResponseWriter, r *http.Request) {
	summary := s.deps.Health.Summary(r.Context())
	code := http.StatusOK
	if !summary.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summary)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
