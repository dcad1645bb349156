package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/neurolens/neurolens/internal/orchestrator"
	"github.com/neurolens/neurolens/internal/redact"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	up, cleanup, err := s.readUpload(w, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer cleanup()

	condition := strings.TrimSpace(r.FormValue("condition"))
	if condition == "" {
		condition = strings.TrimSpace(r.FormValue("disease"))
	}
	mod := strings.TrimSpace(r.FormValue("modality"))
	if condition == "" || mod == "" {
		writeError(w, http.StatusBadRequest, "condition and modality are required", errTypeInvalidInput)
		return
	}

	pred, err := s.svc.Predict(r.Context(), up, condition, mod)
	if err != nil {
		redact.Logf("server: /predict %s/%s: %v", condition, mod, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) handlePredictEnsemble(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	up, cleanup, err := s.readUpload(w, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer cleanup()

	pred, err := s.svc.PredictEnsemble(r.Context(), up)
	if err != nil {
		redact.Logf("server: /predict-ensemble: %v", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// readUpload parses the multipart body under the size limit and returns the
// "file" part. cleanup closes it and removes spilled temporary files.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (orchestrator.Upload, func(), error) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return orchestrator.Upload{}, nil, err
		}
		return orchestrator.Upload{}, nil, fmt.Errorf("%w: expected a multipart form: %v", orchestrator.ErrInvalidInput, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		_ = r.MultipartForm.RemoveAll()
		if errors.Is(err, http.ErrMissingFile) {
			return orchestrator.Upload{}, nil, fmt.Errorf("%w: missing file field", orchestrator.ErrInvalidInput)
		}
		return orchestrator.Upload{}, nil, fmt.Errorf("%w: %v", orchestrator.ErrInvalidInput, err)
	}
	cleanup := func() {
		_ = file.Close()
		removeForm(r.MultipartForm)
	}
	return orchestrator.Upload{Filename: header.Filename, Body: file}, cleanup, nil
}

func removeForm(f *multipart.Form) {
	if f == nil {
		return
	}
	if err := f.RemoveAll(); err != nil {
		redact.Logf("server: remove multipart temp files: %v", err)
	}
}
