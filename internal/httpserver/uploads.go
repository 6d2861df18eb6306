package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"usersvc/users-api/internal/uploads"
)

const multipartMemory = 1 << 20

func registerUploadHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/uploads", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if deps.Uploads == nil {
			writeError(w, http.StatusServiceUnavailable, "Uploads unavailable")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, deps.Uploads.MaxBytes()+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				writeError(w, http.StatusRequestEntityTooLarge, "File too large")
				return
			case errors.Is(err, http.ErrNotMultipart):
				writeJSON(w, http.StatusCreated, map[string]any{"imagePath": nil})
				return
			}
			writeError(w, http.StatusBadRequest, "Invalid multipart form")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		_, fh, err := r.FormFile("image")
		if errors.Is(err, http.ErrMissingFile) {
			writeJSON(w, http.StatusCreated, map[string]any{"imagePath": nil})
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart form")
			return
		}

		public, err := deps.Uploads.Save(fh)
		if err != nil {
			auditReq(deps, r, "upload.create", 0, err)
			writeUploadError(w, r, deps, err)
			return
		}
		auditReq(deps, r, "upload.create", 0, nil)
		writeJSON(w, http.StatusCreated, map[string]any{"imagePath": public})
	})

	mux.HandleFunc("/uploads/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if deps.Uploads == nil {
			writeError(w, http.StatusServiceUnavailable, "Uploads unavailable")
			return
		}
		p, err := deps.Uploads.Path(strings.TrimPrefix(r.URL.Path, uploads.PublicPrefix))
		if err != nil {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		http.ServeFile(w, r, p)
	})

	mux.HandleFunc("/uploads/presign", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if deps.Presigner == nil {
			writeError(w, http.StatusServiceUnavailable, "Presigned uploads unavailable")
			return
		}

		var req struct {
			FileExtension string `json:"fileExtension"`
			ContentType   string `json:"contentType"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if strings.TrimSpace(req.FileExtension) == "" || strings.TrimSpace(req.ContentType) == "" {
			writeError(w, http.StatusBadRequest, "fileExtension and contentType are required")
			return
		}

		out, err := deps.Presigner.PresignPut(req.FileExtension, req.ContentType)
		if err != nil {
			auditReq(deps, r, "upload.presign", 0, err)
			writeUploadError(w, r, deps, err)
			return
		}
		auditReq(deps, r, "upload.presign", 0, nil)
		writeJSON(w, http.StatusOK, out)
	})
}

func writeUploadError(w http.ResponseWriter, r *http.Request, deps Deps, err error) {
	switch {
	case errors.Is(err, uploads.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, "Only image files are allowed!")
	case errors.Is(err, uploads.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
	default:
		deps.Logger.Error("upload request failed",
			"path", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
