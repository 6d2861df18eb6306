package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"usersvc/users-api/internal/users"
)

func registerUserHandlers(mux *http.ServeMux, deps Deps) {
	collection := func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := deps.Users.List(r.Context())
			if err != nil {
				writeUserError(w, r, deps, err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		case http.MethodPost:
			in, ok := readInput(w, r)
			if !ok {
				auditReq(deps, r, "user.create", 0, users.ErrMalformedInput)
				return
			}
			created, err := deps.Users.Create(r.Context(), in)
			if err != nil {
				auditReq(deps, r, "user.create", 0, err)
				writeUserError(w, r, deps, err)
				return
			}
			auditReq(deps, r, "user.create", created.ID, nil)
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}

	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if deps.Users == nil {
			writeError(w, http.StatusServiceUnavailable, "User service unavailable")
			return
		}
		collection(w, r)
	})

	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		if deps.Users == nil {
			writeError(w, http.StatusServiceUnavailable, "User service unavailable")
			return
		}

		rawID := strings.TrimPrefix(r.URL.Path, "/users/")
		if rawID == "" {
			collection(w, r)
			return
		}
		if strings.Contains(rawID, "/") {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		auditID, _ := users.ParseID(rawID)

		switch r.Method {
		case http.MethodGet:
			u, err := deps.Users.Get(r.Context(), rawID)
			if err != nil {
				writeUserError(w, r, deps, err)
				return
			}
			writeJSON(w, http.StatusOK, u)
		case http.MethodPut:
			// Unknown or malformed ids are reported before the body is read.
			if _, err := deps.Users.Get(r.Context(), rawID); err != nil {
				auditReq(deps, r, "user.update", auditID, err)
				writeUserError(w, r, deps, err)
				return
			}
			in, ok := readInput(w, r)
			if !ok {
				auditReq(deps, r, "user.update", auditID, users.ErrMalformedInput)
				return
			}
			updated, err := deps.Users.Update(r.Context(), rawID, in)
			if err != nil {
				auditReq(deps, r, "user.update", auditID, err)
				writeUserError(w, r, deps, err)
				return
			}
			auditReq(deps, r, "user.update", updated.ID, nil)
			writeJSON(w, http.StatusOK, updated)
		case http.MethodDelete:
			removed, err := deps.Users.Delete(r.Context(), rawID)
			if err != nil {
				auditReq(deps, r, "user.delete", auditID, err)
				writeUserError(w, r, deps, err)
				return
			}
			auditReq(deps, r, "user.delete", removed.ID, nil)
			if deps.Posts != nil {
				if err := deps.Posts.RemoveUserContent(r.Context(), removed.ID); err != nil {
					deps.Logger.Error("remove user content",
						"user_id", removed.ID,
						"request_id", requestIDFromContext(r.Context()),
						"error", err,
					)
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"message": "User deleted",
				"user":    removed,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})
}

// readInput decodes the request body. On failure the response has already
// been written.
func readInput(w http.ResponseWriter, r *http.Request) (users.Input, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload Too Large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return nil, false
	}
	in, err := users.DecodeInput(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return nil, false
	}
	return in, true
}

func writeUserError(w http.ResponseWriter, r *http.Request, deps Deps, err error) {
	var verr *users.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": verr.Details,
		})
	case errors.Is(err, users.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "Invalid user ID")
	case errors.Is(err, users.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, users.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, "Invalid JSON")
	default:
		deps.Logger.Error("user request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
