package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"usersvc/users-api/internal/posts"
	"usersvc/users-api/internal/users"
)

func registerPostHandlers(mux *http.ServeMux, deps Deps) {
	postCollection := func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			authorID, ok := queryID(w, r, "authorId")
			if !ok {
				return
			}
			list, err := deps.Posts.ListPosts(r.Context(), authorID)
			if err != nil {
				writePostError(w, r, deps, err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		case http.MethodPost:
			in, ok := readInput(w, r)
			if !ok {
				auditPost(deps, r, "post.create", 0, users.ErrMalformedInput)
				return
			}
			created, err := deps.Posts.CreatePost(r.Context(), in)
			if err != nil {
				auditPost(deps, r, "post.create", 0, err)
				writePostError(w, r, deps, err)
				return
			}
			auditPost(deps, r, "post.create", created.ID, nil)
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}

	likeCollection := func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			postID, ok := queryID(w, r, "postId")
			if !ok {
				return
			}
			userID, ok := queryID(w, r, "userId")
			if !ok {
				return
			}
			list, err := deps.Posts.ListLikes(r.Context(), posts.LikeFilter{PostID: postID, UserID: userID})
			if err != nil {
				writePostError(w, r, deps, err)
				return
			}
			writeJSON(w, http.StatusOK, list)
		case http.MethodPost:
			in, ok := readInput(w, r)
			if !ok {
				auditPost(deps, r, "like.create", 0, users.ErrMalformedInput)
				return
			}
			created, err := deps.Posts.CreateLike(r.Context(), in)
			if err != nil {
				auditPost(deps, r, "like.create", 0, err)
				writePostError(w, r, deps, err)
				return
			}
			auditPost(deps, r, "like.create", created.ID, nil)
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}

	postItem := func(w http.ResponseWriter, r *http.Request, rawID string) {
		auditID, _ := strconv.ParseInt(rawID, 10, 64)
		switch r.Method {
		case http.MethodGet:
			p, err := deps.Posts.GetPost(r.Context(), rawID)
			if err != nil {
				writePostError(w, r, deps, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodPut:
			if _, err := deps.Posts.GetPost(r.Context(), rawID); err != nil {
				auditPost(deps, r, "post.update", auditID, err)
				writePostError(w, r, deps, err)
				return
			}
			in, ok := readInput(w, r)
			if !ok {
				auditPost(deps, r, "post.update", auditID, users.ErrMalformedInput)
				return
			}
			updated, err := deps.Posts.UpdatePost(r.Context(), rawID, in)
			if err != nil {
				auditPost(deps, r, "post.update", auditID, err)
				writePostError(w, r, deps, err)
				return
			}
			auditPost(deps, r, "post.update", updated.ID, nil)
			writeJSON(w, http.StatusOK, updated)
		case http.MethodDelete:
			removed, err := deps.Posts.DeletePost(r.Context(), rawID)
			if err != nil {
				auditPost(deps, r, "post.delete", auditID, err)
				writePostError(w, r, deps, err)
				return
			}
			auditPost(deps, r, "post.delete", removed.ID, nil)
			writeJSON(w, http.StatusOK, map[string]any{
				"message": "Post deleted",
				"post":    removed,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}

	likeItem := func(w http.ResponseWriter, r *http.Request, rawID string) {
		auditID, _ := strconv.ParseInt(rawID, 10, 64)
		switch r.Method {
		case http.MethodGet:
			l, err := deps.Posts.GetLike(r.Context(), rawID)
			if err != nil {
				writePostError(w, r, deps, err)
				return
			}
			writeJSON(w, http.StatusOK, l)
		case http.MethodDelete:
			removed, err := deps.Posts.DeleteLike(r.Context(), rawID)
			if err != nil {
				auditPost(deps, r, "like.delete", auditID, err)
				writePostError(w, r, deps, err)
				return
			}
			auditPost(deps, r, "like.delete", removed.ID, nil)
			writeJSON(w, http.StatusOK, map[string]any{
				"message": "Like deleted",
				"like":    removed,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}

	route := func(prefix string, collection http.HandlerFunc, item func(http.ResponseWriter, *http.Request, string)) {
		mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
			if deps.Posts == nil {
				writeError(w, http.StatusServiceUnavailable, "Post service unavailable")
				return
			}
			collection(w, r)
		})
		mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
			if deps.Posts == nil {
				writeError(w, http.StatusServiceUnavailable, "Post service unavailable")
				return
			}
			rawID := strings.TrimPrefix(r.URL.Path, prefix+"/")
			switch {
			case rawID == "":
				collection(w, r)
			case strings.Contains(rawID, "/"):
				writeError(w, http.StatusNotFound, "Not found")
			default:
				item(w, r, rawID)
			}
		})
	}
	route("/posts", postCollection, postItem)
	route("/likes", likeCollection, likeItem)
}

// queryID reads an optional positive integer filter. On failure the
// response has already been written.
func queryID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "Invalid "+key)
		return 0, false
	}
	return id, true
}

func writePostError(w http.ResponseWriter, r *http.Request, deps Deps, err error) {
	var verr *users.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": verr.Details,
		})
	case errors.Is(err, posts.ErrInvalidPostID):
		writeError(w, http.StatusBadRequest, "Invalid post ID")
	case errors.Is(err, posts.ErrInvalidLikeID):
		writeError(w, http.StatusBadRequest, "Invalid like ID")
	case errors.Is(err, posts.ErrPostNotFound):
		writeError(w, http.StatusNotFound, "Post not found")
	case errors.Is(err, posts.ErrLikeNotFound):
		writeError(w, http.StatusNotFound, "Like not found")
	case errors.Is(err, posts.ErrAuthorNotFound):
		writeError(w, http.StatusNotFound, "Author not found")
	case errors.Is(err, posts.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User or Post not found")
	case errors.Is(err, posts.ErrDuplicateLike):
		writeError(w, http.StatusConflict, "Post already liked")
	case errors.Is(err, users.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, "Invalid JSON")
	default:
		deps.Logger.Error("post request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
