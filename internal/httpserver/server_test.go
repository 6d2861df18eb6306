package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"usersvc/users-api/internal/audit"
	"usersvc/users-api/internal/config"
	"usersvc/users-api/internal/migrations"
	"usersvc/users-api/internal/uploads"
	"usersvc/users-api/internal/users"
)

type fakeAuditLogger struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAuditLogger) Record(e audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAuditLogger) last(t *testing.T) audit.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatalf("expected an audit event")
	}
	return f.events[len(f.events)-1]
}

type fakeUserService struct {
	err error
}

func (f fakeUserService) Create(context.Context, users.Input) (users.User, error) {
	return users.User{}, f.err
}
func (f fakeUserService) List(context.Context) ([]users.User, error) { return nil, f.err }
func (f fakeUserService) Get(context.Context, string) (users.User, error) {
	return users.User{}, f.err
}
func (f fakeUserService) Update(context.Context, string, users.Input) (users.User, error) {
	return users.User{}, f.err
}
func (f fakeUserService) Delete(context.Context, string) (users.User, error) {
	return users.User{}, f.err
}

type fakeMigrationService struct {
	statusFunc func(ctx context.Context) ([]migrations.Status, error)
}

func (f fakeMigrationService) Status(ctx context.Context) ([]migrations.Status, error) {
	return f.statusFunc(ctx)
}

type fakePresigner struct {
	presignFunc func(ext, contentType string) (uploads.Presigned, error)
}

func (f fakePresigner) PresignPut(ext, contentType string) (uploads.Presigned, error) {
	return f.presignFunc(ext, contentType)
}

func newUserDeps(t *testing.T) (Deps, *fakeAuditLogger) {
	t.Helper()
	svc, err := users.NewService(users.NewMemoryRepository(), nil)
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	a := &fakeAuditLogger{}
	return Deps{Users: svc, Audit: a, StoreBackend: "memory"}, a
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	handler := Handler(config.HTTPConfig{}, Deps{})
	rec := do(t, handler, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header to be set")
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	handler := Handler(config.HTTPConfig{}, Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "rid-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "rid-42" {
		t.Fatalf("expected request id rid-42, got %q", got)
	}
}

func TestInfo(t *testing.T) {
	handler := NewHandler(Deps{StoreBackend: "sqlite3"})
	rec := do(t, handler, http.MethodGet, "/v1/info", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["service"] != "users-api" || body["store"] != "sqlite3" {
		t.Fatalf("unexpected info body: %v", body)
	}
}

func TestReadyz(t *testing.T) {
	handler := NewHandler(Deps{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := do(t, handler, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	handler = NewHandler(Deps{Ready: func(context.Context) error { return nil }})
	rec = do(t, handler, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestUserLifecycle(t *testing.T) {
	deps, auditLog := newUserDeps(t)
	handler := NewHandler(deps)

	rec := do(t, handler, http.MethodPost, "/users", `{"name":"  John  ","age":25,"isAdmin":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]any](t, rec)
	if created["id"] != float64(1) || created["name"] != "John" || created["isAdmin"] != false {
		t.Fatalf("unexpected created user: %v", created)
	}
	if created["createdAt"] != created["updatedAt"] {
		t.Fatalf("expected createdAt == updatedAt, got %v", created)
	}
	if e := auditLog.last(t); e.Action != "user.create" || e.UserID != 1 || e.Outcome != audit.OutcomeSuccess {
		t.Fatalf("unexpected audit event: %+v", e)
	}

	rec = do(t, handler, http.MethodPost, "/users", `{"name":"Jane","age":"31","isAdmin":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, handler, http.MethodGet, "/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	list := decode[[]map[string]any](t, rec)
	if len(list) != 2 || list[1]["name"] != "Jane" || list[1]["age"] != float64(31) || list[1]["isAdmin"] != true {
		t.Fatalf("unexpected list: %v", list)
	}

	rec = do(t, handler, http.MethodPut, "/users/1", `{"name":"Johnny","age":26,"isAdmin":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decode[map[string]any](t, rec)
	if updated["name"] != "Johnny" || updated["createdAt"] != created["createdAt"] {
		t.Fatalf("unexpected updated user: %v", updated)
	}

	rec = do(t, handler, http.MethodGet, "/users/1", "")
	if got := decode[map[string]any](t, rec); got["name"] != "Johnny" {
		t.Fatalf("expected updated name from GET, got %v", got)
	}

	rec = do(t, handler, http.MethodDelete, "/users/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	deleted := decode[struct {
		Message string         `json:"message"`
		User    map[string]any `json:"user"`
	}](t, rec)
	if deleted.Message != "User deleted" || deleted.User["id"] != float64(1) {
		t.Fatalf("unexpected delete body: %+v", deleted)
	}
	if e := auditLog.last(t); e.Action != "user.delete" || e.UserID != 1 {
		t.Fatalf("unexpected audit event: %+v", e)
	}

	rec = do(t, handler, http.MethodGet, "/users/1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 after delete, got %d", rec.Code)
	}
}

func TestCreateRejectsMalformedAndInvalidBodies(t *testing.T) {
	deps, auditLog := newUserDeps(t)
	handler := NewHandler(deps)

	rec := do(t, handler, http.MethodPost, "/users", `{"name":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["error"] != "Invalid JSON" {
		t.Fatalf("unexpected malformed body response: %v", body)
	}
	if e := auditLog.last(t); e.Outcome != audit.OutcomeFailed {
		t.Fatalf("expected failed audit event, got %+v", e)
	}

	rec = do(t, handler, http.MethodPost, "/users", `{"name":"","age":200,"isAdmin":"yes"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	body := decode[struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}](t, rec)
	want := []string{users.MsgNameRequired, users.MsgAgeRange, users.MsgIsAdminType}
	if body.Error != "Validation failed" || strings.Join(body.Details, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected validation response: %+v", body)
	}

	rec = do(t, handler, http.MethodPost, "/users", `{"name":"John Doe","age":25,"isAdmin":"true"}`)
	body = decode[struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}](t, rec)
	if rec.Code != http.StatusBadRequest || len(body.Details) != 1 || body.Details[0] != users.MsgIsAdminType {
		t.Fatalf("expected string isAdmin to be rejected, got %d %+v", rec.Code, body)
	}

	rec = do(t, handler, http.MethodPost, "/users", "")
	body = decode[struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}](t, rec)
	if rec.Code != http.StatusBadRequest || len(body.Details) != 1 || body.Details[0] != users.MsgBodyRequired {
		t.Fatalf("unexpected empty body response: %d %+v", rec.Code, body)
	}

	rec = do(t, handler, http.MethodGet, "/users", "")
	if list := decode[[]any](t, rec); len(list) != 0 {
		t.Fatalf("expected no users after failed creates, got %v", list)
	}
}

func TestInvalidIDAndNotFound(t *testing.T) {
	deps, _ := newUserDeps(t)
	handler := NewHandler(deps)
	do(t, handler, http.MethodPost, "/users", `{"name":"Ann","age":40,"isAdmin":false}`)

	testCases := []struct {
		method string
		target string
		body   string
		status int
		msg    string
	}{
		{http.MethodGet, "/users/abc", "", http.StatusBadRequest, "Invalid user ID"},
		{http.MethodPut, "/users/12abc", `{"name":"x","age":1,"isAdmin":true}`, http.StatusBadRequest, "Invalid user ID"},
		{http.MethodDelete, "/users/abc", "", http.StatusBadRequest, "Invalid user ID"},
		{http.MethodGet, "/users/999", "", http.StatusNotFound, "User not found"},
		{http.MethodPut, "/users/999", `{"name":""}`, http.StatusNotFound, "User not found"},
		{http.MethodDelete, "/users/999", "", http.StatusNotFound, "User not found"},
	}
	for _, tc := range testCases {
		rec := do(t, handler, tc.method, tc.target, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: expected status %d, got %d", tc.method, tc.target, tc.status, rec.Code)
		}
		if body := decode[map[string]any](t, rec); body["error"] != tc.msg {
			t.Fatalf("%s %s: expected error %q, got %v", tc.method, tc.target, tc.msg, body)
		}
	}
}

func TestUpdateChecksIDBeforeBody(t *testing.T) {
	deps, auditLog := newUserDeps(t)
	handler := NewHandler(deps)
	do(t, handler, http.MethodPost, "/users", `{"name":"Ann","age":40,"isAdmin":false}`)

	testCases := []struct {
		name   string
		target string
		status int
		msg    string
	}{
		{"unknown id", "/users/999", http.StatusNotFound, "User not found"},
		{"malformed id", "/users/abc", http.StatusBadRequest, "Invalid user ID"},
		{"existing id", "/users/1", http.StatusBadRequest, "Invalid JSON"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, handler, http.MethodPut, tc.target, "invalid json")
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if body := decode[map[string]any](t, rec); body["error"] != tc.msg {
				t.Fatalf("expected error %q, got %v", tc.msg, body)
			}
			if e := auditLog.last(t); e.Action != "user.update" || e.Outcome != audit.OutcomeFailed {
				t.Fatalf("unexpected audit event: %+v", e)
			}
		})
	}
}

func TestMethodNotAllowedAndUnknownRoutes(t *testing.T) {
	deps, _ := newUserDeps(t)
	handler := NewHandler(deps)

	if rec := do(t, handler, http.MethodPatch, "/users/1", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
	if rec := do(t, handler, http.MethodDelete, "/users", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
	for _, target := range []string{"/nope", "/users/1/posts"} {
		rec := do(t, handler, http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected status 404, got %d", target, rec.Code)
		}
		if body := decode[map[string]string](t, rec); body["error"] != "Not found" {
			t.Fatalf("%s: unexpected body %v", target, body)
		}
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	handler := NewHandler(Deps{Users: fakeUserService{err: errors.New("connection refused")}})

	rec := do(t, handler, http.MethodGet, "/users", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
	if body := decode[map[string]string](t, rec); body["error"] != "Internal Server Error" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUsersUnavailable(t *testing.T) {
	rec := do(t, NewHandler(Deps{}), http.MethodGet, "/users", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	deps, _ := newUserDeps(t)
	handler := Handler(config.HTTPConfig{}, deps)

	rec := do(t, handler, http.MethodOptions, "/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS origin header")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "DELETE") {
		t.Fatalf("expected DELETE in allowed methods, got %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}

	rec = do(t, handler, http.MethodGet, "/users", "")
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS origin header on regular responses")
	}
}

func TestRateLimit(t *testing.T) {
	handler := Handler(config.HTTPConfig{RateLimitRPS: 0.001, RateLimitBurst: 1}, Deps{})

	if rec := do(t, handler, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := do(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["error"] != "Too Many Requests" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	} else if err := w.WriteField("caption", "none"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, w.FormDataContentType()
}

func TestUploadAndServe(t *testing.T) {
	store, err := uploads.NewDiskStore(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("NewDiskStore() error: %v", err)
	}
	a := &fakeAuditLogger{}
	handler := NewHandler(Deps{Uploads: store, Audit: a})

	body, contentType := multipartBody(t, "image", "cat.png", []byte("png-data"))
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]string](t, rec)
	if !strings.HasPrefix(got["imagePath"], "/uploads/") || !strings.HasSuffix(got["imagePath"], ".png") {
		t.Fatalf("unexpected image path: %v", got)
	}
	if e := a.last(t); e.Action != "upload.create" || e.Outcome != audit.OutcomeSuccess {
		t.Fatalf("unexpected audit event: %+v", e)
	}

	rec = do(t, handler, http.MethodGet, got["imagePath"], "")
	if rec.Code != http.StatusOK || rec.Body.String() != "png-data" {
		t.Fatalf("expected stored file, got %d %q", rec.Code, rec.Body.String())
	}

	rec = do(t, handler, http.MethodGet, "/uploads/missing.png", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for missing file, got %d", rec.Code)
	}
}

func TestUploadRejectsAndEmpty(t *testing.T) {
	store, err := uploads.NewDiskStore(t.TempDir(), 1024)
	if err != nil {
		t.Fatalf("NewDiskStore() error: %v", err)
	}
	handler := NewHandler(Deps{Uploads: store})

	body, contentType := multipartBody(t, "image", "notes.txt", []byte("text"))
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}

	body, contentType = multipartBody(t, "", "", nil)
	req = httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["imagePath"] != nil {
		t.Fatalf("expected null imagePath, got %v", got)
	}

	if rec := do(t, NewHandler(Deps{}), http.MethodPost, "/uploads", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 without upload store, got %d", rec.Code)
	}
}

func TestPresign(t *testing.T) {
	handler := NewHandler(Deps{Presigner: fakePresigner{presignFunc: func(ext, contentType string) (uploads.Presigned, error) {
		if contentType != "image/png" {
			return uploads.Presigned{}, uploads.ErrUnsupportedType
		}
		return uploads.Presigned{UploadURL: "https://s3.example/posts/a." + ext, ImagePath: "posts/a." + ext}, nil
	}}})

	rec := do(t, handler, http.MethodPost, "/uploads/presign", `{"fileExtension":"png","contentType":"image/png"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]string](t, rec)
	if got["imagePath"] != "posts/a.png" || got["uploadUrl"] == "" {
		t.Fatalf("unexpected presign body: %v", got)
	}

	rec = do(t, handler, http.MethodPost, "/uploads/presign", `{"fileExtension":"png","contentType":"text/plain"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	rec = do(t, handler, http.MethodPost, "/uploads/presign", `{"fileExtension":"png"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for missing contentType, got %d", rec.Code)
	}

	rec = do(t, NewHandler(Deps{}), http.MethodPost, "/uploads/presign", `{"fileExtension":"png","contentType":"image/png"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 without presigner, got %d", rec.Code)
	}
}

func TestMigrationsStatus(t *testing.T) {
	handler := NewHandler(Deps{Migrations: fakeMigrationService{statusFunc: func(context.Context) ([]migrations.Status, error) {
		return []migrations.Status{{Name: "0001_create_users.sql", Applied: true, AppliedAt: "2026-02-16T09:00:00Z"}}, nil
	}}})

	rec := do(t, handler, http.MethodGet, "/v1/system/migrations/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := decode[struct {
		Items []migrations.Status `json:"items"`
	}](t, rec)
	if len(body.Items) != 1 || !body.Items[0].Applied {
		t.Fatalf("unexpected migration status: %+v", body)
	}

	if rec := do(t, NewHandler(Deps{}), http.MethodGet, "/v1/system/migrations/status", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 without migrations, got %d", rec.Code)
	}
}
