package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/musegen/musegen/internal/api/middleware"
	"github.com/musegen/musegen/internal/pipeline"
	"github.com/musegen/musegen/pkg/models"
)

// mockService implements handler.Submitter and handler.Reader with
// overridable funcs.
type mockService struct {
	submitFn  func(ctx context.Context, p pipeline.SubmitParams) (*models.Job, error)
	remixFn   func(ctx context.Context, p pipeline.SubmitParams, originalID uuid.UUID) (*models.Job, error)
	snapshots func(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	listFn    func(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Job, error)
	getAppFn  func(ctx context.Context, id uuid.UUID) (*models.Application, error)
}

func (m *mockService) Submit(ctx context.Context, p pipeline.SubmitParams) (*models.Job, error) {
	return m.submitFn(ctx, p)
}

func (m *mockService) Remix(ctx context.Context, p pipeline.SubmitParams, originalID uuid.UUID) (*models.Job, error) {
	return m.remixFn(ctx, p, originalID)
}

func (m *mockService) Snapshot(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return m.snapshots(ctx, jobID)
}

func (m *mockService) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	return m.listFn(ctx, userID, limit, offset)
}

func (m *mockService) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	return m.getAppFn(ctx, id)
}

// mockAdmin implements handler.Administrator.
type mockAdmin struct {
	retryFn    func(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	cancelFn   func(ctx context.Context, jobID uuid.UUID) error
	cleanOldFn func(ctx context.Context, maxAge time.Duration) (int64, error)
	statsFn    func(ctx context.Context) (*pipeline.Stats, error)
	activeFn   func(ctx context.Context, limit int) ([]*models.Job, error)
}

func (m *mockAdmin) Retry(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return m.retryFn(ctx, jobID)
}

func (m *mockAdmin) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return m.cancelFn(ctx, jobID)
}

func (m *mockAdmin) CleanOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	return m.cleanOldFn(ctx, maxAge)
}

func (m *mockAdmin) QueueStats(ctx context.Context) (*pipeline.Stats, error) {
	return m.statsFn(ctx)
}

func (m *mockAdmin) ActiveJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	return m.activeFn(ctx, limit)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func readerOf(s string) io.Reader {
	return strings.NewReader(s)
}

// authedRequest builds a request with the authenticated user and scopes set
// the way the auth middleware would.
func authedRequest(method, target string, body *string, userID uuid.UUID, scopes ...string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, readerOf(*body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := middleware.SetUserID(req.Context(), userID)
	if len(scopes) > 0 {
		ctx = middleware.SetScopes(ctx, scopes)
	}
	return req.WithContext(ctx)
}

// withURLParam attaches a chi route parameter to the request context.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	return errObj["code"].(string)
}
