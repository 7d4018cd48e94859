package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cardscan/internal/auth"
	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/fingerprint"
	"github.com/example/cardscan/internal/logging"
	"github.com/example/cardscan/internal/lookup"
	"github.com/example/cardscan/internal/rebuild"
	"github.com/example/cardscan/internal/usecase"
)

const (
	testJWTSecret = "test-secret"
	testScope     = "cards:rebuild"
)

type stubService struct {
	identifyErr    error
	identifyCalled bool
	identifyBytes  []byte
	searchHits     []lookup.SearchHit
	searchErr      error
	searchQuery    string
	rebuildErr     error
	rebuildHashing *bool
	rebuildCalled  bool
	rebuildCtxErr  error
	rebuildHasDue  bool
	card           *usecase.CardView
	cardErr        error
	result         *usecase.IdentifyResult
	resultErr      error
	metrics        *usecase.MetricsSummary
	metricsErr     error
}

func (s *stubService) Identify(_ context.Context, imageBytes []byte) (*usecase.IdentifyResult, error) {
	s.identifyCalled = true
	s.identifyBytes = imageBytes
	if s.identifyErr != nil {
		return nil, s.identifyErr
	}
	return &usecase.IdentifyResult{
		RequestID: "req-1",
		Matched:   true,
		Card:      &usecase.CardView{ID: "89631139", Name: "Blue-Eyes White Dragon", DisplayName: "Blue-Eyes White Dragon"},
		Distance:  3,
	}, nil
}

func (s *stubService) Search(_ context.Context, query string) ([]lookup.SearchHit, error) {
	s.searchQuery = query
	return s.searchHits, s.searchErr
}

func (s *stubService) Rebuild(ctx context.Context, hashing *bool) (rebuild.Result, error) {
	s.rebuildCalled = true
	s.rebuildCtxErr = ctx.Err()
	_, s.rebuildHasDue = ctx.Deadline()
	s.rebuildHashing = hashing
	if s.rebuildErr != nil {
		return rebuild.Result{}, s.rebuildErr
	}
	return rebuild.Result{RunID: "run-1", Version: "run-1", Records: 2}, nil
}

func (s *stubService) GetCard(context.Context, string) (*usecase.CardView, error) {
	return s.card, s.cardErr
}

func (s *stubService) GetStatus(context.Context) *usecase.Status {
	return &usecase.Status{Loaded: true, Version: "v1", Records: 2}
}

func (s *stubService) GetResult(context.Context, string) (*usecase.IdentifyResult, error) {
	return s.result, s.resultErr
}

func (s *stubService) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return s.metrics, s.metricsErr
}

func newTestRouter(svc CardService) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, "", testScope), nil)
	return router
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func identifyRequest(t *testing.T, contentType string, payload []byte) *http.Request {
	t.Helper()
	body, formType := buildMultipartBody(t, UploadField, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/identify", body)
	req.Header.Set("Content-Type", formType)
	return req
}

func TestIdentifyRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	resp := serve(router, identifyRequest(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1)))

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.identifyCalled {
		t.Fatal("identify should not run for oversized uploads")
	}
}

func TestIdentifyRejectsUnsupportedContentType(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	resp := serve(router, identifyRequest(t, "text/plain", []byte("hello")))

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestIdentifyRequiresFile(t *testing.T) {
	router := newTestRouter(&stubService{})

	body, formType := buildMultipartBody(t, "image", "image/png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/identify", body)
	req.Header.Set("Content-Type", formType)

	resp := serve(router, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestIdentifyReturnsMatch(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	resp := serve(router, identifyRequest(t, "image/jpeg", []byte("jpeg-bytes")))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []byte("jpeg-bytes"), svc.identifyBytes)

	var got usecase.IdentifyResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.True(t, got.Matched)
	assert.Equal(t, "89631139", got.Card.ID)
	assert.Equal(t, 3, got.Distance)
}

func TestIdentifyErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"decode", logging.NewOperationError("usecase.process_image", "req", fmt.Errorf("%w: bad", fingerprint.ErrDecode)), http.StatusUnprocessableEntity},
		{"not loaded", catalog.ErrDatabaseUnavailable, http.StatusServiceUnavailable},
		{"no fingerprints", usecase.ErrFingerprintsUnavailable, http.StatusServiceUnavailable},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&stubService{identifyErr: tc.err})
			resp := serve(router, identifyRequest(t, "image/png", []byte("png")))
			assert.Equal(t, tc.want, resp.Code)
		})
	}
}

func TestIdentifyNotLoadedMessage(t *testing.T) {
	router := newTestRouter(&stubService{identifyErr: catalog.ErrDatabaseUnavailable})
	resp := serve(router, identifyRequest(t, "image/png", []byte("png")))
	assert.JSONEq(t, `{"error":"database not loaded"}`, resp.Body.String())
}

func TestSearch(t *testing.T) {
	svc := &stubService{searchHits: []lookup.SearchHit{{ID: "89631139", DisplayName: "Blue-Eyes White Dragon", ImageRef: "https://img/89631139.jpg"}}}
	router := newTestRouter(svc)

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/search?q=blue", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "blue", svc.searchQuery)
	assert.JSONEq(t, `{"results":[{"id":"89631139","name":"Blue-Eyes White Dragon","image_url":"https://img/89631139.jpg"}]}`, resp.Body.String())
}

func TestSearchBlankQueryReturnsEmptyResults(t *testing.T) {
	svc := &stubService{searchErr: catalog.ErrDatabaseUnavailable}
	router := newTestRouter(svc)

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/search", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"results":[]}`, resp.Body.String())
}

func TestSearchNotLoaded(t *testing.T) {
	router := newTestRouter(&stubService{searchErr: catalog.ErrDatabaseUnavailable})
	resp := serve(router, httptest.NewRequest(http.MethodGet, "/search?q=dragon", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestUpdateDBRequiresToken(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	resp := serve(router, httptest.NewRequest(http.MethodPost, "/update_db", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.False(t, svc.rebuildCalled)

	req := httptest.NewRequest(http.MethodPost, "/update_db", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "ops", "cards:read"))
	resp = serve(router, req)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.False(t, svc.rebuildCalled)
}

func TestUpdateDB(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/update_db?hashing=true", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "ops", testScope))
	resp := serve(router, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, svc.rebuildHashing)
	assert.True(t, *svc.rebuildHashing)

	var body struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "updated", body.Status)
	assert.Equal(t, 2, body.Count)
}

func TestUpdateDBDefaultsAndErrors(t *testing.T) {
	token := buildTestToken(t, "ops", testScope)

	svc := &stubService{}
	req := httptest.NewRequest(http.MethodPost, "/update_db", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := serve(newTestRouter(svc), req)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Nil(t, svc.rebuildHashing)

	req = httptest.NewRequest(http.MethodPost, "/update_db?hashing=maybe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = serve(newTestRouter(&stubService{}), req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	req = httptest.NewRequest(http.MethodPost, "/update_db", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = serve(newTestRouter(&stubService{rebuildErr: rebuild.ErrRebuildInProgress}), req)
	assert.Equal(t, http.StatusConflict, resp.Code)

	req = httptest.NewRequest(http.MethodPost, "/update_db", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = serve(newTestRouter(&stubService{rebuildErr: fmt.Errorf("fetch primary: %w", context.DeadlineExceeded)}), req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestUpdateDBOutlivesClientDisconnect(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/update_db", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "ops", testScope))
	resp := serve(router, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.True(t, svc.rebuildCalled)
	assert.NoError(t, svc.rebuildCtxErr)
	assert.True(t, svc.rebuildHasDue, "rebuild should carry a server-side deadline")
}

func TestCardAndResultLookups(t *testing.T) {
	router := newTestRouter(&stubService{cardErr: usecase.ErrCardNotFound, resultErr: usecase.ErrResultNotFound})
	assert.Equal(t, http.StatusNotFound, serve(router, httptest.NewRequest(http.MethodGet, "/cards/123", nil)).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, httptest.NewRequest(http.MethodGet, "/result/abc", nil)).Code)

	router = newTestRouter(&stubService{
		card:   &usecase.CardView{ID: "123", Name: "Dark Magician", DisplayName: "Dark Magician"},
		result: &usecase.IdentifyResult{RequestID: "abc", Matched: false, Distance: 40},
	})
	resp := serve(router, httptest.NewRequest(http.MethodGet, "/cards/123", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"name":"Dark Magician"`)

	resp = serve(router, httptest.NewRequest(http.MethodGet, "/result/abc", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"request_id":"abc"`)
}

func TestStatusHealthAndMetrics(t *testing.T) {
	router := newTestRouter(&stubService{metricsErr: usecase.ErrHistoryUnavailable})

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"ok","loaded":true}`, resp.Body.String())

	resp = serve(router, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"loaded":true`)

	resp = serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	router = newTestRouter(&stubService{metrics: &usecase.MetricsSummary{TotalRequests: 4, MatchedRequests: 3, MatchRate: 0.75}})
	resp = serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"match_rate":0.75`)
}

func buildMultipartBody(t *testing.T, field, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="upload"`, field))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject, scope string) string {
	t.Helper()

	signed, err := auth.IssueToken(testJWTSecret, subject, "", scope, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
