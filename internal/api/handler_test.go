package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/shortlink/internal/api"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/service"
)

const testBaseURL = "http://sho.rt"

// MockLinkService mocks the link service layer
type MockLinkService struct {
	mock.Mock
}

func (m *MockLinkService) Create(ctx context.Context, req *model.CreateLinkRequest) (*model.Link, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Link), args.Error(1)
}

func (m *MockLinkService) Resolve(ctx context.Context, code string) (*model.Link, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Link), args.Error(1)
}

func (m *MockLinkService) Redirect(ctx context.Context, code string, client model.ClientInfo) (*model.Link, error) {
	args := m.Called(ctx, code, client)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Link), args.Error(1)
}

func (m *MockLinkService) ShortURL(code string) string {
	return testBaseURL + "/" + code
}

// MockStatsService mocks the stats service layer
type MockStatsService struct {
	mock.Mock
}

func (m *MockStatsService) GetStats(ctx context.Context, code string) (*model.Stats, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Stats), args.Error(1)
}

// mockPinger stands in for any health-checked backend
type mockPinger struct {
	shouldFail bool
}

func (m *mockPinger) Ping(ctx context.Context) error {
	if m.shouldFail {
		return assert.AnError
	}
	return nil
}

func newRouter(links service.LinkServiceInterface, stats service.StatsServiceInterface, deps api.Dependencies) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := api.NewHandler(links, stats, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := gin.New()
	handler.RegisterRoutes(r)
	return r
}

func healthyDeps() api.Dependencies {
	return api.Dependencies{Database: &mockPinger{}, Cache: &mockPinger{}, Broker: &mockPinger{}}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func sampleLink(code string) *model.Link {
	return &model.Link{
		Code:        code,
		OriginalURL: "https://example.com/some/long/path",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestHandler_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		deps       api.Dependencies
		wantCode   int
		wantStatus string
		wantDeps   map[string]any
	}{
		{
			name:       "returns ok when all dependencies are healthy",
			deps:       healthyDeps(),
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantDeps:   map[string]any{"database": "up", "cache": "up", "broker": "up"},
		},
		{
			name:       "returns degraded when cache is down",
			deps:       api.Dependencies{Database: &mockPinger{}, Cache: &mockPinger{shouldFail: true}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantDeps:   map[string]any{"database": "up", "cache": "down"},
		},
		{
			name:       "returns degraded when database is down",
			deps:       api.Dependencies{Database: &mockPinger{shouldFail: true}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantDeps:   map[string]any{"database": "down"},
		},
		{
			name:       "returns degraded when broker is down",
			deps:       api.Dependencies{Database: &mockPinger{}, Broker: &mockPinger{shouldFail: true}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantDeps:   map[string]any{"database": "up", "broker": "down"},
		},
		{
			name:       "omits backends that are not configured",
			deps:       api.Dependencies{Database: &mockPinger{}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantDeps:   map[string]any{"database": "up"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(new(MockLinkService), new(MockStatsService), tt.deps)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			var response map[string]any
			decode(t, w, &response)
			assert.Equal(t, tt.wantStatus, response["status"])
			assert.Equal(t, tt.wantDeps, response["dependencies"])
		})
	}
}

func TestHandler_CreateLink(t *testing.T) {
	t.Run("returns 201 when link is successfully created", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())

		expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		link := sampleLink("abc123")
		link.ExpiresAt = &expires

		mockService.On("Create", mock.Anything, mock.MatchedBy(func(req *model.CreateLinkRequest) bool {
			return req.URL == "https://example.com/some/long/path" && req.ExpiresIn == 3600
		})).Return(link, nil)

		body, _ := json.Marshal(model.CreateLinkRequest{URL: "https://example.com/some/long/path", ExpiresIn: 3600})
		req := httptest.NewRequest(http.MethodPost, "/shorten", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response model.CreateLinkResponse
		decode(t, w, &response)
		assert.Equal(t, "abc123", response.Code)
		assert.Equal(t, "http://sho.rt/abc123", response.ShortURL)
		assert.Equal(t, "https://example.com/some/long/path", response.OriginalURL)
		assert.Equal(t, "2026-01-02T03:04:05Z", response.CreatedAt)
		assert.Equal(t, "2030-01-01T00:00:00Z", response.ExpiresAt)
		mockService.AssertExpectations(t)
	})

	t.Run("versioned route behaves the same", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())
		mockService.On("Create", mock.Anything, mock.Anything).Return(sampleLink("v1code"), nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/shorten", bytes.NewBufferString(`{"url":"https://example.com"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response model.CreateLinkResponse
		decode(t, w, &response)
		assert.Equal(t, "v1code", response.Code)
		assert.Empty(t, response.ExpiresAt)
	})

	t.Run("returns 400 when request body is invalid JSON", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())

		req := httptest.NewRequest(http.MethodPost, "/shorten", bytes.NewBufferString("{invalid json"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response model.ErrorResponse
		decode(t, w, &response)
		assert.Equal(t, "malformed_request", response.Code)
		mockService.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	errorCases := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"returns 422 when URL is invalid", service.ErrInvalidURL, http.StatusUnprocessableEntity, "invalid_url"},
		{"returns 422 when custom code is invalid", service.ErrInvalidCode, http.StatusUnprocessableEntity, "invalid_code_format"},
		{"returns 422 when expiry is invalid", fmt.Errorf("%w: expires_at must be in the future", service.ErrInvalidExpiry), http.StatusUnprocessableEntity, "invalid_expiry"},
		{"returns 409 when custom code already exists", service.ErrCodeTaken, http.StatusConflict, "code_taken"},
		{"returns 500 when generation is exhausted", service.ErrGenerationExhausted, http.StatusInternalServerError, "generation_exhausted"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			mockService := new(MockLinkService)
			router := newRouter(mockService, new(MockStatsService), healthyDeps())
			mockService.On("Create", mock.Anything, mock.Anything).Return(nil, tc.err)

			req := httptest.NewRequest(http.MethodPost, "/shorten", bytes.NewBufferString(`{"url":"https://example.com","custom_code":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.wantCode, w.Code)
			var response model.ErrorResponse
			decode(t, w, &response)
			assert.Equal(t, tc.wantKind, response.Code)
			assert.Equal(t, tc.err.Error(), response.Message)
		})
	}

	t.Run("returns 500 without leaking storage details", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())
		storageErr := fmt.Errorf("%w: insert link: %w", service.ErrStorage, fmt.Errorf("pq: connection refused on 10.0.0.7"))
		mockService.On("Create", mock.Anything, mock.Anything).Return(nil, storageErr)

		req := httptest.NewRequest(http.MethodPost, "/shorten", bytes.NewBufferString(`{"url":"https://example.com"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "10.0.0.7")
		var response model.ErrorResponse
		decode(t, w, &response)
		assert.Equal(t, "storage_failure", response.Code)
		assert.Equal(t, "Internal server error", response.Message)
	})
}

func TestHandler_Redirect(t *testing.T) {
	t.Run("returns 302 with Location header", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())

		mockService.On("Redirect", mock.Anything, "abc123", mock.MatchedBy(func(ci model.ClientInfo) bool {
			return ci.IPAddress == "203.0.113.9" && ci.UserAgent == "curl/8.0"
		})).Return(sampleLink("abc123"), nil)

		req := httptest.NewRequest(http.MethodGet, "/abc123", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		req.Header.Set("User-Agent", "curl/8.0")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://example.com/some/long/path", w.Header().Get("Location"))
		mockService.AssertExpectations(t)
	})

	t.Run("uses the peer address without a forwarding header", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())

		mockService.On("Redirect", mock.Anything, "abc123", mock.MatchedBy(func(ci model.ClientInfo) bool {
			return ci.IPAddress == "192.0.2.1"
		})).Return(sampleLink("abc123"), nil)

		req := httptest.NewRequest(http.MethodGet, "/abc123", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusFound, w.Code)
		mockService.AssertExpectations(t)
	})

	t.Run("returns 404 when code is unknown", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())
		mockService.On("Redirect", mock.Anything, "nope", mock.Anything).Return(nil, service.ErrNotFound)

		req := httptest.NewRequest(http.MethodGet, "/nope", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, w.Header().Get("Location"))
		var response model.ErrorResponse
		decode(t, w, &response)
		assert.Equal(t, "not_found", response.Code)
	})

	t.Run("returns 410 when link has expired", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())
		mockService.On("Redirect", mock.Anything, "old", mock.Anything).Return(nil, service.ErrExpired)

		req := httptest.NewRequest(http.MethodGet, "/old", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusGone, w.Code)
		var response model.ErrorResponse
		decode(t, w, &response)
		assert.Equal(t, "expired", response.Code)
	})

	t.Run("static routes are not treated as codes", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockService.AssertNotCalled(t, "Redirect", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandler_GetStats(t *testing.T) {
	t.Run("returns 200 with counts and recent visits", func(t *testing.T) {
		mockStats := new(MockStatsService)
		router := newRouter(new(MockLinkService), mockStats, healthyDeps())

		ip, ua := "198.51.100.4", "Mozilla/5.0"
		expires := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
		link := sampleLink("abc123")
		link.ExpiresAt = &expires
		mockStats.On("GetStats", mock.Anything, "abc123").Return(&model.Stats{
			Link:       *link,
			Expired:    true,
			VisitCount: 42,
			Visits: []model.Visit{
				{Code: "abc123", IPAddress: &ip, UserAgent: &ua, VisitedAt: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)},
				{Code: "abc123", VisitedAt: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)},
			},
		}, nil)

		req := httptest.NewRequest(http.MethodGet, "/stats/abc123", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response model.StatsResponse
		decode(t, w, &response)
		assert.Equal(t, "abc123", response.Code)
		assert.Equal(t, "http://sho.rt/abc123", response.ShortURL)
		assert.True(t, response.Expired)
		assert.Equal(t, "2026-01-03T00:00:00Z", response.ExpiresAt)
		assert.Equal(t, int64(42), response.VisitCount)
		require.Len(t, response.Visits, 2)
		assert.Equal(t, "198.51.100.4", *response.Visits[0].IPAddress)
		assert.Equal(t, "2026-01-02T10:00:00Z", response.Visits[0].VisitedAt)
		assert.Nil(t, response.Visits[1].IPAddress)
		assert.Nil(t, response.Visits[1].UserAgent)
	})

	t.Run("returns an empty visit list rather than null", func(t *testing.T) {
		mockStats := new(MockStatsService)
		router := newRouter(new(MockLinkService), mockStats, healthyDeps())
		mockStats.On("GetStats", mock.Anything, "fresh").Return(&model.Stats{Link: *sampleLink("fresh"), Visits: []model.Visit{}}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats/fresh", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"visits":[]`)
		assert.Contains(t, w.Body.String(), `"visit_count":0`)
	})

	t.Run("returns 404 when code is unknown", func(t *testing.T) {
		mockStats := new(MockStatsService)
		router := newRouter(new(MockLinkService), mockStats, healthyDeps())
		mockStats.On("GetStats", mock.Anything, "ghost").Return(nil, service.ErrNotFound)

		req := httptest.NewRequest(http.MethodGet, "/stats/ghost", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandler_GetQRCode(t *testing.T) {
	pngMagic := []byte{0x89, 'P', 'N', 'G'}

	t.Run("returns a PNG for an active link", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())
		mockService.On("Resolve", mock.Anything, "abc123").Return(sampleLink("abc123"), nil)

		req := httptest.NewRequest(http.MethodGet, "/qr/abc123?size=128", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), pngMagic))
		mockService.AssertNotCalled(t, "Redirect", mock.Anything, mock.Anything, mock.Anything)
	})

	for _, size := range []string{"abc", "10", "4096"} {
		t.Run("returns 400 for size "+size, func(t *testing.T) {
			mockService := new(MockLinkService)
			router := newRouter(mockService, new(MockStatsService), healthyDeps())

			req := httptest.NewRequest(http.MethodGet, "/qr/abc123?size="+size, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			mockService.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
		})
	}

	t.Run("returns 404 when code is unknown", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())
		mockService.On("Resolve", mock.Anything, "ghost").Return(nil, service.ErrNotFound)

		req := httptest.NewRequest(http.MethodGet, "/qr/ghost", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("returns 410 when link has expired", func(t *testing.T) {
		mockService := new(MockLinkService)
		router := newRouter(mockService, new(MockStatsService), healthyDeps())
		mockService.On("Resolve", mock.Anything, "old").Return(nil, service.ErrExpired)

		req := httptest.NewRequest(http.MethodGet, "/qr/old", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusGone, w.Code)
	})
}
