package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"powergate/internal/models"
	"powergate/internal/power"
)

// MockPowerService is a mock implementation of PowerService
type MockPowerService struct {
	mock.Mock
}

func (m *MockPowerService) PowerUsage(ctx context.Context, name string) (*models.PowerUsageResponse, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PowerUsageResponse), args.Error(1)
}

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func sampleUsage() *models.PowerUsageResponse {
	return &models.PowerUsageResponse{
		CurrentWattage: 36450000000,
		Timestamp:      "2026-03-01T11:30:00Z",
		Trend:          models.TrendStable,
	}
}

func TestGetPowerUsage(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		setupMock   func(*MockPowerService)
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:  "success",
			query: "?blockchain_name=bitcoin",
			setupMock: func(m *MockPowerService) {
				m.On("PowerUsage", mock.Anything, "bitcoin").Return(sampleUsage(), nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:        "missing parameter",
			query:       "",
			setupMock:   func(m *MockPowerService) {},
			wantStatus:  http.StatusBadRequest,
			wantCode:    models.ErrorCodeBadRequest,
			wantMessage: "Missing blockchain_name parameter",
		},
		{
			name:        "blank parameter",
			query:       "?blockchain_name=%20%20",
			setupMock:   func(m *MockPowerService) {},
			wantStatus:  http.StatusBadRequest,
			wantCode:    models.ErrorCodeBadRequest,
			wantMessage: "Missing blockchain_name parameter",
		},
		{
			name:  "unsupported chain",
			query: "?blockchain_name=dogecoin",
			setupMock: func(m *MockPowerService) {
				m.On("PowerUsage", mock.Anything, "dogecoin").
					Return(nil, fmt.Errorf("%w: dogecoin", power.ErrUnsupportedChain))
			},
			wantStatus:  http.StatusNotFound,
			wantCode:    models.ErrorCodeNotFound,
			wantMessage: "Blockchain 'dogecoin' not supported or data unavailable",
		},
		{
			name:  "upstream unavailable",
			query: "?blockchain_name=ergo",
			setupMock: func(m *MockPowerService) {
				m.On("PowerUsage", mock.Anything, "ergo").
					Return(nil, fmt.Errorf("%w: whattomine returned 502", power.ErrUpstream))
			},
			wantStatus:  http.StatusNotFound,
			wantCode:    models.ErrorCodeNotFound,
			wantMessage: "Blockchain 'ergo' not supported or data unavailable",
		},
		{
			name:  "unexpected error",
			query: "?blockchain_name=ergo",
			setupMock: func(m *MockPowerService) {
				m.On("PowerUsage", mock.Anything, "ergo").Return(nil, errors.New("boom"))
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   models.ErrorCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &MockPowerService{}
			tt.setupMock(mockService)
			handlers := NewHandlers(mockService)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/power"+tt.query, nil)
			rr := httptest.NewRecorder()
			handlers.GetPowerUsage(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			if tt.wantStatus == http.StatusOK {
				var got models.PowerUsageResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
				assert.Equal(t, *sampleUsage(), got)
			} else {
				var got models.ErrorResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
				assert.Equal(t, tt.wantCode, got.Code)
				if tt.wantMessage != "" {
					assert.Equal(t, tt.wantMessage, got.Message)
				}
			}
			mockService.AssertExpectations(t)
		})
	}
}

func TestGetPowerUsage_ResponseFieldNames(t *testing.T) {
	mockService := &MockPowerService{}
	mockService.On("PowerUsage", mock.Anything, "bitcoin").Return(sampleUsage(), nil)

	rr := httptest.NewRecorder()
	NewHandlers(mockService).GetPowerUsage(rr, httptest.NewRequest(http.MethodGet, "/?blockchain_name=bitcoin", nil))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Contains(t, raw, "currentWattage")
	assert.Contains(t, raw, "timestamp")
	assert.Contains(t, raw, "trend")
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name        string
		backend     func() *mockPinger
		wantStatus  int
		wantHealth  string
		wantStorage string
	}{
		{
			name:        "no backend in signed mode",
			backend:     func() *mockPinger { return nil },
			wantStatus:  http.StatusOK,
			wantHealth:  models.StatusHealthy,
			wantStorage: models.StatusHealthy,
		},
		{
			name: "backend reachable",
			backend: func() *mockPinger {
				m := &mockPinger{}
				m.On("Ping", mock.Anything).Return(nil)
				return m
			},
			wantStatus:  http.StatusOK,
			wantHealth:  models.StatusHealthy,
			wantStorage: models.StatusHealthy,
		},
		{
			name: "backend down",
			backend: func() *mockPinger {
				m := &mockPinger{}
				m.On("Ping", mock.Anything).Return(errors.New("connection refused"))
				return m
			},
			wantStatus:  http.StatusServiceUnavailable,
			wantHealth:  models.StatusDegraded,
			wantStorage: models.StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []HandlerOption{WithVersion("1.2.3")}
			backend := tt.backend()
			if backend != nil {
				opts = append(opts, WithBackend(backend))
			}
			handlers := NewHandlers(&MockPowerService{}, opts...)

			rr := httptest.NewRecorder()
			handlers.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rr.Code)

			var got models.HealthCheckResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
			assert.Equal(t, tt.wantHealth, got.Status)
			assert.Equal(t, "1.2.3", got.Version)
			assert.NotEmpty(t, got.Uptime)
			assert.Equal(t, tt.wantStorage, got.Components["storage"].Status)
			assert.Equal(t, models.StatusHealthy, got.Components["api"].Status)

			if backend != nil {
				backend.AssertExpectations(t)
			}
		})
	}
}
