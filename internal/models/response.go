// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Rich error information with machine-readable codes
// - RFC3339 timestamps
package models

import (
	"time"
)

// PowerUsageResponse is the payload of a successful power lookup.
//
// Field names follow the camelCase layout existing dashboard clients parse.
type PowerUsageResponse struct {
	CurrentWattage int64  `json:"currentWattage"` // Estimated network draw in watts
	Timestamp      string `json:"timestamp"`      // RFC3339, UTC
	Trend          string `json:"trend"`          // increasing | decreasing | stable
}

// Trend values.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// ErrorResponse provides structured error information.
//
// Error Categories:
// - Validation errors: missing or malformed query parameters
// - Not found errors: unsupported or unavailable chain data
// - Admission errors: quota exhausted or invalid client token
// - Internal errors: Server-side issues
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
	StatusUnknown   = "unknown"   // Status indeterminate
)

// Standard HTTP Error Codes
//
// Upper-case with underscores, one per failure class the API reports.
const (
	ErrorCodeNotFound           = "NOT_FOUND"            // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"          // 400: Invalid request format
	ErrorCodeInternalError      = "INTERNAL_ERROR"       // 500: Server-side error
	ErrorCodeForbidden          = "FORBIDDEN"            // 403: Permission denied
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"  // 503: Service temporarily down
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"  // 429: Burst quota exhausted
	ErrorCodeDailyLimitExceeded = "DAILY_LIMIT_EXCEEDED" // 429: Daily quota exhausted
	ErrorCodeInvalidToken       = "INVALID_TOKEN"        // 403: Rate limit token failed verification
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
