package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	billingdomain "github.com/agentloom/agentloom/internal/billing/domain"
	deploymentdomain "github.com/agentloom/agentloom/internal/deployment/domain"
	usagedomain "github.com/agentloom/agentloom/internal/usage/domain"
)

type errorPayload struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Missing []string `json:"missing,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// ErrorHandlingMiddleware turns errors pushed onto the gin context
// into a single JSON error response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var cfgErr *deploymentdomain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "configuration_error",
			Message: cfgErr.Error(),
			Missing: cfgErr.Missing,
		}
	}

	switch {
	case errors.Is(err, deploymentdomain.ErrInvalidRequest),
		errors.Is(err, deploymentdomain.ErrUnsupportedProvider),
		errors.Is(err, usagedomain.ErrInvalidUsageEvent),
		errors.Is(err, billingdomain.ErrInvalidBillingPeriod):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}

	case errors.Is(err, deploymentdomain.ErrInvalidTransition),
		errors.Is(err, billingdomain.ErrInvalidStatusChange):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}

	case errors.Is(err, deploymentdomain.ErrDeploymentNotFound),
		errors.Is(err, billingdomain.ErrBillingNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}

	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}

	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	}

	var provErr *deploymentdomain.ProviderError
	if errors.As(err, &provErr) {
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_error",
			Message: provErr.Error(),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}
