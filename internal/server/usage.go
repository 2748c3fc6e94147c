package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	usagedomain "github.com/agentloom/agentloom/internal/usage/domain"
)

func (s *Server) registerUsageRoutes() {
	s.engine.POST("/api/v1/usage", s.UsageIngestRateLimit(), s.RecordUsage)
	s.engine.GET("/api/v1/deployments/:id/usage", s.GetDeploymentUsage)
	s.engine.GET("/api/v1/users/:id/usage", s.GetUserMonthlyUsage)
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req usagedomain.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, usagedomain.ErrInvalidUsageEvent)
		return
	}

	row, err := s.usageSvc.RecordUsage(c.Request.Context(), req)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsageEvent(err == nil)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, row.Response())
}

func (s *Server) GetDeploymentUsage(c *gin.Context) {
	req := usagedomain.GetUsageRequest{DeploymentID: c.Param("id")}
	if from := c.Query("from"); from != "" {
		parsed, err := time.Parse("2006-01-02", from)
		if err != nil {
			AbortWithError(c, usagedomain.ErrInvalidUsageEvent)
			return
		}
		req.From = parsed
	}
	if to := c.Query("to"); to != "" {
		parsed, err := time.Parse("2006-01-02", to)
		if err != nil {
			AbortWithError(c, usagedomain.ErrInvalidUsageEvent)
			return
		}
		req.To = parsed
	}

	rows, err := s.usageSvc.GetDailyUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	responses := make([]usagedomain.UsageResponse, 0, len(rows))
	for _, row := range rows {
		responses = append(responses, row.Response())
	}
	c.JSON(http.StatusOK, gin.H{"usage": responses})
}

func (s *Server) GetUserMonthlyUsage(c *gin.Context) {
	var query struct {
		Year  int        `form:"year" binding:"required"`
		Month time.Month `form:"month" binding:"required"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, usagedomain.ErrInvalidUsageEvent)
		return
	}

	grouped, err := s.usageSvc.MonthlyUsage(c.Request.Context(), c.Param("id"), query.Year, query.Month)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result := make(map[string][]usagedomain.UsageResponse, len(grouped))
	for deploymentID, rows := range grouped {
		responses := make([]usagedomain.UsageResponse, 0, len(rows))
		for _, row := range rows {
			responses = append(responses, row.Response())
		}
		result[deploymentID] = responses
	}
	c.JSON(http.StatusOK, gin.H{"usage": result})
}

type usageIngestKey struct {
	DeploymentID string `json:"deployment_id"`
	UserID       string `json:"user_id"`
}

// UsageIngestRateLimit bounds the ingest endpoint per deployment and
// per user before the body is parsed for real.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		deploymentID, userID, err := readUsageIngestKey(c)
		if err != nil {
			AbortWithError(c, usagedomain.ErrInvalidUsageEvent)
			return
		}
		ctx := c.Request.Context()

		if deploymentID != "" {
			allowed, err := s.usageLimiter.AllowDeployment(ctx, deploymentID)
			if err != nil {
				s.log.Warn("usage ingest rate limit check failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !allowed {
				denyUsageIngest(c, "deployment-rate")
				return
			}
		}

		if userID != "" {
			allowed, err := s.usageLimiter.AllowUser(ctx, userID)
			if err != nil {
				s.log.Warn("usage ingest rate limit check failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !allowed {
				denyUsageIngest(c, "user-rate")
				return
			}
		}

		c.Next()
	}
}

func denyUsageIngest(c *gin.Context, reason string) {
	c.Header("Retry-After", "1")
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func readUsageIngestKey(c *gin.Context) (string, string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", "", nil
	}

	var payload usageIngestKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", nil
	}
	return strings.TrimSpace(payload.DeploymentID), strings.TrimSpace(payload.UserID), nil
}
