package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	billingdomain "github.com/agentloom/agentloom/internal/billing/domain"
)

func (s *Server) registerBillingRoutes() {
	api := s.engine.Group("/api/v1/billing")

	api.POST("/generate", s.GenerateBilling)
	api.POST("/process", s.ProcessBilling)
	api.GET("/users/:id/summary", s.GetBillingSummary)
	api.GET("/users/:id/:year/:month", s.GetBilling)
	api.PATCH("/:id/status", s.UpdateBillingStatus)
}

type generateBillingRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Year   int    `json:"year" binding:"required"`
	Month  int    `json:"month" binding:"required"`
}

func (s *Server) GenerateBilling(c *gin.Context) {
	var req generateBillingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, billingdomain.ErrInvalidBillingPeriod)
		return
	}

	record, err := s.billingSvc.GenerateMonthlyBilling(c.Request.Context(), req.UserID, req.Year, time.Month(req.Month))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) ProcessBilling(c *gin.Context) {
	processed, err := s.billingSvc.ProcessMonthlyBilling(c.Request.Context())
	if s.obsMetrics != nil {
		s.obsMetrics.RecordBillingRun(err == nil, processed)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

func (s *Server) GetBillingSummary(c *gin.Context) {
	summary, err := s.billingSvc.GetUserBillingSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type billingPeriodURI struct {
	ID    string `uri:"id" binding:"required"`
	Year  int    `uri:"year" binding:"required"`
	Month int    `uri:"month" binding:"required"`
}

func (s *Server) GetBilling(c *gin.Context) {
	var uri billingPeriodURI
	if err := c.ShouldBindUri(&uri); err != nil {
		AbortWithError(c, billingdomain.ErrInvalidBillingPeriod)
		return
	}

	record, err := s.billingSvc.GetBilling(c.Request.Context(), uri.ID, uri.Year, time.Month(uri.Month))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type updateBillingStatusRequest struct {
	Status billingdomain.Status `json:"status" binding:"required"`
}

func (s *Server) UpdateBillingStatus(c *gin.Context) {
	var req updateBillingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, billingdomain.ErrInvalidStatusChange)
		return
	}

	record, err := s.billingSvc.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}
