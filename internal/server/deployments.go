package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	deploymentdomain "github.com/agentloom/agentloom/internal/deployment/domain"
)

func (s *Server) registerDeploymentRoutes() {
	api := s.engine.Group("/api/v1/deployments")

	api.POST("", s.CreateDeployment)
	api.GET("", s.ListDeployments)
	api.GET("/:id", s.GetDeployment)
	api.DELETE("/:id", s.DeleteDeployment)

	api.POST("/:id/deploy", s.DeployDeployment)
	api.POST("/:id/stop", s.StopDeployment)
	api.POST("/:id/start", s.StartDeployment)

	api.GET("/:id/status", s.DeploymentStatus)
	api.GET("/:id/metrics", s.DeploymentMetrics)
	api.GET("/:id/logs", s.DeploymentLogs)
}

func (s *Server) CreateDeployment(c *gin.Context) {
	var req deploymentdomain.CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, deploymentdomain.ErrInvalidRequest)
		return
	}

	d, err := s.deploymentSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) ListDeployments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	deployments, err := s.deploymentSvc.List(c.Request.Context(), deploymentdomain.ListDeploymentsRequest{
		UserID: c.Query("user_id"),
		Limit:  limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments})
}

func (s *Server) GetDeployment(c *gin.Context) {
	d, err := s.deploymentSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) DeleteDeployment(c *gin.Context) {
	err := s.deploymentSvc.Delete(c.Request.Context(), c.Param("id"))
	s.recordOperation(c, "delete", err)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) DeployDeployment(c *gin.Context) {
	d, err := s.deploymentSvc.Deploy(c.Request.Context(), c.Param("id"))
	s.recordOperation(c, "deploy", err)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) StopDeployment(c *gin.Context) {
	d, err := s.deploymentSvc.Stop(c.Request.Context(), c.Param("id"))
	s.recordOperation(c, "stop", err)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) StartDeployment(c *gin.Context) {
	d, err := s.deploymentSvc.Start(c.Request.Context(), c.Param("id"))
	s.recordOperation(c, "start", err)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) DeploymentStatus(c *gin.Context) {
	status, err := s.deploymentSvc.RefreshStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) DeploymentMetrics(c *gin.Context) {
	snapshot, err := s.deploymentSvc.Metrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) DeploymentLogs(c *gin.Context) {
	tail, _ := strconv.Atoi(c.Query("tail"))
	logs, err := s.deploymentSvc.Logs(c.Request.Context(), c.Param("id"), tail)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// recordOperation counts a provider-facing operation. The provider
// label comes from the stored record when it still resolves.
func (s *Server) recordOperation(c *gin.Context, operation string, opErr error) {
	if s.obsMetrics == nil {
		return
	}
	provider := "unknown"
	if d, err := s.deploymentSvc.Get(c.Request.Context(), c.Param("id")); err == nil {
		provider = string(d.Provider)
	}
	s.obsMetrics.RecordDeploymentOperation(provider, operation, opErr == nil)
}
