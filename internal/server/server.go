// Package server exposes the platform API over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	billingdomain "github.com/agentloom/agentloom/internal/billing/domain"
	"github.com/agentloom/agentloom/internal/config"
	deploymentdomain "github.com/agentloom/agentloom/internal/deployment/domain"
	obsmetrics "github.com/agentloom/agentloom/internal/observability/metrics"
	"github.com/agentloom/agentloom/internal/ratelimit"
	usagedomain "github.com/agentloom/agentloom/internal/usage/domain"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	deploymentSvc deploymentdomain.Service
	usageSvc      usagedomain.Service
	billingSvc    billingdomain.Service
	obsMetrics    *obsmetrics.Metrics
	usageLimiter  *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	DeploymentSvc deploymentdomain.Service
	UsageSvc      usagedomain.Service
	BillingSvc    billingdomain.Service
	ObsMetrics    *obsmetrics.Metrics        `optional:"true"`
	UsageLimiter  *ratelimit.IngestLimiter   `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("server"),
		deploymentSvc: p.DeploymentSvc,
		usageSvc:      p.UsageSvc,
		billingSvc:    p.BillingSvc,
		obsMetrics:    p.ObsMetrics,
		usageLimiter:  p.UsageLimiter,
	}

	svc.registerDeploymentRoutes()
	svc.registerUsageRoutes()
	svc.registerBillingRoutes()

	return svc
}
