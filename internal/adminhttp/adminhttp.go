// Package adminhttp exposes a thin, read-only HTTP surface for operators:
// the current task runtime fleet, the health supervisor's incident log,
// and lookup of a single run by id. It is deliberately minimal; nothing
// here accepts a write.
package adminhttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/httpmw"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/health"
	"github.com/taskctl/controlplane/internal/model"
)

// runtimeReader is the subset of store.Store this surface needs.
type runtimeReader interface {
	ListTaskRuntimes(ctx context.Context) ([]*model.TaskRuntime, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
}

// incidentReader is the subset of *health.Supervisor this surface needs.
type incidentReader interface {
	Incidents() []health.Incident
}

// Server wraps an *http.Server serving the admin routes.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// New builds the gin engine and wraps it in an *http.Server bound to
// cfg.Host:cfg.Port. It does not start listening until Run is called. pub
// may be nil, in which case the run-stream endpoint responds 503.
func New(cfg config.ServerConfig, st runtimeReader, sup incidentReader, pub runStreamer, log *logger.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "adminhttp"), gin.Recovery())

	registerRoutes(router, st, sup, pub, log)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr(cfg),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		log: log.WithFields(zap.String("component", "adminhttp")),
	}
}

func addr(cfg config.ServerConfig) string {
	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Port)
}

func registerRoutes(router *gin.Engine, st runtimeReader, sup incidentReader, pub runStreamer, log *logger.Logger) {
	v1 := router.Group("/api/v1/admin")
	v1.GET("/runtimes", handleListRuntimes(st))
	v1.GET("/health", handleHealthSnapshot(sup))
	v1.GET("/runs/:id", handleGetRun(st))
	v1.GET("/runs/:id/stream", handleStreamRun(pub, log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func handleListRuntimes(st runtimeReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		runtimes, err := st.ListTaskRuntimes(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runtimes": runtimes})
	}
}

func handleHealthSnapshot(sup incidentReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sup == nil {
			c.JSON(http.StatusOK, gin.H{"incidents": []health.Incident{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"incidents": sup.Incidents()})
	}
}

func handleGetRun(st runtimeReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := st.GetRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// Run starts listening and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) {
	go func() {
		s.log.Info("admin http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("admin http server shutdown error", zap.Error(err))
	}
}
