package api

import (
	"net/http"

	"github.com/anvil-lab/wgctl/internal/api/handlers"
	"github.com/anvil-lab/wgctl/internal/api/middleware"
	"github.com/anvil-lab/wgctl/internal/config"
	"github.com/anvil-lab/wgctl/internal/firewall"
	"github.com/anvil-lab/wgctl/internal/ipam"
	"github.com/anvil-lab/wgctl/internal/store"
	"github.com/anvil-lab/wgctl/internal/telemetry"
	"github.com/anvil-lab/wgctl/internal/wgconfig"
	"github.com/anvil-lab/wgctl/internal/wgstatus"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wires the REST surface, the live push channel, and the metrics
// endpoint over gin, with a Server{config, deps..., router} +
// NewServer constructor shape.
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	pipeline *telemetry.Pipeline
	router   *gin.Engine
}

func NewServer(
	cfg *config.Config,
	st *store.Store,
	ipamSvc *ipam.IPAM,
	renderer *wgconfig.Renderer,
	compiler *firewall.Compiler,
	reconciler *firewall.Reconciler,
	reader *wgstatus.Reader,
	pipeline *telemetry.Pipeline,
	ifaceConfig handlers.IfaceConfigFunc,
	logger *zap.Logger,
) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{config: cfg, logger: logger, pipeline: pipeline}
	client := handlers.ClientEndpoint{
		ServerPublicKey: cfg.VPN.ServerPublicKey,
		ServerPublicIP:  cfg.VPN.PublicIP,
		ListenPort:      cfg.VPN.ListenPort,
	}
	s.setupRouter(st, ipamSvc, renderer, compiler, reconciler, reader, ifaceConfig, client)
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRouter(
	st *store.Store,
	ipamSvc *ipam.IPAM,
	renderer *wgconfig.Renderer,
	compiler *firewall.Compiler,
	reconciler *firewall.Reconciler,
	reader *wgstatus.Reader,
	ifaceConfig handlers.IfaceConfigFunc,
	client handlers.ClientEndpoint,
) {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	r.Use(middleware.SecurityHeaders())

	if s.config.RateLimit.Enabled {
		r.Use(middleware.RateLimiter(s.config.RateLimit))
	}

	r.GET("/health", s.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	peerHandler := handlers.NewPeerHandler(st, ipamSvc, renderer, compiler, reconciler, ifaceConfig, client, s.logger)
	statusHandler := handlers.NewStatusHandler(st, reader, s.logger)
	wsHandler := handlers.NewWebSocketHandler(s.pipeline, s.logger)

	v1 := r.Group("/api/v1")
	{
		peers := v1.Group("/peers")
		{
			peers.GET("", peerHandler.List)
			peers.POST("", peerHandler.Create)
			peers.GET("/:id", peerHandler.Get)
			peers.PUT("/:id", peerHandler.Update)
			peers.DELETE("/:id", peerHandler.Delete)
			peers.GET("/:id/config", peerHandler.ClientConfig)
		}

		status := v1.Group("/status")
		{
			status.GET("", statusHandler.List)
			status.GET("/:id", statusHandler.Get)
		}
	}

	r.GET("/ws/status", func(c *gin.Context) {
		wsHandler.Handle(c.Writer, c.Request)
	})

	s.router = r
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
