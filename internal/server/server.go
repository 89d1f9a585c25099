package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uplinehq/matrix/internal/config"
	dashboarddomain "github.com/uplinehq/matrix/internal/dashboard/domain"
	ledgerdomain "github.com/uplinehq/matrix/internal/ledger/domain"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	"github.com/uplinehq/matrix/internal/observability"
	obslogger "github.com/uplinehq/matrix/internal/observability/logger"
	obsmetrics "github.com/uplinehq/matrix/internal/observability/metrics"
	obstracing "github.com/uplinehq/matrix/internal/observability/tracing"
	perioddomain "github.com/uplinehq/matrix/internal/period/domain"
	supportdomain "github.com/uplinehq/matrix/internal/support/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Log:   log,
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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
	engine       *gin.Engine
	log          *zap.Logger
	genID        *snowflake.Node
	memberSvc    memberdomain.Service
	supportSvc   supportdomain.Service
	ledgerSvc    ledgerdomain.Service
	periodSvc    perioddomain.Service
	dashboardSvc dashboarddomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Log          *zap.Logger
	GenID        *snowflake.Node
	MemberSvc    memberdomain.Service
	SupportSvc   supportdomain.Service
	LedgerSvc    ledgerdomain.Service
	PeriodSvc    perioddomain.Service
	DashboardSvc dashboarddomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		log:          p.Log.Named("http.server"),
		genID:        p.GenID,
		memberSvc:    p.MemberSvc,
		supportSvc:   p.SupportSvc,
		ledgerSvc:    p.LedgerSvc,
		periodSvc:    p.PeriodSvc,
		dashboardSvc: p.DashboardSvc,
	}

	svc.registerRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	events := v1.Group("/events")
	{
		events.POST("/member.created", s.MemberCreated)
		events.POST("/subscription.changed", s.SubscriptionChanged)
		events.POST("/support_action.recorded", s.SupportActionRecorded)
		events.POST("/commission.trigger", s.CommissionTrigger)
	}

	v1.POST("/ledger/mark-paid", s.MarkPaid)
	v1.GET("/members/:id/dashboard", s.MemberDashboard)
}
