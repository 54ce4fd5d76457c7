package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
	"github.com/smallbiznis/rebill/internal/authorization"
	billingrundomain "github.com/smallbiznis/rebill/internal/billingrun/domain"
	"github.com/smallbiznis/rebill/internal/config"
	customerdomain "github.com/smallbiznis/rebill/internal/customer/domain"
	"github.com/smallbiznis/rebill/internal/observability"
	obslogger "github.com/smallbiznis/rebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/rebill/internal/observability/tracing"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	authorization.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	authzSvc      authorization.Service
	processor     transactiondomain.Processor
	lifecycle     subscriptiondomain.Lifecycle
	customerSvc   customerdomain.Service
	planSvc       plandomain.Service
	vaultSvc      vaultdomain.Service
	billingRun    billingrundomain.Service
	analyticsSvc  analyticsdomain.Service
	chargeLimiter *ratelimit.ManualChargeLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	AuthzSvc      authorization.Service
	Processor     transactiondomain.Processor
	Lifecycle     subscriptiondomain.Lifecycle
	CustomerSvc   customerdomain.Service
	PlanSvc       plandomain.Service
	VaultSvc      vaultdomain.Service
	BillingRun    billingrundomain.Service
	AnalyticsSvc  analyticsdomain.Service
	ChargeLimiter *ratelimit.ManualChargeLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics            `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		authzSvc:      p.AuthzSvc,
		processor:     p.Processor,
		lifecycle:     p.Lifecycle,
		customerSvc:   p.CustomerSvc,
		planSvc:       p.PlanSvc,
		vaultSvc:      p.VaultSvc,
		billingRun:    p.BillingRun,
		analyticsSvc:  p.AnalyticsSvc,
		chargeLimiter: p.ChargeLimiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.APIKeyRequired())

	// -------- Subscriptions --------
	api.POST("/subscriptions", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCreate), s.CreateSubscription)
	api.GET("/subscriptions/:id", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetSubscriptionByID)
	api.POST("/subscriptions/:id/charge", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCharge), s.ManualChargeRateLimit(), s.ChargeSubscription)
	api.POST("/subscriptions/:id/pause", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionPause), s.PauseSubscription)
	api.POST("/subscriptions/:id/resume", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionResume), s.ResumeSubscription)
	api.POST("/subscriptions/:id/cancel", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel), s.CancelSubscription)
	api.PUT("/subscriptions/:id/credential", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCredential), s.UpdateCredential)
	api.POST("/subscriptions/:id/network-token", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCredential), s.EnableNetworkToken)
	api.POST("/subscriptions/:id/credential-refresh", s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCredential), s.RequestCredentialRefresh)

	// -------- Customers --------
	api.GET("/customers", s.authorizeAction(authorization.ObjectCustomer, authorization.ActionCustomerView), s.ListCustomers)
	api.GET("/customers/:id", s.authorizeAction(authorization.ObjectCustomer, authorization.ActionCustomerView), s.GetCustomerByID)

	// -------- Plans --------
	api.POST("/plans", s.authorizeAction(authorization.ObjectPlan, authorization.ActionPlanCreate), s.CreatePlan)
	api.GET("/plans", s.authorizeAction(authorization.ObjectPlan, authorization.ActionPlanView), s.ListPlans)

	// -------- Billing runs --------
	api.POST("/billing-runs", s.authorizeAction(authorization.ObjectBillingRun, authorization.ActionBillingRunExecute), s.RunDueSubscriptions)
	api.POST("/billing-runs/retries", s.authorizeAction(authorization.ObjectBillingRun, authorization.ActionBillingRunExecute), s.RunDueRetries)

	// -------- Analytics --------
	analytics := api.Group("/analytics", s.authorizeAction(authorization.ObjectAnalytics, authorization.ActionAnalyticsView))
	analytics.GET("/overview", s.AnalyticsOverview)
	analytics.GET("/declines", s.AnalyticsDeclines)
	analytics.GET("/retries", s.AnalyticsRetries)
	analytics.GET("/brands", s.AnalyticsBrands)
	analytics.GET("/series", s.AnalyticsSeries)
	analytics.GET("/revenue", s.AnalyticsRevenue)
	analytics.GET("/insights", s.AnalyticsInsights)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
