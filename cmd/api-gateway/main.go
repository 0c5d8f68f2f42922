package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	_ "github.com/noah-isme/aegis-gateway/api/swagger"
	"github.com/noah-isme/aegis-gateway/internal/handler"
	"github.com/noah-isme/aegis-gateway/internal/integration"
	"github.com/noah-isme/aegis-gateway/internal/middleware"
	"github.com/noah-isme/aegis-gateway/internal/models"
	"github.com/noah-isme/aegis-gateway/internal/repository"
	"github.com/noah-isme/aegis-gateway/internal/service"
	"github.com/noah-isme/aegis-gateway/pkg/cache"
	"github.com/noah-isme/aegis-gateway/pkg/config"
	"github.com/noah-isme/aegis-gateway/pkg/database"
	"github.com/noah-isme/aegis-gateway/pkg/logger"
	corsmiddleware "github.com/noah-isme/aegis-gateway/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/aegis-gateway/pkg/middleware/requestid"
)

// @title Aegis Gateway API
// @version 1.0.0
// @description Identity provisioning and approval orchestration gateway
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, continuing without shared cache and leader lock", zap.Error(err))
			redisClient = nil
		}
	}

	metrics := service.NewMetricsService()

	personRepo := repository.NewPersonRepository(db)
	operationRepo := repository.NewOperationRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	identityRepo := repository.NewIdentityRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	var cacheRepo *repository.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
		defer cacheRepo.Close() //nolint:errcheck
	}

	executor := integration.NewExecutorClient(cfg.Executor.URL, cfg.Executor.Name, cfg.Executor.Timeout, metrics)
	dispatcher := integration.NewDispatcherClient(cfg.Dispatcher, metrics)
	roleAuthority := integration.NewRoleAuthorityClient(cfg.RoleAuthority.URL, cfg.RoleAuthority.Timeout, metrics)

	resolverOpts := []service.PlanResolverOption{}
	if cacheRepo != nil && cfg.RoleAuthority.UseRedis {
		shared := service.NewCacheService(cacheRepo, metrics, cfg.RoleAuthority.CatalogTTL, logr, true)
		resolverOpts = append(resolverOpts, service.WithSharedCatalogCache(shared))
	}
	planResolver := service.NewPlanResolver(roleAuthority, cfg.RoleAuthority.CatalogTTL, logr, resolverOpts...)

	provisioningSvc := service.NewProvisioningService(personRepo, operationRepo, executor, planResolver, logr,
		service.WithExecutorTimeout(cfg.Executor.Timeout),
		service.WithProvisioningAudit(auditRepo),
		service.WithProvisioningMetrics(metrics),
	)
	ledgerSvc := service.NewLedgerService(operationRepo, personRepo, logr)
	identitySvc := service.NewIdentityService(identityRepo, logr)
	requestDispatcher := service.NewRequestDispatcher(identityRepo, provisioningSvc, logr)
	approvalSvc := service.NewApprovalService(requestRepo, dispatcher, requestDispatcher, service.ApprovalSettings{
		Approvers:       cfg.Approval.Approvers,
		StrictApprovers: cfg.Approval.StrictApprovers,
		ApplyLease:      cfg.Approval.ApplyLease,
		CallbackBaseURL: cfg.Callback.BaseURL,
		APIPrefix:       cfg.APIPrefix,
	}, logr,
		service.WithApprovalAudit(auditRepo),
		service.WithApprovalHistory(auditRepo),
		service.WithApprovalMetrics(metrics),
		service.WithApprovalPersons(personRepo),
		service.WithDispatchTimeout(cfg.Dispatcher.Timeout),
	)
	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Reconciler.Enabled {
		settings := service.ReconcilerSettings{
			Interval:   cfg.Reconciler.Interval,
			StaleAfter: cfg.Reconciler.StaleAfter,
			LockTTL:    cfg.Reconciler.LockTTL,
			Workers:    cfg.Reconciler.Workers,
			Retries:    cfg.Reconciler.Retries,
		}
		reconciler := service.NewReconciler(approvalSvc, nil, metrics, settings, logr)
		if redisClient != nil {
			reconciler = service.NewReconciler(approvalSvc, cache.NewLocker(redisClient), metrics, settings, logr)
		}
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	checks := map[string]handler.ReadinessCheck{
		"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
	}
	if cacheRepo != nil {
		checks["redis"] = cacheRepo.Ping
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	registerRoutes(r, cfg, routeHandlers{
		metrics:      handler.NewMetricsHandler(metrics, checks),
		provisioning: handler.NewProvisioningHandler(provisioningSvc, planResolver),
		ledger:       handler.NewLedgerHandler(ledgerSvc),
		requests:     handler.NewRequestHandler(approvalSvc),
		callbacks:    handler.NewCallbackHandler(approvalSvc),
		identities:   handler.NewIdentityHandler(identitySvc),
	}, authSvc, auditRepo)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

type routeHandlers struct {
	metrics      *handler.MetricsHandler
	provisioning *handler.ProvisioningHandler
	ledger       *handler.LedgerHandler
	requests     *handler.RequestHandler
	callbacks    *handler.CallbackHandler
	identities   *handler.IdentityHandler
}

func registerRoutes(r *gin.Engine, cfg *config.Config, h routeHandlers, auth *service.AuthService, audit *repository.AuditRepository) {
	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	r.GET("/metrics", h.metrics.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())

	callbacks := api.Group("/callbacks", middleware.CallbackToken(cfg.Callback.Token))
	callbacks.POST("/approval", h.callbacks.Approval)
	callbacks.POST("/review", h.callbacks.Review)

	readers := middleware.RequireRoles(models.RoleAdmin, models.RoleOperator, models.RoleAuditor)
	writers := middleware.RequireRoles(models.RoleAdmin, models.RoleOperator)

	secured := api.Group("", middleware.JWT(auth))

	secured.POST("/provisioning", writers, h.provisioning.Provision)
	secured.GET("/provisioning/operations", readers, h.ledger.Operations)
	secured.GET("/provisioning/operations/:id", readers, h.ledger.Operation)
	secured.GET("/provisioning/operations/:id/report", readers, h.ledger.Report)
	secured.GET("/provisioning/stats", readers, h.ledger.Stats)
	secured.GET("/persons", readers, h.ledger.Persons)
	secured.GET("/identities/:login", readers, h.identities.Get)

	secured.POST("/plans/preview", readers, h.provisioning.PreviewPlan)
	secured.GET("/roles", readers, h.provisioning.Roles)
	secured.POST("/roles/refresh", middleware.RequireRoles(models.RoleAdmin), middleware.Audit(audit, models.AuditActionRoleCacheRefresh, "role_catalog"), h.provisioning.RefreshRoles)

	secured.POST("/requests", writers, h.requests.Create)
	secured.GET("/requests", readers, h.requests.List)
	secured.POST("/requests/reviews", writers, h.requests.CreateReview)
	secured.GET("/requests/:id", readers, h.requests.Get)
	secured.GET("/requests/:id/history", readers, h.requests.History)
	secured.POST("/requests/:id/cancel", writers, h.requests.Cancel)
}
