package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/foodhub/foodhub/cmd/foodhub/cli"
	"github.com/foodhub/foodhub/internal/app"
	"github.com/foodhub/foodhub/internal/auth"
	"github.com/foodhub/foodhub/internal/observability"
	"github.com/foodhub/foodhub/internal/platform/cache"
	"github.com/foodhub/foodhub/internal/platform/db"
	"github.com/foodhub/foodhub/internal/rbac"
	"github.com/foodhub/foodhub/internal/shared"
	"github.com/foodhub/foodhub/jobs"
)

const usage = `usage: foodhub [serve]
       foodhub jobs trigger -name rbac:audit_prune [-retention-hours N]
       foodhub jobs stats
       foodhub cache invalidate (-user ID | -role ID | -all)`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, stop, cfg, logger)
	case "jobs":
		err = runJobs(ctx, cfg, args)
	case "cache":
		err = runCache(ctx, cfg, logger, args)
	default:
		err = errors.New(usage)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	rbacMetrics, err := rbac.NewMetrics(metrics.Registerer())
	if err != nil {
		return fmt.Errorf("register rbac metrics: %w", err)
	}

	sessionManager := shared.NewSessionManager(redisClient, "foodhub_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}
	authService := auth.NewService(auth.NewRepository(dbpool), tokens)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	routes, err := rbac.LoadRouteTableFile(cfg.RBACRoutesFile)
	if err != nil {
		return err
	}

	permissionCache := rbac.NewPermissionCache(cfg.PermissionCacheTTL, cfg.PermissionCacheSize)
	store := rbac.NewPGStore(dbpool)
	resolver := rbac.NewResolver(store, permissionCache, rbac.ResolverConfig{
		Timeout:       cfg.PermissionResolveLimit,
		AllowRoleless: cfg.RBACAllowRoleless,
		Logger:        logger,
		Metrics:       rbacMetrics,
	})

	broadcaster := rbac.NewRedisBroadcaster(redisClient, cfg.RBACInvalidationChannel, logger)
	invalidator := rbac.NewInvalidator(permissionCache, store, broadcaster, logger, rbacMetrics)
	if err := broadcaster.Listen(ctx, invalidator.Apply); err != nil {
		return fmt.Errorf("subscribe invalidations: %w", err)
	}

	identity := rbac.SessionIdentity{Logger: logger}
	guard := rbac.NewGuard(identity, resolver, logger, rbacMetrics)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("close job client", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("close inspector", slog.Any("error", err))
		}
	}()

	rbacService := rbac.NewService(rbac.NewRepository(dbpool), invalidator, jobClient, logger)
	rbacHandler := rbac.NewHandler(logger, rbacService, guard, permissionCache, routes)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Tokens:         tokens,
		AuthHandler:    authHandler,
		RBACHandler:    rbacHandler,
		RouteGuard: &rbac.RouteGuard{
			Table:    routes,
			Identity: identity,
			Resolver: resolver,
			Logger:   logger,
			Metrics:  rbacMetrics,
		},
		Guard:      guard,
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		name := fs.String("name", jobs.TaskAuditPrune, "job type to enqueue")
		retention := fs.Int("retention-hours", 0, "override audit retention")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		info, err := jobsCLI.Trigger(ctx, *name, *retention)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue()
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return errors.New(usage)
	}
}

func runCache(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 || args[0] != "invalidate" {
		return errors.New(usage)
	}
	fs := flag.NewFlagSet("cache invalidate", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "user id to evict")
	roleID := fs.Int64("role", 0, "role whose members are evicted")
	all := fs.Bool("all", false, "evict every snapshot")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	broadcaster := rbac.NewRedisBroadcaster(redisClient, cfg.RBACInvalidationChannel, logger)
	cacheCLI := cli.NewCacheCLI(rbac.NewPGStore(pool), broadcaster, logger)
	if err := cacheCLI.Invalidate(ctx, cli.InvalidateTarget{UserID: *userID, RoleID: *roleID, All: *all}); err != nil {
		return err
	}
	fmt.Println("invalidation published")
	return nil
}
