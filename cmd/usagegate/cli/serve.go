package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cubexhq/usagegate/internal/cache"
	"github.com/cubexhq/usagegate/internal/metrics"
	"github.com/cubexhq/usagegate/internal/quota"
	"github.com/cubexhq/usagegate/internal/ratelimit"
	"github.com/cubexhq/usagegate/internal/server"
	"github.com/cubexhq/usagegate/internal/service"
)

const banner = `
 _  _ ___  __ _ __ _ ___ __ _ __ _| |_ ___
| || (_-< / _' / _' / -_) _' / _' |  _/ -_)
 \_,_/__/ \__,_\__, \___\__, \__,_|\__\___|
               |___/    |___/
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the usagegate server",
		Long:  "Start the HTTP server that exposes the internal usage API and the admin API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging, CORS *)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	// Set up logger
	logLevel := slog.LevelInfo
	if lvl := viper.GetString("logging.level"); lvl == "debug" || dev {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if viper.GetString("logging.format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// 1. Open the store
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened")

	// 2. Set up the cache backend
	var c cache.Cache
	switch viper.GetString("cache.backend") {
	case "redis":
		c, err = cache.NewRedis(viper.GetString("cache.redis_url"))
		if err != nil {
			return fmt.Errorf("connect cache redis: %w", err)
		}
		logger.Info("cache backend initialized", "backend", "redis")
	default:
		c = cache.NewMemory()
		logger.Info("cache backend initialized", "backend", "memory")
	}
	defer c.Close()

	// 3. Set up the rate limiter backend
	var limiter ratelimit.Limiter
	switch viper.GetString("ratelimit.backend") {
	case "redis":
		rl, err := ratelimit.NewRedis(viper.GetString("ratelimit.redis_url"))
		if err != nil {
			return fmt.Errorf("connect ratelimit redis: %w", err)
		}
		defer rl.Close()
		limiter = rl
		logger.Info("rate limiter initialized", "backend", "redis")
	default:
		limiter = ratelimit.NewMemory()
		logger.Info("rate limiter initialized", "backend", "memory")
	}

	// 4. Assemble the usage engine
	m := metrics.New()
	resolver := quota.NewKeyResolver(st, c, hmacSecret(), logger, m)
	evaluator := quota.NewEvaluator(st, c, logger)
	ledger := quota.NewLedger(st, logger)
	engine := quota.NewEngine(st, resolver, evaluator, ledger, limiter, logger, m)

	// 5. Start the reservation sweeper
	timeout := durationOrDefault(viper.GetString("usage.pending_timeout"), quota.DefaultPendingTimeout)
	schedule := viper.GetString("usage.sweep_schedule")
	if schedule == "" {
		schedule = quota.DefaultSweepSchedule
	}
	sweeper := quota.NewSweeper(ledger, timeout, schedule, logger, m)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()
	logger.Info("sweeper started", "schedule", schedule, "pending_timeout", timeout)

	// 6. Initialize admin services
	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		if !dev {
			return fmt.Errorf("auth.jwt_secret is required (set USAGEGATE_AUTH_JWT_SECRET or the config file)")
		}
		jwtSecret = "usagegate-dev-secret-change-me"
		logger.Warn("using development JWT secret")
	}
	jwtTTL := durationOrDefault(viper.GetString("auth.jwt_expiry"), 12*time.Hour)
	authSvc := service.NewAuthService(st, jwtSecret, jwtTTL)
	keySvc := service.NewKeyService(st, resolver, logger)

	// 7. Check for first-run (no admin exists)
	hasAdmin, err := st.HasAnyAdmin(cmd_ctx())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: usagegate admin create")
	}

	// 8. Build and start HTTP server
	internalKey := viper.GetString("auth.internal_api_key")
	if internalKey == "" {
		logger.Warn("auth.internal_api_key is empty - internal usage endpoints will reject all requests")
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = viper.GetString("server.host")
	srvCfg.Port = viper.GetInt("server.port")
	if srvCfg.Host == "" {
		srvCfg.Host = host
	}
	if srvCfg.Port == 0 {
		srvCfg.Port = port
	}
	srvCfg.ShutdownTimeout = durationOrDefault(viper.GetString("server.shutdown_timeout"), 30*time.Second)
	srvCfg.InternalAPIKey = internalKey
	if origins := viper.GetStringSlice("server.cors.origins"); len(origins) > 0 {
		srvCfg.CORSOrigins = origins
	}
	if dev {
		srvCfg.CORSOrigins = []string{"*"}
	}
	if viper.IsSet("server.edge_rate_limit") {
		srvCfg.EdgeRateLimit = viper.GetInt("server.edge_rate_limit")
	}

	srv := server.New(srvCfg, st, c, engine, authSvc, keySvc, m, logger)

	fmt.Printf("→ usagegate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Metrics: http://%s:%d/metrics\n", srvCfg.Host, srvCfg.Port)
	fmt.Println()

	return srv.ListenAndServe()
}

// cmd_ctx returns a background context for CLI initialization.
func cmd_ctx() context.Context {
	return context.Background()
}
