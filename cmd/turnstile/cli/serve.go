package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/turnstiledev/turnstile/internal/config"
	tmcp "github.com/turnstiledev/turnstile/internal/mcp"
	"github.com/turnstiledev/turnstile/internal/metrics"
	"github.com/turnstiledev/turnstile/internal/server"
	"github.com/turnstiledev/turnstile/internal/service"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

const banner = `
 _____                      _   _ _
|_   _|   _ _ __ _ __  ___| |_(_) | ___
  | || | | | '__| '_ \/ __| __| | |/ _ \
  | || |_| | |  | | | \__ \ |_| | |  __/
  |_| \__,_|_|  |_| |_|___/\__|_|_|\___|
`

func newServeCmd() *cobra.Command {
	var noMCP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Turnstile API server",
		Long: `Start the HTTP server that issues and validates tokens, enforces role and
permission gates, tracks login lockouts and exposes Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, noMCP)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Do not mount the MCP endpoint at /mcp")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(cmd *cobra.Command, noMCP bool) error {
	logger := slog.Default()

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := settings.CheckProduction(); err != nil {
		return err
	}
	if settings.IsProduction() {
		for _, key := range settings.DefaultedKeys() {
			logger.Warn("production is running with a default setting", "key", key)
		}
	} else if settings.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set, signing with the development secret")
	}

	fmt.Fprint(cmd.OutOrStdout(), banner)
	fmt.Fprintln(cmd.OutOrStdout())

	// 1. Principal store
	store, err := openStore(settings)
	if err != nil {
		return fmt.Errorf("init principal store: %w", err)
	}
	defer store.Close()
	logger.Info("principal store initialized", "driver", store.Dialect())

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 3. Auth services
	tokens, err := newTokenService(settings)
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}
	lockout := service.NewLockoutGuard(
		service.WithLockoutThreshold(settings.LockoutThreshold),
		service.WithLockoutDuration(settings.LockoutDuration),
		service.WithLockoutLogger(logger),
		service.WithLockHook(collector.ObserveLockout),
	)
	collector.TrackLockouts(lockout.Len)

	bus := syncbus.New(nil, syncbus.WithLogger(logger))
	unsubscribe := subscribeServerEvents(bus, store, collector, logger)
	defer unsubscribe()

	authSvc := service.NewAuthService(store, tokens, lockout,
		service.WithPublisher(bus),
		service.WithAuthMetrics(collector),
		service.WithAuthLogger(logger),
		service.WithRefreshThreshold(settings.RefreshThreshold),
	)
	principals := service.NewPrincipalService(store, bus, logger)

	// 4. First run
	hasPrincipal, err := store.HasAnyPrincipal(cmd.Context())
	if err != nil {
		logger.Warn("failed to check for principals", "error", err)
	}
	if !hasPrincipal {
		logger.Warn("no principals found - run: turnstile principal create --role super_admin")
	}

	// 5. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = settings.Host
	srvCfg.Port = settings.Port
	srvCfg.ShutdownTimeout = settings.ShutdownTimeout
	srvCfg.CORSOrigins = settings.CORSOrigins
	srvCfg.LoginRateLimit = settings.LoginRateLimit
	srvCfg.Version = versionString()

	deps := server.Deps{
		Auth:       authSvc,
		Principals: principals,
		Lockout:    lockout,
		Store:      store,
		Metrics:    collector,
		Gatherer:   reg,
	}
	if !noMCP {
		deps.MCP = tmcp.NewMCPServer(authSvc, principals, lockout, versionString(), logger).HTTPHandler()
	}
	srv := server.New(srvCfg, deps, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go lockout.Run(ctx, settings.SweepInterval)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "→ Turnstile %s\n", versionString())
	fmt.Fprintf(out, "→ Listening on http://%s:%d\n", settings.Host, settings.Port)
	fmt.Fprintf(out, "→ OpenAPI:    http://%s:%d/openapi.json\n", settings.Host, settings.Port)
	fmt.Fprintf(out, "→ Metrics:    http://%s:%d/metrics\n", settings.Host, settings.Port)
	if !noMCP {
		fmt.Fprintf(out, "→ MCP:        http://%s:%d/mcp\n", settings.Host, settings.Port)
	}
	fmt.Fprintln(out)

	return srv.ListenAndServe(ctx)
}

// activityStore records last-activity timestamps.
type activityStore interface {
	TouchLastActivity(ctx context.Context, id string, at time.Time) error
}

// subscribeServerEvents attaches the server-side bus subscribers: an audit
// line and a metric per event, and last-activity tracking on heartbeats.
func subscribeServerEvents(bus *syncbus.Bus, store activityStore, collector *metrics.Collector, logger *slog.Logger) func() {
	unsubAudit := bus.SubscribeAll(func(ev syncbus.Event) {
		collector.ObserveSyncEvent(string(ev.Type))
		logger.Info("audit",
			"event", ev.Type,
			"principal_id", ev.PrincipalID,
			"family", ev.Family,
			"at", ev.Timestamp)
	})
	unsubActivity := bus.Subscribe(syncbus.EventActivityHeartbeat, func(ev syncbus.Event) {
		if ev.PrincipalID == "" {
			return
		}
		if err := store.TouchLastActivity(context.Background(), ev.PrincipalID, ev.Timestamp); err != nil {
			logger.Warn("failed to record activity", "principal_id", ev.PrincipalID, "error", err)
		}
	})
	return func() {
		unsubAudit()
		unsubActivity()
	}
}

var _ activityStore = (*config.Store)(nil)
