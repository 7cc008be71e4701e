package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-engine/internal/audit"
	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/capability"
	"github.com/route-beacon/bgp-engine/internal/config"
	"github.com/route-beacon/bgp-engine/internal/db"
	"github.com/route-beacon/bgp-engine/internal/deltafeed"
	bgphttp "github.com/route-beacon/bgp-engine/internal/http"
	"github.com/route-beacon/bgp-engine/internal/metrics"
	"github.com/route-beacon/bgp-engine/internal/netconn"
	"github.com/route-beacon/bgp-engine/internal/nlri"
	"github.com/route-beacon/bgp-engine/internal/session"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgpd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the BGP speaker")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run session_events partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgpd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("neighbors", len(cfg.Neighbors)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		p, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer p.Close()
		pool = p

		rm := audit.NewRetentionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("retention"))
		if err := rm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create session_events partitions on startup", zap.Error(err))
		}
	}

	auditWriter, err := audit.NewWriter(
		pool, cfg.Audit.BatchSize, cfg.Audit.ChannelBufferSize,
		time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond,
		cfg.Audit.StoreRawBytes, cfg.Audit.StoreRawBytesCompress,
		logger.Named("audit"),
	)
	if err != nil {
		logger.Fatal("failed to build audit writer", zap.Error(err))
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build kafka TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	var wg sync.WaitGroup
	sessions := make(map[string]bgphttp.SessionStatus, len(cfg.Neighbors))
	consumers := make([]*deltafeed.Consumer, 0, len(cfg.Neighbors))

	wg.Add(1 + len(cfg.Neighbors)*2)
	go func() { defer wg.Done(); auditWriter.Run(ctx) }()

	for name, ncfg := range cfg.Neighbors {
		name, ncfg := name, ncfg

		var notifier session.Notifier = session.NoopNotifier{}
		if ncfg.PersistRoutes {
			notifier = auditWriter
		}

		var deltas session.DeltaProducer
		if len(cfg.Kafka.Brokers) > 0 && len(cfg.Kafka.Delta.Topics) > 0 {
			consumer, err := deltafeed.NewConsumer(
				cfg.Kafka.Brokers, cfg.Kafka.Delta.GroupID+"-"+name, cfg.Kafka.Delta.Topics,
				tlsCfg, saslMech, logger.Named("deltafeed."+name),
			)
			if err != nil {
				logger.Fatal("failed to create delta consumer", zap.String("neighbor", name), zap.Error(err))
			}
			consumers = append(consumers, consumer)
			deltas = consumer
			go func() { defer wg.Done(); _ = consumer.Run(ctx) }()
		} else {
			wg.Done()
		}

		runner := newSessionRunner(name, ncfg, notifier, deltas, logger)
		sessions[name] = runner
		go func() { defer wg.Done(); runner.run(ctx) }()
	}

	httpServer := bgphttp.NewServer(cfg.Service.HTTPListen, pool, sessions, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all sessions and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	for _, c := range consumers {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sessions stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("bgpd stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running session_events partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rm := audit.NewRetentionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := rm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// sessionRunner redials and re-runs one neighbor's Engine for the life of
// the process, backing off between failed connection attempts.
type sessionRunner struct {
	name     string
	ncfg     config.NeighborConfig
	notifier session.Notifier
	deltas   session.DeltaProducer
	logger   *zap.Logger

	mu     sync.Mutex
	engine *session.Engine
}

func newSessionRunner(name string, ncfg config.NeighborConfig, notifier session.Notifier, deltas session.DeltaProducer, logger *zap.Logger) *sessionRunner {
	return &sessionRunner{
		name:     name,
		ncfg:     ncfg,
		notifier: notifier,
		deltas:   deltas,
		logger:   logger.Named("session." + name),
	}
}

// State implements bgphttp.SessionStatus, reading through to the current
// Engine if one has been constructed yet.
func (r *sessionRunner) State() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine == nil {
		return session.Idle
	}
	return r.engine.State()
}

func (r *sessionRunner) run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := netconn.Dial(dialCtx, r.ncfg.Address, r.ncfg.TTL, r.ncfg.MD5Key)
		cancel()
		if err != nil {
			r.logger.Warn("dial failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		engineCfg, err := buildEngineConfig(r.ncfg)
		if err != nil {
			r.logger.Error("invalid neighbor configuration", zap.Error(err))
			conn.Close()
			return
		}

		engine := session.NewEngine(engineCfg, conn, r.notifier, r.deltas, r.logger)
		r.mu.Lock()
		r.engine = engine
		r.mu.Unlock()

		connectedAt := time.Now()
		runErr := engine.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		logSessionEnd(r.logger, runErr)

		if time.Since(connectedAt) > 5*time.Minute {
			backoff = time.Second
		} else {
			backoff = nextBackoff(backoff, maxBackoff)
		}
		if !sleepOrDone(ctx, backoff) {
			return
		}
	}
}

func logSessionEnd(logger *zap.Logger, err error) {
	var n *bgperr.Notify
	if errors.As(err, &n) {
		logger.Info("session ended with notification", zap.Uint8("code", n.Code), zap.Uint8("sub", n.Sub))
		return
	}
	logger.Warn("session ended", zap.Error(err))
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func buildEngineConfig(ncfg config.NeighborConfig) (session.Config, error) {
	localID, err := parseDottedQuad(ncfg.LocalID)
	if err != nil {
		return session.Config{}, fmt.Errorf("local_id: %w", err)
	}

	families := make([]nlri.Family, 0, len(ncfg.Families))
	for _, name := range ncfg.Families {
		f, err := familyByName(name)
		if err != nil {
			return session.Config{}, err
		}
		families = append(families, f)
	}
	if len(families) == 0 {
		families = []nlri.Family{{AFI: wire.AFIIPv4, SAFI: wire.SAFIUnicast}}
	}

	addPath := make(map[nlri.Family]capability.AddPathDirection)
	if ncfg.AddPathRecv || ncfg.AddPathSend {
		var dir capability.AddPathDirection
		if ncfg.AddPathRecv {
			dir |= capability.AddPathReceive
		}
		if ncfg.AddPathSend {
			dir |= capability.AddPathSend
		}
		for _, f := range families {
			addPath[f] = dir
		}
	}

	return session.Config{
		LocalASN:     ncfg.LocalASN,
		LocalID:      localID,
		PeerASN:      ncfg.PeerASN,
		HoldTime:     time.Duration(ncfg.HoldTimeSecs) * time.Second,
		Families:     families,
		RouteRefresh: ncfg.RouteRefresh,
		FourByteASN:  ncfg.FourByteASN,
		AddPath:      addPath,
	}, nil
}

func familyByName(name string) (nlri.Family, error) {
	switch strings.ToLower(name) {
	case "ipv4-unicast":
		return nlri.Family{AFI: wire.AFIIPv4, SAFI: wire.SAFIUnicast}, nil
	case "ipv6-unicast":
		return nlri.Family{AFI: wire.AFIIPv6, SAFI: wire.SAFIUnicast}, nil
	case "ipv4-multicast":
		return nlri.Family{AFI: wire.AFIIPv4, SAFI: wire.SAFIMulticast}, nil
	case "ipv4-labeled-unicast":
		return nlri.Family{AFI: wire.AFIIPv4, SAFI: wire.SAFIMPLSLabeledUnicast}, nil
	case "ipv4-vpn":
		return nlri.Family{AFI: wire.AFIIPv4, SAFI: wire.SAFIMPLSVPN}, nil
	default:
		return nlri.Family{}, fmt.Errorf("unknown address family %q", name)
	}
}

func parseDottedQuad(s string) ([4]byte, error) {
	var out [4]byte
	if s == "" {
		return out, nil
	}
	var b [4]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &b[0], &b[1], &b[2], &b[3])
	if err != nil || n != 4 {
		return out, fmt.Errorf("%q is not a dotted-quad address", s)
	}
	for i, v := range b {
		if v < 0 || v > 255 {
			return out, fmt.Errorf("%q is not a dotted-quad address", s)
		}
		out[i] = byte(v)
	}
	return out, nil
}
