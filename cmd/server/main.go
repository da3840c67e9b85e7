// Command server starts the siderec signalling and recording service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"siderec/internal/api"
	"siderec/internal/capture"
	"siderec/internal/observability/logging"
	"siderec/internal/observability/metrics"
	"siderec/internal/presence"
	"siderec/internal/realtime"
	"siderec/internal/redisconn"
	"siderec/internal/server"
	"siderec/internal/session"
	"siderec/internal/storage"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before resolving settings")
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionDriver := flag.String("session-driver", "", "session registry driver (memory or redis)")
	sessionTTL := flag.Duration("session-ttl", 0, "how long a session survives without a heartbeat")
	reaperInterval := flag.Duration("reaper-interval", 0, "interval between stale session sweeps")
	busDriver := flag.String("bus-driver", "", "presence event bus driver (memory or redis)")
	busStream := flag.String("bus-stream", "", "Redis stream for presence events")
	busGroup := flag.String("bus-group", "", "Redis consumer group for presence events")
	redisAddr := flag.String("redis-addr", "", "Redis address")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	mediaRoot := flag.String("media-root", "", "directory holding uploaded chunks and merged recordings")
	ffmpegPath := flag.String("ffmpeg", "", "ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "ffprobe binary")
	minChunkBytes := flag.Int("min-chunk-bytes", 0, "chunks smaller than this are discarded before merging")
	mergeTimeout := flag.Duration("merge-timeout", 0, "upper bound for a single merge")
	uploadMaxBytes := flag.Int("upload-max-bytes", 0, "largest accepted chunk upload")
	autoMerge := flag.Bool("auto-merge", false, "merge recordings automatically when a meeting ends")
	mergeWorkers := flag.Int("merge-workers", 0, "concurrent automatic merges")
	mergeDelay := flag.Duration("merge-delay", 0, "wait after a meeting ends before merging")
	s3Bucket := flag.String("s3-bucket", "", "bucket merged recordings are published to")
	s3Region := flag.String("s3-region", "", "S3 region")
	s3Prefix := flag.String("s3-prefix", "", "S3 key prefix")
	s3Endpoint := flag.String("s3-endpoint", "", "S3 compatible endpoint (e.g. http://127.0.0.1:9000)")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key")
	s3PathStyle := flag.Bool("s3-path-style", false, "use path style S3 addressing")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum chunk uploads per window for a single client")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting chunk uploads")
	rateRedis := flag.Bool("rate-redis", false, "share upload limits between instances through Redis")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("SIDEREC_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("SIDEREC_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("SIDEREC_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("SIDEREC_ADDR"))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisCfg := redisconn.Config{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("SIDEREC_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("SIDEREC_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("SIDEREC_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("SIDEREC_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("SIDEREC_REDIS_MASTER_NAME")),
		PoolSize:   resolveInt(*redisPoolSize, "SIDEREC_REDIS_POOL_SIZE"),
		TLS: redisconn.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("SIDEREC_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("SIDEREC_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("SIDEREC_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("SIDEREC_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "SIDEREC_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	dsn := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("SIDEREC_STORAGE_DRIVER"), dsn)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}
	var store storage.Repository
	switch driver {
	case "json":
		store, err = storage.NewJSONRepository(resolveDataPath(*dataPath, os.Getenv("SIDEREC_DATA")))
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var options []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "SIDEREC_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "SIDEREC_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		if timeout := resolveDuration(*postgresAcquireTimeout, "SIDEREC_POSTGRES_ACQUIRE_TIMEOUT", 0); timeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(timeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("SIDEREC_POSTGRES_APP_NAME")); appName != "" {
			options = append(options, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(dsn, options...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	ttl := resolveDuration(*sessionTTL, "SIDEREC_SESSION_TTL", 90*time.Second)
	sessions, err := configureSessions(rootCtx, firstNonEmpty(*sessionDriver, os.Getenv("SIDEREC_SESSION_DRIVER")), redisCfg, ttl, logger)
	if err != nil {
		logger.Error("failed to configure session registry", "error", err)
		os.Exit(1)
	}
	bus, err := configureBus(rootCtx, firstNonEmpty(*busDriver, os.Getenv("SIDEREC_BUS_DRIVER")), presence.RedisBusConfig{
		Client: redisCfg,
		Stream: firstNonEmpty(*busStream, os.Getenv("SIDEREC_BUS_STREAM")),
		Group:  firstNonEmpty(*busGroup, os.Getenv("SIDEREC_BUS_GROUP")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure presence bus", "error", err)
		os.Exit(1)
	}

	chunks, err := capture.NewChunkStore(resolveMediaRoot(*mediaRoot, os.Getenv("SIDEREC_MEDIA_ROOT")))
	if err != nil {
		logger.Error("failed to open media root", "error", err)
		os.Exit(1)
	}
	tools := capture.Tools{
		FFmpeg:  firstNonEmpty(*ffmpegPath, os.Getenv("SIDEREC_FFMPEG")),
		FFprobe: firstNonEmpty(*ffprobePath, os.Getenv("SIDEREC_FFPROBE")),
	}
	if err := tools.Check(); err != nil {
		logger.Warn("media tools unavailable, merges will fail", "error", err)
	}

	engineCfg := capture.EngineConfig{
		Store: chunks,
		Validator: capture.NewValidator(capture.ValidatorConfig{
			Tools:         tools,
			MinChunkBytes: int64(resolveInt(*minChunkBytes, "SIDEREC_MIN_CHUNK_BYTES")),
		}),
		Tools:   tools,
		Timeout: resolveDuration(*mergeTimeout, "SIDEREC_MERGE_TIMEOUT", 0),
		Logger:  logger,
	}
	s3Cfg := capture.S3Config{
		Bucket:          firstNonEmpty(*s3Bucket, os.Getenv("SIDEREC_S3_BUCKET")),
		Region:          firstNonEmpty(*s3Region, os.Getenv("SIDEREC_S3_REGION")),
		Prefix:          firstNonEmpty(*s3Prefix, os.Getenv("SIDEREC_S3_PREFIX")),
		Endpoint:        firstNonEmpty(*s3Endpoint, os.Getenv("SIDEREC_S3_ENDPOINT")),
		AccessKeyID:     firstNonEmpty(*s3AccessKey, os.Getenv("SIDEREC_S3_ACCESS_KEY")),
		SecretAccessKey: firstNonEmpty(*s3SecretKey, os.Getenv("SIDEREC_S3_SECRET_KEY")),
		UsePathStyle:    resolveBool(*s3PathStyle, "SIDEREC_S3_PATH_STYLE"),
		Logger:          logger,
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Cfg.Bucket != "" {
		publisher, err := capture.NewS3Publisher(rootCtx, s3Cfg)
		if err != nil {
			logger.Error("failed to configure artifact publisher", "error", err)
			os.Exit(1)
		}
		engineCfg.OnSuccess = publisher.PublishAsync(workerCtx)
		logger.Info("publishing merged recordings", "bucket", s3Cfg.Bucket, "prefix", s3Cfg.Prefix)
	}
	engine, err := capture.NewEngine(engineCfg)
	if err != nil {
		logger.Error("failed to configure merge engine", "error", err)
		os.Exit(1)
	}

	hub := realtime.NewHub(logger)
	coordinator := presence.NewCoordinator(store, sessions, bus, hub, presence.Config{Logger: logger})
	origins := splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("SIDEREC_CORS_ORIGINS")))
	gateway := realtime.NewGateway(realtime.GatewayConfig{
		Hub:            hub,
		Coordinator:    coordinator,
		Sessions:       sessions,
		Logger:         logger,
		AllowedOrigins: origins,
	})

	var processor *capture.Processor
	durationCfg := presence.DurationConfig{Logger: logger}
	if resolveBool(*autoMerge, "SIDEREC_AUTO_MERGE") {
		processor = capture.NewProcessor(capture.ProcessorConfig{
			Engine:  engine,
			Workers: resolveInt(*mergeWorkers, "SIDEREC_MERGE_WORKERS"),
			Delay:   resolveDuration(*mergeDelay, "SIDEREC_MERGE_DELAY", 0),
			Logger:  logger,
		})
		processor.Start()
		durationCfg.OnEnded = processor.MeetingEnded
	}
	subscription := bus.Subscribe()
	go presence.NewDurationRecorder(store, hub, durationCfg).Run(workerCtx, subscription)

	stopReaper := startSessionReaper(workerCtx, reaperConfig{
		Sessions: sessions,
		Presence: coordinator,
		Sockets:  hub,
		TTL:      ttl,
		Interval: resolveDuration(*reaperInterval, "SIDEREC_REAPER_INTERVAL", 30*time.Second),
		Logger:   logging.WithComponent(logger, "session-reaper"),
	})
	defer stopReaper()

	handler := api.NewHandler(store, sessions, engine)
	handler.Logger = logger
	handler.MaxChunkBytes = int64(resolveInt(*uploadMaxBytes, "SIDEREC_UPLOAD_MAX_BYTES"))

	rateCfg := server.RateLimitConfig{
		GlobalRPS:    resolveFloat(*globalRPS, "SIDEREC_RATE_GLOBAL_RPS"),
		GlobalBurst:  resolveInt(*globalBurst, "SIDEREC_RATE_GLOBAL_BURST"),
		UploadLimit:  resolveInt(*uploadLimit, "SIDEREC_RATE_UPLOAD_LIMIT"),
		UploadWindow: resolveDuration(*uploadWindow, "SIDEREC_RATE_UPLOAD_WINDOW", time.Minute),
	}
	var rateClient redis.UniversalClient
	if resolveBool(*rateRedis, "SIDEREC_RATE_REDIS") {
		rateClient, err = redisconn.New(rootCtx, redisCfg)
		if err != nil {
			logger.Error("failed to connect rate limit redis", "error", err)
			os.Exit(1)
		}
		rateCfg.Redis = rateClient
	}

	drain := []func(context.Context) error{gateway.Shutdown}
	if processor != nil {
		drain = append(drain, processor.Shutdown)
	}
	srv, err := server.New(handler, gateway, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("SIDEREC_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("SIDEREC_TLS_KEY")),
		},
		RateLimit:             rateCfg,
		CORS:                  server.CORSConfig{AllowedOrigins: origins},
		TrustForwardedHeaders: resolveBool(*trustForwarded, "SIDEREC_RATE_TRUST_FORWARDED_HEADERS"),
		Logger:                logger,
		Metrics:               recorder,
		Drain:                 drain,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("siderec starting", "addr", listenAddr, "mode", serverMode, "storage", driver,
		"sessions", fmt.Sprintf("%T", sessions), "auto_merge", processor != nil)
	runErr := srv.Run(rootCtx, nil)

	workerCancel()
	stopReaper()
	subscription.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	closeAll(ctx, logger, store, sessions, bus, rateClient)
	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadEnvFile applies a dotenv file without overriding variables already
// set in the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func configureSessions(ctx context.Context, driver string, cfg redisconn.Config, ttl time.Duration, logger *slog.Logger) (session.Registry, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return session.NewMemoryRegistry(nil), nil
	case "redis":
		if len(cfg.Addresses()) == 0 {
			return nil, fmt.Errorf("redis addr is required for the session registry")
		}
		registry, err := session.NewRedisRegistry(ctx, session.RedisConfig{Client: cfg, TTL: ttl, Logger: logger})
		if err != nil {
			return nil, err
		}
		return registry, nil
	default:
		return nil, fmt.Errorf("unsupported session driver %q", driver)
	}
}

func configureBus(ctx context.Context, driver string, cfg presence.RedisBusConfig, logger *slog.Logger) (presence.Bus, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return presence.NewMemoryBus(128), nil
	case "redis":
		if len(cfg.Client.Addresses()) == 0 {
			return nil, fmt.Errorf("redis addr is required for the presence bus")
		}
		cfg.Logger = logger
		return presence.NewRedisBus(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", driver)
	}
}

func closeAll(ctx context.Context, logger *slog.Logger, store storage.Repository, sessions session.Registry, bus presence.Bus, rateClient redis.UniversalClient) {
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	if err := sessions.Close(); err != nil {
		logger.Warn("failed to close session registry", "error", err)
	}
	if err := bus.Close(); err != nil {
		logger.Warn("failed to close presence bus", "error", err)
	}
	if rateClient != nil {
		if err := rateClient.Close(); err != nil {
			logger.Warn("failed to close rate limit redis", "error", err)
		}
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

// resolveStorageDriver prefers an explicit driver, then Postgres when a DSN
// is configured, then the JSON file store.
func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	if driver == "" {
		if strings.TrimSpace(postgresDSN) != "" {
			return "postgres", nil
		}
		return "json", nil
	}
	switch driver {
	case "json", "postgres":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func resolveDataPath(flagValue, envValue string) string {
	return firstNonEmpty(flagValue, envValue, "data/siderec.json")
}

func resolveMediaRoot(flagValue, envValue string) string {
	return firstNonEmpty(flagValue, envValue, "data/media")
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("SIDEREC_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
