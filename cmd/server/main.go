// Command server starts the triclip API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"triclip/internal/api"
	"triclip/internal/billing"
	"triclip/internal/merge"
	"triclip/internal/observability/logging"
	"triclip/internal/observability/metrics"
	"triclip/internal/publish"
	"triclip/internal/server"
	"triclip/internal/storage"
	"triclip/internal/uploads"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	chunkDir := flag.String("chunk-dir", "", "directory for staged upload chunks")
	workDir := flag.String("work-dir", "", "scratch directory for merge jobs")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	sessionTTL := flag.Duration("session-ttl", 0, "idle lifetime for upload sessions before expiry")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between stale upload session sweeps")
	maxSessionBytes := flag.Int64("max-session-bytes", 0, "maximum declared size for a single upload session")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	mergeEpsilon := flag.Float64("merge-epsilon", 0, "per-segment duration tolerance in seconds")
	mergeWorkers := flag.Int("merge-workers", 0, "number of concurrent merge workers")
	mergeQueue := flag.Int("merge-queue", 0, "merge job queue capacity")
	mergeTimeout := flag.Duration("merge-timeout", 0, "wall clock limit for a single merge job")
	mergeAttempts := flag.Int("merge-attempts", 0, "maximum attempts per merge job")
	presetWidth := flag.Int("preset-width", 0, "output video width in pixels")
	presetHeight := flag.Int("preset-height", 0, "output video height in pixels")
	presetFrameRate := flag.Int("preset-framerate", 0, "output video frame rate")
	presetVideoBitrate := flag.String("preset-video-bitrate", "", "output video bitrate (e.g. 2500k)")
	presetAudioBitrate := flag.String("preset-audio-bitrate", "", "output audio bitrate (e.g. 128k)")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for artifacts")
	objectLocalDir := flag.String("object-local-dir", "", "local directory fallback for artifacts when no object store is configured")
	publicBase := flag.String("public-base", "", "public URL prefix under which stored artifacts are served")
	urlTTL := flag.Duration("url-ttl", 0, "lifetime of signed playback URLs")
	signingSecret := flag.String("signing-secret", "", "master secret for playback URL signing")
	webhookSecret := flag.String("webhook-secret", "", "shared secret for purchase webhook signatures")
	renewalTokens := flag.Int64("renewal-tokens", 0, "tokens granted per subscription renewal")
	ledgerPostgresDSN := flag.String("ledger-postgres-dsn", "", "Postgres connection string for the token ledger")
	dedupRedisAddr := flag.String("dedup-redis-addr", "", "Redis address for webhook event dedup")
	dedupRedisAddrs := flag.String("dedup-redis-addrs", "", "comma separated Redis addresses for webhook event dedup")
	dedupRedisUsername := flag.String("dedup-redis-username", "", "Redis username for webhook event dedup")
	dedupRedisPassword := flag.String("dedup-redis-password", "", "Redis password for webhook event dedup")
	dedupRedisMasterName := flag.String("dedup-redis-sentinel-master", "", "Redis sentinel master name for webhook event dedup")
	dedupRedisPoolSize := flag.Int("dedup-redis-pool-size", 0, "maximum Redis connections for webhook event dedup")
	dedupRedisTTL := flag.Duration("dedup-redis-ttl", 0, "retention for remembered webhook event ids")
	dedupRedisTLSCA := flag.String("dedup-redis-tls-ca", "", "path to Redis TLS CA certificate for webhook event dedup")
	dedupRedisTLSCert := flag.String("dedup-redis-tls-cert", "", "path to Redis TLS client certificate for webhook event dedup")
	dedupRedisTLSKey := flag.String("dedup-redis-tls-key", "", "path to Redis TLS client key for webhook event dedup")
	dedupRedisTLSServerName := flag.String("dedup-redis-tls-server-name", "", "override Redis TLS server name for webhook event dedup")
	dedupRedisTLSSkipVerify := flag.Bool("dedup-redis-tls-skip-verify", false, "skip Redis TLS verification for webhook event dedup")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	webhookLimit := flag.Int("rate-webhook-limit", 0, "maximum webhook deliveries per window for a single source")
	webhookWindow := flag.Duration("rate-webhook-window", 0, "window for counting webhook deliveries")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed webhook throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed webhook throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("TRICLIP_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("TRICLIP_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("TRICLIP_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("TRICLIP_ADDR"))

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("TRICLIP_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("TRICLIP_TLS_KEY"))

	var storeOptions []storage.Option
	if limit := resolveInt64(*maxSessionBytes, "TRICLIP_MAX_SESSION_BYTES"); limit > 0 {
		storeOptions = append(storeOptions, storage.WithMaxSessionBytes(limit))
	}
	store, err := storage.NewStorage(resolveDataPath(*dataPath, os.Getenv("TRICLIP_DATA")), storeOptions...)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	chunks, err := uploads.NewChunkStore(resolvePath(*chunkDir, "TRICLIP_CHUNK_DIR", "data/chunks"))
	if err != nil {
		logger.Error("failed to prepare chunk store", "error", err)
		os.Exit(1)
	}
	manager := uploads.NewManager(store, chunks,
		logging.WithComponent(logger, "uploads"),
		resolveDuration(*sessionTTL, "TRICLIP_SESSION_TTL", uploads.DefaultSessionTTL))

	preset := merge.Preset{
		Width:        resolveInt(*presetWidth, "TRICLIP_PRESET_WIDTH"),
		Height:       resolveInt(*presetHeight, "TRICLIP_PRESET_HEIGHT"),
		FrameRate:    resolveInt(*presetFrameRate, "TRICLIP_PRESET_FRAMERATE"),
		VideoBitrate: firstNonEmpty(*presetVideoBitrate, os.Getenv("TRICLIP_PRESET_VIDEO_BITRATE")),
		AudioBitrate: firstNonEmpty(*presetAudioBitrate, os.Getenv("TRICLIP_PRESET_AUDIO_BITRATE")),
	}
	tools := merge.NewFFmpeg(
		firstNonEmpty(*ffmpegPath, os.Getenv("TRICLIP_FFMPEG_PATH")),
		firstNonEmpty(*ffprobePath, os.Getenv("TRICLIP_FFPROBE_PATH")),
		preset,
		logger)
	engine := merge.NewEngine(tools, tools, resolveFloat(*mergeEpsilon, "TRICLIP_MERGE_EPSILON"), logger)

	signingKey, err := resolveSecret(*signingSecret, "TRICLIP_SIGNING_SECRET", serverMode, "url signing", logger)
	if err != nil {
		logger.Error("failed to resolve signing secret", "error", err)
		os.Exit(1)
	}
	objectCfg := publish.ObjectStoreConfig{
		Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("TRICLIP_OBJECT_ENDPOINT")),
		Region:    firstNonEmpty(*objectRegion, os.Getenv("TRICLIP_OBJECT_REGION")),
		AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("TRICLIP_OBJECT_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("TRICLIP_OBJECT_SECRET_KEY")),
		Bucket:    firstNonEmpty(*objectBucket, os.Getenv("TRICLIP_OBJECT_BUCKET")),
		UseSSL:    resolveBool(*objectUseSSL, "TRICLIP_OBJECT_USE_SSL"),
		Prefix:    firstNonEmpty(*objectPrefix, os.Getenv("TRICLIP_OBJECT_PREFIX")),
		LocalDir:  resolvePath(*objectLocalDir, "TRICLIP_OBJECT_LOCAL_DIR", "data/artifacts"),
	}
	blobStore, err := publish.NewBlobStore(objectCfg)
	if err != nil {
		logger.Error("failed to configure artifact storage", "error", err)
		os.Exit(1)
	}
	signer, err := publish.NewURLSigner(signingKey, resolveDuration(*urlTTL, "TRICLIP_URL_TTL", publish.DefaultURLTTL))
	if err != nil {
		logger.Error("failed to configure url signer", "error", err)
		os.Exit(1)
	}
	publicBaseURL, err := resolvePublicBase(*publicBase, serverMode, listenAddr)
	if err != nil {
		logger.Error("failed to resolve public base url", "error", err)
		os.Exit(1)
	}
	publisher, err := publish.NewPublisher(blobStore, signer, publicBaseURL, logger)
	if err != nil {
		logger.Error("failed to configure publisher", "error", err)
		os.Exit(1)
	}

	orchestrator := merge.NewOrchestrator(merge.OrchestratorConfig{
		Store:       store,
		Sessions:    manager,
		Engine:      engine,
		Uploader:    publisher,
		WorkDir:     resolvePath(*workDir, "TRICLIP_WORK_DIR", "data/merge"),
		Workers:     resolveInt(*mergeWorkers, "TRICLIP_MERGE_WORKERS"),
		QueueSize:   resolveInt(*mergeQueue, "TRICLIP_MERGE_QUEUE"),
		Timeout:     resolveDuration(*mergeTimeout, "TRICLIP_MERGE_TIMEOUT", 0),
		MaxAttempts: resolveInt(*mergeAttempts, "TRICLIP_MERGE_ATTEMPTS"),
		Logger:      logger,
	})
	orchestrator.Start()

	var (
		ledger       billing.LedgerStore = store
		ledgerCloser func(context.Context) error
	)
	if dsn := firstNonEmpty(*ledgerPostgresDSN, os.Getenv("TRICLIP_LEDGER_POSTGRES_DSN"), os.Getenv("DATABASE_URL")); dsn != "" {
		pgLedger, err := billing.NewPostgresLedgerStore(dsn)
		if err != nil {
			logger.Error("failed to open ledger datastore", "error", err)
			os.Exit(1)
		}
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pgLedger.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			logger.Error("failed to prepare ledger schema", "error", err)
			os.Exit(1)
		}
		ledger = pgLedger
		ledgerCloser = pgLedger.Close
		logger.Info("token ledger backed by Postgres")
	}

	var (
		dedup       billing.Deduper
		dedupCloser func() error
	)
	dedupAddr := firstNonEmpty(*dedupRedisAddr, os.Getenv("TRICLIP_DEDUP_REDIS_ADDR"))
	dedupAddrs := splitAndTrim(firstNonEmpty(*dedupRedisAddrs, os.Getenv("TRICLIP_DEDUP_REDIS_ADDRS")))
	if dedupAddr != "" || len(dedupAddrs) > 0 {
		deduper, err := billing.NewRedisDeduper(billing.RedisDedupConfig{
			Addr:       dedupAddr,
			Addrs:      dedupAddrs,
			Username:   firstNonEmpty(*dedupRedisUsername, os.Getenv("TRICLIP_DEDUP_REDIS_USERNAME")),
			Password:   firstNonEmpty(*dedupRedisPassword, os.Getenv("TRICLIP_DEDUP_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*dedupRedisMasterName, os.Getenv("TRICLIP_DEDUP_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*dedupRedisPoolSize, "TRICLIP_DEDUP_REDIS_POOL_SIZE"),
			TTL:        resolveDuration(*dedupRedisTTL, "TRICLIP_DEDUP_REDIS_TTL", 0),
			TLS: billing.RedisTLSConfig{
				CAFile:             firstNonEmpty(*dedupRedisTLSCA, os.Getenv("TRICLIP_DEDUP_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*dedupRedisTLSCert, os.Getenv("TRICLIP_DEDUP_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*dedupRedisTLSKey, os.Getenv("TRICLIP_DEDUP_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*dedupRedisTLSServerName, os.Getenv("TRICLIP_DEDUP_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*dedupRedisTLSSkipVerify, "TRICLIP_DEDUP_REDIS_TLS_SKIP_VERIFY"),
			},
		})
		if err != nil {
			logger.Error("failed to configure webhook dedup cache", "error", err)
			os.Exit(1)
		}
		dedup = deduper
		dedupCloser = deduper.Close
	}

	var processor *billing.Processor
	if secret := firstNonEmpty(*webhookSecret, os.Getenv("TRICLIP_WEBHOOK_SECRET")); secret != "" {
		policy := billing.DefaultDeltaPolicy()
		if tokens := resolveInt64(*renewalTokens, "TRICLIP_RENEWAL_TOKENS"); tokens > 0 {
			policy.SubscriptionRenewalTokens = tokens
		}
		processor, err = billing.NewProcessor(billing.ProcessorConfig{
			Store:  ledger,
			Dedup:  dedup,
			Secret: secret,
			Policy: policy,
			Logger: logger,
		})
		if err != nil {
			logger.Error("failed to configure webhook processor", "error", err)
			os.Exit(1)
		}
	} else if serverMode == "production" {
		logger.Error("production mode requires TRICLIP_WEBHOOK_SECRET")
		os.Exit(1)
	} else {
		logger.Warn("no webhook secret configured, purchase webhooks disabled")
	}

	handler := api.NewHandler(store)
	handler.Uploads = manager
	handler.Merges = orchestrator
	handler.Publisher = publisher
	handler.Billing = processor
	handler.Ledger = ledger
	handler.Logger = logger

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepStop := startExpirySweeper(workerCtx, logging.WithComponent(logger, "upload-sweeper"), manager,
		resolveDuration(*sweepInterval, "TRICLIP_SWEEP_INTERVAL", 5*time.Minute))
	defer sweepStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "TRICLIP_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "TRICLIP_RATE_GLOBAL_BURST"),
		WebhookLimit:  resolveInt(*webhookLimit, "TRICLIP_RATE_WEBHOOK_LIMIT"),
		WebhookWindow: resolveDuration(*webhookWindow, "TRICLIP_RATE_WEBHOOK_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("TRICLIP_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("TRICLIP_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "TRICLIP_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	tlsCfg := server.TLSConfig{
		CertFile: tlsCertPath,
		KeyFile:  tlsKeyPath,
	}

	srv, err := server.New(handler, server.Config{
		Addr:        listenAddr,
		TLS:         tlsCfg,
		RateLimit:   rateCfg,
		Logger:      logger,
		AuditLogger: logging.WithComponent(logger, "audit"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("triclip API listening", "addr", listenAddr, "mode", serverMode)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if err := orchestrator.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop merge workers", "error", err)
	}

	if ledgerCloser != nil {
		if err := ledgerCloser(ctx); err != nil {
			logger.Warn("failed to close ledger datastore", "error", err)
		}
	}

	if dedupCloser != nil {
		if err := dedupCloser(); err != nil {
			logger.Warn("failed to close webhook dedup cache", "error", err)
		}
	}

	logger.Info("server stopped")
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

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePath(flagValue, envKey, fallback string) string {
	if value := firstNonEmpty(flagValue, os.Getenv(envKey)); value != "" {
		return value
	}
	return fallback
}

// resolveSecret enforces an operator-provided secret in production and falls
// back to a fixed development value otherwise so local runs work out of the
// box.
func resolveSecret(flagValue, envKey, mode, purpose string, logger *slog.Logger) (string, error) {
	if secret := firstNonEmpty(flagValue, os.Getenv(envKey)); secret != "" {
		return secret, nil
	}
	if mode == "production" {
		return "", fmt.Errorf("production mode requires %s to be set", envKey)
	}
	logger.Warn("using built-in development secret", "purpose", purpose, "env", envKey)
	return "triclip-development-secret", nil
}

func resolvePublicBase(flagValue, mode, listenAddr string) (string, error) {
	if base := firstNonEmpty(flagValue, os.Getenv("TRICLIP_PUBLIC_BASE")); base != "" {
		parsed, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse public base url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return "", fmt.Errorf("public base url must include scheme and host")
		}
		return base, nil
	}
	if mode == "production" {
		return "", fmt.Errorf("production mode requires TRICLIP_PUBLIC_BASE to be set")
	}
	port := "8080"
	if _, p, err := net.SplitHostPort(listenAddr); err == nil && p != "" {
		port = p
	}
	return fmt.Sprintf("http://127.0.0.1:%s/media", port), nil
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
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
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

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
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
		if value, err := time.ParseDuration(env); err == nil {
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
