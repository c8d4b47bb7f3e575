package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	httpAdapter "github.com/EthanQC/fieldsync/services/site_hub/internal/adapters/in/http"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/adapters/in/ws"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/adapters/out/aliyun"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/adapters/out/kafka"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/adapters/out/minio"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/adapters/out/mysql"
	redisAdapter "github.com/EthanQC/fieldsync/services/site_hub/internal/adapters/out/redis"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/application"
	"github.com/EthanQC/fieldsync/services/site_hub/internal/config"
	"github.com/EthanQC/fieldsync/services/site_hub/pkg/jwt"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，为空时按 APP_ENV 查找 configs/config.<env>.yaml")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: site_hub [-config path] [token -user id -name name -role role]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 签发开发用 token
	if flag.Arg(0) == "token" {
		if err := issueToken(cfg, flag.Args()[1:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	// 指标与日志
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	zlog.RegisterMetrics(reg)
	syncLog := zlog.MustInitGlobal(cfg.Log)
	defer syncLog()

	logger := zap.L()
	logger.Info("site hub starting",
		zap.String("env", os.Getenv("APP_ENV")),
		zap.String("addr", cfg.Server.Addr),
		zap.String("database", cfg.Database.Driver),
	)

	if err := run(cfg, reg); err != nil {
		logger.Fatal("site hub failed", zap.Error(err))
	}
	logger.Info("Server exited properly")
}

func issueToken(cfg *config.Config, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "用户 id")
	name := fs.String("name", "", "显示名")
	role := fs.String("role", string(protocol.RoleLabour), "manager|foreman|labour")
	ttl := fs.Duration("ttl", cfg.JWT.TTL, "有效期")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("token: -user is required")
	}
	if !protocol.Role(*role).Valid() {
		return fmt.Errorf("token: unknown role %q", *role)
	}
	tok, err := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer).Generate(*userID, *name, protocol.Role(*role), *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}

func run(cfg *config.Config, reg *prometheus.Registry) error {
	logger := zap.L()
	ctx := context.Background()

	// Redis 在线人员
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	presenceStore := redisAdapter.NewPresenceStore(rdb, cfg.Presence.TTL)

	// 上报仓储
	db, err := mysql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	repo, err := mysql.NewFieldRepository(db)
	if err != nil {
		return err
	}

	deps := application.FieldDeps{Repo: repo}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := kafka.NewPublisher(cfg.Kafka.Brokers)
		defer publisher.Close()
		deps.Events = publisher
		logger.Info("kafka publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	if cfg.ImagesEnabled() {
		images, err := minio.NewImageStore(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.PublicURL, cfg.MinIO.UseSSL)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = images.EnsureBucket(bucketCtx, cfg.MinIO.Region)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		deps.Images = images
		logger.Info("image store enabled", zap.String("bucket", cfg.MinIO.Bucket))
	}

	if cfg.SMSEnabled() {
		alerter, err := aliyun.NewSMSAlerter(cfg.SMS.Region, cfg.SMS.AccessKeyID, cfg.SMS.AccessKeySecret, cfg.SMS.SignName, cfg.SMS.TemplateCode, cfg.SMS.Phones)
		if err != nil {
			return fmt.Errorf("init sms: %w", err)
		}
		deps.Alerter = alerter
		logger.Info("emergency sms enabled", zap.Int("phones", len(cfg.SMS.Phones)))
	}

	// 长连接与用例
	tokens := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	hub := ws.NewHub(tokens, reg)
	defer hub.Close()

	presence := application.NewPresenceService(presenceStore, hub)
	hub.SetPresence(presence)
	deps.Bus = hub
	deps.Presence = presence
	field := application.NewFieldService(deps)
	thread := application.NewThreadService(hub)

	janitor := application.NewJanitor(presenceStore, hub, cfg.Presence.SweepInterval, cfg.Presence.TTL)
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	limiter := httpAdapter.NewRateLimiter(cfg.Server.RateLimitQPS, cfg.Server.RateLimitBurst)
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stopCleanup:
				return
			case <-ticker.C:
				limiter.Cleanup(30 * time.Minute)
			}
		}
	}()

	if os.Getenv("APP_ENV") != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpAdapter.NewRouter(httpAdapter.Deps{
			Tokens:   tokens,
			Presence: presence,
			Field:    field,
			Thread:   thread,
			Channel:  hub,
			Limiter:  limiter,
			Gatherer: reg,
			Timeout:  cfg.Server.RequestTimeout,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("site hub listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("Shutting down site hub...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	return nil
}
