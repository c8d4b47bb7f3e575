package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/EthanQC/fieldsync/pkg/scheduler"
	"github.com/EthanQC/fieldsync/pkg/zlog"
	httpAdapter "github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/in/http"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/position"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/rest"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/store"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/token"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/ws"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/application"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/config"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/channel"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，为空时按 APP_ENV 查找 configs/config.<env>.yaml")
	flag.Parse()

	// 加载配置
	cfg, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 指标与日志
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	zlog.RegisterMetrics(reg)
	syncLog := zlog.MustInitGlobal(cfg.Log)
	defer syncLog()

	logger := zap.L()
	logger.Info("field agent starting",
		zap.String("env", os.Getenv("APP_ENV")),
		zap.String("user", cfg.User.ID),
		zap.String("backend", cfg.Backend.BaseURL),
	)

	if err := run(cfg, reg); err != nil {
		logger.Fatal("field agent failed", zap.Error(err))
	}
	logger.Info("Server exited properly")
}

func run(cfg *config.Config, reg *prometheus.Registry) error {
	logger := zap.L()

	tokens, err := token.New(cfg.User.Token, cfg.User.TokenFile)
	if err != nil {
		return fmt.Errorf("init token: %w", err)
	}

	queueStore, err := store.Open(cfg.Queue.Driver, cfg.Queue.DSN, cfg.Queue.Path)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer queueStore.Close()
	logger.Info("queue store ready", zap.String("driver", cfg.Queue.Driver))

	backoff, err := channel.NewBackoff(cfg.Channel.Reconnect.BackoffConfig)
	if err != nil {
		return err
	}
	channelURL, err := application.ChannelURL(cfg.Channel.URL, cfg.User.ID)
	if err != nil {
		return fmt.Errorf("channel url: %w", err)
	}

	client := rest.NewClient(cfg.Backend.BaseURL, cfg.User.ID, cfg.Backend.Timeout, tokens)
	dialer := ws.NewDialer(ws.DialerConfig{
		URL:              channelURL,
		HandshakeTimeout: cfg.Channel.DialTimeout,
		WriteWait:        cfg.Channel.WriteTimeout,
		PongWait:         cfg.Channel.PongWait,
		PingPeriod:       cfg.Channel.PingInterval,
	})

	self := application.SelfIdentity{UserID: cfg.User.ID, UserName: cfg.User.Name, Role: cfg.User.Role}
	sched := scheduler.New()
	defer sched.Stop()

	agent := application.NewAgent(application.AgentConfig{
		Self:       self,
		ProjectIDs: cfg.User.ProjectIDs,
		Channel: application.ChannelManagerConfig{
			UserID:      cfg.User.ID,
			ProjectIDs:  cfg.User.ProjectIDs,
			Backoff:     backoff,
			MaxRetries:  cfg.Channel.Reconnect.MaxRetries,
			DialTimeout: cfg.Channel.DialTimeout,
		},
		Sampler: application.SamplerConfig{
			Mode:         cfg.Sampler.Mode,
			Interval:     cfg.Sampler.Interval,
			Timeout:      cfg.Sampler.Timeout,
			MaxCachedAge: cfg.Sampler.MaxCachedAge,
			HighAccuracy: cfg.Sampler.HighAccuracy,
		},
		Aggregator: application.AggregatorConfig{
			StaleAfter:    cfg.Presence.StaleAfter,
			SweepInterval: cfg.Presence.SweepInterval,
		},
		Prober: application.ProberConfig{
			Interval: cfg.Prober.Interval,
			Timeout:  cfg.Prober.Timeout,
		},
		SyncInterval: cfg.Sync.Interval,
		Heartbeat:    cfg.Presence.Heartbeat,
		RESTTimeout:  cfg.Backend.Timeout,
	}, application.AgentPorts{
		Dialer:   dialer,
		Tokens:   tokens,
		Position: positionSource(cfg),
		Health:   client,
		Store:    queueStore,
		Replayer: client,
		Backend:  client,
	}, sched, application.NewMetrics(reg))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Channel.DialTimeout)
	err = agent.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer agent.Stop()
	if len(cfg.User.ProjectIDs) > 0 {
		agent.SelectProject(cfg.User.ProjectIDs[0])
	}

	// 本地状态 API
	if os.Getenv("APP_ENV") != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.LocalAddr,
		Handler:           httpAdapter.NewRouter(agent, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("local status api listening", zap.String("addr", cfg.HTTP.LocalAddr))
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
		return fmt.Errorf("local status api: %w", err)
	}
	logger.Info("Shutting down field agent...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("local status api shutdown", zap.Error(err))
	}
	return nil
}

func positionSource(cfg *config.Config) out.PositionSource {
	if cfg.Sampler.Source == "gpsd" {
		return position.NewGPSD(cfg.Sampler.GPSDAddr)
	}
	every := time.Duration(0)
	if cfg.Sampler.Mode == entity.ModeContinuous {
		every = cfg.Sampler.Interval
	}
	return &position.Static{
		Coordinates: entity.Coordinates{Lat: cfg.Sampler.Static.Lat, Lng: cfg.Sampler.Static.Lng},
		Accuracy:    cfg.Sampler.Static.Accuracy,
		Every:       every,
	}
}
