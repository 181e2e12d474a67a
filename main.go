package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/config"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/events"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/ingest"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/notify"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/service"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/trust"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/worker"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	load := func() (*config.Config, error) {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		if lvl, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
			log.SetLevel(lvl)
		} else {
			log.Warnf("unknown log level %q, keeping %s", cfg.Server.LogLevel, log.GetLevel())
		}
		return cfg, nil
	}

	root := &cobra.Command{
		Use:          "paymentproxyservice",
		Short:        "Payment proxy between Store A checkouts and PayPal",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./config/config.yaml)")

	root.AddCommand(serveCmd(load))
	root.AddCommand(migrateCmd(load))
	root.AddCommand(signCmd(load))
	return root
}

type configLoader func() (*config.Config, error)

func serveCmd(load configLoader) *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cfg, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "migrate the schema before serving")
	return cmd
}

func migrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := initDB(cfg)
			if err != nil {
				return err
			}
			if err := repository.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("schema is up to date")
			return nil
		},
	}
}

func signCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sign <store-id>",
		Short: "Print an auth token for a registered store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tm, err := newTrustManager(cfg)
			if err != nil {
				return err
			}
			token, err := tm.Generate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newTrustManager(cfg *config.Config) (*trust.Manager, error) {
	stores, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	version, err := cfg.TokenVersion()
	if err != nil {
		return nil, err
	}
	return trust.NewManager(stores, trust.WithWindow(cfg.Trust.Window), trust.WithVersion(version)), nil
}

func runServe(cfg *config.Config, autoMigrate bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	// 1. Telemetry
	shutdownTelemetry, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnf("telemetry disabled: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	// 2. Store registry + trust
	stores, err := cfg.Registry()
	if err != nil {
		return err
	}
	if stores.Len() == 0 {
		log.Warn("no Store A registered; every authenticated call will be refused")
	}
	tm, err := newTrustManager(cfg)
	if err != nil {
		return err
	}

	// 3. MySQL
	db, err := initDB(cfg)
	if err != nil {
		return err
	}
	if autoMigrate {
		if err := repository.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	orders := repository.NewOrderRepo(db)
	notifications := repository.NewNotificationRepo(db)

	// 4. Redis (optional): cross-instance create lock + rate limiter
	var (
		locker  service.Locker
		limiter *Limiter
	)
	if rdb := initRedis(cfg.Redis); rdb != nil {
		defer rdb.Close()
		locker = repository.NewRedisLock(rdb)
		limiter = NewRedisLimiter(rdb, log)
	}

	// 5. RocketMQ (optional): status events
	var mq events.MQProducer
	if len(cfg.RocketMQ.NameServers) > 0 {
		p, err := rocketmq.NewProducer(
			producer.WithNameServer(cfg.RocketMQ.NameServers),
			producer.WithGroupName(cfg.RocketMQ.GroupName),
			producer.WithRetry(cfg.RocketMQ.Retry),
		)
		if err != nil {
			return fmt.Errorf("failed to create producer: %w", err)
		}
		if err := p.Start(); err != nil {
			return fmt.Errorf("failed to start producer: %w", err)
		}
		defer p.Shutdown()
		mq = p
	} else {
		log.Info("rocketmq not configured, status events disabled")
	}
	publisher := events.NewPublisher(mq, cfg.RocketMQ.Topic, log)

	// 6. Gateway, dispatcher, orchestrator, ingestion
	gateway := client.NewPayPalClient(cfg.GatewayConfig(), log)
	dispatcher := notify.NewDispatcher(stores, tm, notifications, notify.Options{
		Path:            cfg.Notify.Path,
		Timeout:         cfg.Notify.Timeout,
		MaxTries:        cfg.Notify.MaxTries,
		InitialInterval: cfg.Notify.InitialInterval,
		MaxInterval:     cfg.Notify.MaxInterval,
		RedeliveryDelay: cfg.Notify.RedeliveryDelay,
	}, log)
	svc := service.NewProxyService(orders, gateway, dispatcher, publisher, locker, stores, service.Options{
		PublicBaseURL:   cfg.Server.PublicBaseURL,
		BrandName:       cfg.Gateway.BrandName,
		CaptureOnReturn: cfg.Gateway.CaptureOnReturn,
	}, log)
	ingestor := ingest.NewIngestor(gateway, svc, log)

	// 7. Workers
	redelivery := worker.NewRedeliveryWorker(notifications, dispatcher, worker.RedeliveryConfig{
		Interval:    cfg.Notify.RedeliveryInterval,
		BatchSize:   cfg.Notify.BatchSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
		BaseDelay:   cfg.Notify.RedeliveryDelay,
		MaxDelay:    cfg.Notify.RedeliveryMaxDelay,
	}, log)
	go redelivery.Start(ctx, wg)

	if cfg.Reconcile.Enabled {
		reconcile := worker.NewReconcileWorker(orders, svc, worker.ReconcileConfig{
			Interval:    cfg.Reconcile.Interval,
			StaleAfter:  cfg.Reconcile.StaleAfter,
			BatchSize:   cfg.Reconcile.BatchSize,
			Concurrency: cfg.Reconcile.Concurrency,
			MaxAttempts: cfg.Reconcile.MaxAttempts,
			BaseDelay:   cfg.Reconcile.BaseDelay,
			MaxDelay:    cfg.Reconcile.MaxDelay,
		}, log)
		go reconcile.Start(ctx, wg)
	}

	// 8. HTTP
	ps := newProxyServer(svc, ingestor, tm, stores, limiter, cfg)
	srv := &http.Server{
		Addr:         config.GetServerAddr(cfg),
		Handler:      ps.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("PaymentProxyService started on %s (%s mode, %d stores)", srv.Addr, cfg.Gateway.Mode, stores.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case <-sigCh:
		log.Info("Gracefully shutting down...")
	case serveErr = <-errCh:
		log.Errorf("server failed: %v", serveErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	// Notify workers to stop
	cancel()
	// Wait for workers to cleanup
	wg.Wait()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warnf("telemetry shutdown: %v", err)
	}
	return serveErr
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(config.GetDbConnString(cfg)), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to initialize otelgorm plugin: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
	log.Info("connected to mysql")
	return db, nil
}

// initRedis returns nil when Redis is not configured or unreachable; the
// service then runs with in-process create dedup and no rate limit.
func initRedis(cfg config.Redis) redis.UniversalClient {
	var rdb *redis.Client
	if len(cfg.SentinelAddrs) > 0 {
		// [模式 A] 哨兵模式
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %v", cfg.SentinelAddrs)
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	} else if cfg.Addr != "" {
		// [模式 B] 单机模式
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", cfg.Addr)
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	} else {
		log.Info("redis not configured, create lock and rate limiter disabled")
		return nil
	}
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		log.Warnf("redis tracing not installed: %v", err)
	}

	// 带重试的 Redis 连接
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			log.Info("connected to redis")
			return rdb
		}
		if i == maxRetries-1 {
			log.Warnf("failed to connect to redis after %d retries: %v, create lock and rate limiter disabled", maxRetries, err)
			break
		}
		backoff := time.Duration(1<<i) * time.Second
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		time.Sleep(backoff)
	}
	rdb.Close()
	return nil
}
