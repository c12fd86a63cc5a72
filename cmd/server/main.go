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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ku-nlp/ChatCollectionFramework/internal"
	"github.com/ku-nlp/ChatCollectionFramework/internal/archive"
	"github.com/ku-nlp/ChatCollectionFramework/internal/archive/migrations"
	"github.com/ku-nlp/ChatCollectionFramework/internal/notify"
	"github.com/ku-nlp/ChatCollectionFramework/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
	)
	flag.Parse()

	// 載入配置
	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		config.Server.Port = *port
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}

	// 設定日誌
	log := logger.New(config.Log.Level, config.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := run(config, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(config *internal.Config, log *slog.Logger) error {
	ctx := context.Background()

	// 逐字稿歸檔
	archiver, closeSinks, err := setupArchiver(ctx, config, log)
	if err != nil {
		return err
	}
	defer closeSinks()

	// 生命週期事件
	var notifier notify.Notifier = notify.Nop{}
	if config.Notify.NATS.Enabled {
		n, err := notify.NewNATSNotifier(config.Notify.NATS.URL, config.Notify.NATS.SubjectPrefix, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		notifier = n
	}

	broker := internal.NewBroker(config, archiver, log, internal.WithNotifier(notifier))
	handler := internal.NewHandler(broker, log)
	wsHub := internal.NewWatchHub(broker, log)

	// 設置路由
	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("GET /ws/rooms/{room_id}", wsHub.ServeWS)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      mux,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("chat broker starting",
			"port", config.Server.Port,
			"experiment_id", config.Chat.ExperimentID,
			"poll_interval", config.Chat.PollInterval,
			"sinks", archiver.Sinks())
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			broker.Stop()
			return err
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		// 給予 30 秒時間完成當前請求（長輪詢最多 poll_interval）
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
		wsHub.Stop()
		broker.Stop()
	}

	log.Info("server stopped")
	return nil
}

// setupArchiver 建立檔案 Sink 與選配的 PostgreSQL / Redis 鏡像
func setupArchiver(ctx context.Context, config *internal.Config, log *slog.Logger) (*archive.Archiver, func(), error) {
	loc, err := config.Location()
	if err != nil {
		return nil, nil, err
	}

	sinks := []archive.Sink{archive.NewFileSink(config.Archive.Dir, loc)}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if pg := config.Archive.Postgres; pg.Enabled {
		// 執行資料庫遷移
		m, err := migrations.New(pg.DSN, log)
		if err != nil {
			return nil, nil, fmt.Errorf("create migrator: %w", err)
		}
		if err := m.Up(); err != nil {
			_ = m.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		_ = m.Close()

		// 使用 pgxpool 而非單一連線
		pgConfig, err := pgxpool.ParseConfig(pg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = pg.MaxConns
		pgConfig.MinConns = pg.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		sinks = append(sinks, archive.NewPostgresSink(pool, loc))
	}

	if rc := config.Archive.Redis; rc.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			closeAll()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		sinks = append(sinks, archive.NewRedisSink(client, archive.RedisSinkOptions{
			KeyPrefix: rc.KeyPrefix,
			TTL:       rc.TTL,
			IndexSize: rc.IndexSize,
			Location:  loc,
		}))
	}

	return archive.New(log, sinks...), closeAll, nil
}
