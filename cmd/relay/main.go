// Command relay 啟動 WebSocket 中繼服務
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

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-game-relay/internal/config"
	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/internal/npc"
	"github.com/koopa0/system-design/14-game-relay/internal/presence"
	"github.com/koopa0/system-design/14-game-relay/internal/relay"
	"github.com/koopa0/system-design/14-game-relay/internal/room"
	"github.com/koopa0/system-design/14-game-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置檔路徑 (YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("初始化日誌失敗: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(log)
	deps := room.Deps{Sender: hub}

	// 房間事件（可選）
	var natsPub *events.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPub, err = events.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return err
		}
		deps.Publisher = natsPub
		log.Info("房間事件發布已啟用", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	// NPC 編排服務（可選）
	var npcClient *npc.Client
	if cfg.NPC.URL != "" {
		npcClient = npc.NewClient(cfg.NPC.URL, cfg.NPC.Timeout, npc.CreateRequest{
			CanvasWidth:  cfg.Room.CanvasWidth,
			CanvasHeight: cfg.Room.CanvasHeight,
			Skill:        cfg.Room.NPCSkill,
		}, log)
		deps.Provisioner = npcClient
		log.Info("NPC 編排服務已設定", "url", cfg.NPC.URL)
	}

	registry := room.NewRegistry(room.OptionsFromConfig(cfg), deps, log)
	gateway := relay.NewGateway(hub, registry, cfg.Relay, log)
	handler := relay.NewHandler(registry, hub, gateway, log)

	// 負載回報（可選）
	reportDone := make(chan struct{})
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		reporter := presence.NewReporter(rdb, cfg.Redis.KeyPrefix, instanceName(cfg.Server.Port),
			cfg.Redis.ReportInterval, func() (int, int) {
				return registry.Stats().RoomCount, hub.Count()
			}, log)
		go func() {
			defer close(reportDone)
			reporter.Run(ctx)
		}()
		log.Info("負載回報已啟用", "addr", cfg.Redis.Addr, "key", reporter.Key())
	} else {
		close(reportDone)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("中繼服務器啟動",
			"port", cfg.Server.Port,
			"mass_capacity", cfg.Room.MassCapacity,
			"log_level", cfg.Log.Level)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("服務器啟動失敗: %w", err)
		}
	case <-ctx.Done():
		log.Info("收到關閉信號，開始優雅關閉...")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接；已升級的 WebSocket 由 hub 關閉
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}
	hub.Close()
	registry.Close()

	if npcClient != nil {
		npcClient.Wait()
	}
	if natsPub != nil {
		if err := natsPub.Close(); err != nil {
			log.Warn("關閉 NATS 連接失敗", "error", err)
		}
	}
	<-reportDone

	log.Info("服務器已關閉")
	return nil
}

// instanceName 負載回報使用的實例名稱
func instanceName(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, port)
}
