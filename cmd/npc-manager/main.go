// Command npc-manager 啟動 NPC 模擬編排服務
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

	"github.com/koopa0/system-design/14-game-relay/internal/config"
	"github.com/koopa0/system-design/14-game-relay/internal/npc"
	"github.com/koopa0/system-design/14-game-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置檔路徑 (YAML)")
	port := flag.Int("port", 0, "服務器端口（覆蓋 npc.port）")
	flag.Parse()

	if err := run(*configPath, *port); err != nil {
		fmt.Fprintf(os.Stderr, "npc-manager: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.NPC.Port = port
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

	service := npc.NewService(cfg, log)
	service.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.NPC.Port),
		Handler:      npc.NewHandler(service, log).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("NPC 編排服務器啟動",
			"port", cfg.NPC.Port,
			"batch_interval", cfg.NPC.BatchInterval,
			"max_simulations", cfg.NPC.MaxSimulations)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			service.Close()
			return fmt.Errorf("服務器啟動失敗: %w", err)
		}
	case <-ctx.Done():
		log.Info("收到關閉信號，開始優雅關閉...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}
	service.Close()

	log.Info("服務器已關閉", "simulations", service.Count())
	return nil
}
