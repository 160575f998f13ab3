// Package config 載入中繼服務與 NPC 編排服務的配置
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/physics"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Relay   RelayConfig    `yaml:"relay"`
	Room    RoomConfig     `yaml:"room"`
	Physics physics.Config `yaml:"physics"`
	NPC     NPCConfig      `yaml:"npc"`
	NATS    NATSConfig     `yaml:"nats"`
	Redis   RedisConfig    `yaml:"redis"`
	Log     LogConfig      `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RelayConfig WebSocket 中繼配置
type RelayConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // 空表示不檢查
}

// RoomConfig 房間與大規模模式配置
type RoomConfig struct {
	MassCapacity      int           `yaml:"mass_capacity"`
	CountdownSeconds  int           `yaml:"countdown_seconds"`
	AutoStartGrace    time.Duration `yaml:"auto_start_grace"` // 0 表示只由房主開始
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	TicksPerBatch     int           `yaml:"ticks_per_batch"`
	WinScore          int           `yaml:"win_score"`
	AttackMultiplier  float64       `yaml:"attack_multiplier"`
	CanvasWidth       float64       `yaml:"canvas_width"`
	CanvasHeight      float64       `yaml:"canvas_height"`
	NPCSkill          float64       `yaml:"npc_skill"`
}

// NPCConfig NPC 編排服務配置
//
// URL 給中繼服務當客戶端使用；Port 之後的欄位給 npc-manager 自己使用。
type NPCConfig struct {
	URL            string        `yaml:"url"` // 空表示不呼叫編排服務
	Timeout        time.Duration `yaml:"timeout"`
	Port           int           `yaml:"port"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
	TicksPerBatch  int           `yaml:"ticks_per_batch"`
	MaxSimulations int           `yaml:"max_simulations"`
}

// NATSConfig 房間事件發布配置
type NATSConfig struct {
	URL           string `yaml:"url"` // 空表示不發布
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RedisConfig 負載回報配置
type RedisConfig struct {
	Addr           string        `yaml:"addr"` // 空表示不回報
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Default 返回預設配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 64 * 1024,
			SendBuffer:     256,
			JoinTimeout:    5 * time.Second,
		},
		Room: RoomConfig{
			MassCapacity:      42,
			CountdownSeconds:  3,
			AutoStartGrace:    0,
			SweepInterval:     30 * time.Second,
			BroadcastInterval: 100 * time.Millisecond,
			TicksPerBatch:     100,
			WinScore:          5,
			AttackMultiplier:  2.0,
			CanvasWidth:       300,
			CanvasHeight:      400,
			NPCSkill:          0.7,
		},
		Physics: physics.DefaultConfig(),
		NPC: NPCConfig{
			Timeout:        5 * time.Second,
			Port:           8090,
			BatchInterval:  100 * time.Millisecond,
			TicksPerBatch:  100,
			MaxSimulations: 1000,
		},
		NATS: NATSConfig{
			SubjectPrefix: "pong42",
		},
		Redis: RedisConfig{
			KeyPrefix:      "pong42:relay",
			ReportInterval: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load 讀取 YAML 配置並套用環境變數覆蓋
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 環境變數覆蓋（部署環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse RELAY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("NPC_MANAGER_URL"); v != "" {
		c.NPC.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate 檢查配置，錯誤時啟動應直接失敗
func (c *Config) Validate() error {
	invalid := func(field string) error {
		return apperrors.ErrInvalidConfig.WithDetails(field)
	}

	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return invalid("server.port")
	case c.Relay.PingInterval <= 0 || c.Relay.PongWait <= c.Relay.PingInterval:
		return invalid("relay.ping_interval must be shorter than relay.pong_wait")
	case c.Relay.SendBuffer <= 0:
		return invalid("relay.send_buffer")
	case c.Relay.MaxMessageSize <= 0:
		return invalid("relay.max_message_size")
	case c.Relay.JoinTimeout <= 0:
		return invalid("relay.join_timeout")
	case c.Room.MassCapacity <= 0:
		return invalid("room.mass_capacity")
	case c.Room.CountdownSeconds < 0:
		return invalid("room.countdown_seconds")
	case c.Room.SweepInterval <= 0:
		return invalid("room.sweep_interval")
	case c.Room.BroadcastInterval <= 0 || c.Room.TicksPerBatch <= 0:
		return invalid("room.broadcast_interval / room.ticks_per_batch")
	case c.Room.WinScore <= 0:
		return invalid("room.win_score")
	case c.Room.AttackMultiplier < 1:
		return invalid("room.attack_multiplier")
	case c.Room.CanvasWidth <= 0 || c.Room.CanvasHeight <= 0:
		return invalid("room.canvas_width / room.canvas_height")
	case c.NPC.Timeout <= 0:
		return invalid("npc.timeout")
	case c.NPC.BatchInterval <= 0 || c.NPC.TicksPerBatch <= 0:
		return invalid("npc.batch_interval / npc.ticks_per_batch")
	case c.Redis.Addr != "" && c.Redis.ReportInterval <= 0:
		return invalid("redis.report_interval")
	}

	if err := c.Physics.Validate(); err != nil {
		return err
	}

	// 畫布必須放得下球拍與球：試建一個引擎，啟動時就失敗而不是在加入房間時
	if _, err := physics.New(c.Room.CanvasWidth, c.Room.CanvasHeight, c.Physics); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "room canvas does not fit physics geometry")
	}
	return nil
}
