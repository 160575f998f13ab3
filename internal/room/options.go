package room

import (
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/config"
	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/internal/physics"
)

// Options 房間行為參數
type Options struct {
	MassCapacity      int
	CountdownSeconds  int
	AutoStartGrace    time.Duration
	SweepInterval     time.Duration
	BroadcastInterval time.Duration
	TicksPerBatch     int
	WinScore          int
	AttackMultiplier  float64
	CanvasWidth       float64
	CanvasHeight      float64
	NPCSkill          float64
	Physics           physics.Config
}

// OptionsFromConfig 從應用配置取出房間參數
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MassCapacity:      cfg.Room.MassCapacity,
		CountdownSeconds:  cfg.Room.CountdownSeconds,
		AutoStartGrace:    cfg.Room.AutoStartGrace,
		SweepInterval:     cfg.Room.SweepInterval,
		BroadcastInterval: cfg.Room.BroadcastInterval,
		TicksPerBatch:     cfg.Room.TicksPerBatch,
		WinScore:          cfg.Room.WinScore,
		AttackMultiplier:  cfg.Room.AttackMultiplier,
		CanvasWidth:       cfg.Room.CanvasWidth,
		CanvasHeight:      cfg.Room.CanvasHeight,
		NPCSkill:          cfg.Room.NPCSkill,
		Physics:           cfg.Physics,
	}
}

// DefaultOptions 預設房間參數
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// Deps 房間的外部依賴
//
// 未設定的 Provisioner/Publisher 會換成不做事的實現；Sender 必須提供。
type Deps struct {
	Sender      Sender
	Provisioner Provisioner
	Publisher   events.Publisher
}

func (d Deps) withDefaults() Deps {
	if d.Provisioner == nil {
		d.Provisioner = nopProvisioner{}
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return d
}

type nopProvisioner struct{}

func (nopProvisioner) ProvisionAsync(string, int) {}
func (nopProvisioner) StopRoomAsync(string)       {}
