package npc

import (
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-game-relay/internal/config"
	"github.com/koopa0/system-design/14-game-relay/internal/physics"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
)

// simulation 一局背景 NPC 對戰
type simulation struct {
	id        string
	roomID    string
	slot      int
	engine    *physics.Engine
	left      *physics.AI
	right     *physics.AI
	createdAt time.Time
}

// boost 排隊中的加速命令
type boost struct {
	id         string
	multiplier float64
	duration   time.Duration
}

// Service NPC 編排服務
//
// 並發模型與房間相同：模擬表由一把 Mutex 保護，
// 加速命令先排隊，由批次迴圈在鎖內套用，引擎永遠只有一個寫者。
type Service struct {
	sims   map[string]*simulation
	mu     sync.Mutex
	boosts chan boost
	rng    *rand.Rand

	cfg     config.NPCConfig
	room    config.RoomConfig
	physics physics.Config
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService 創建編排服務（不啟動批次迴圈）
func NewService(cfg *config.Config, logger *slog.Logger) *Service {
	seed := cfg.Physics.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		sims:    make(map[string]*simulation),
		boosts:  make(chan boost, 1024),
		rng:     rand.New(rand.NewSource(seed)),
		cfg:     cfg.NPC,
		room:    cfg.Room,
		physics: cfg.Physics,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動批次迴圈
func (s *Service) Start() {
	s.wg.Add(1)
	go s.runLoop()
}

func (s *Service) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunBatch()
		case <-s.stopCh:
			return
		}
	}
}

// Create 建立一局模擬
func (s *Service) Create(req CreateRequest) (string, error) {
	width, height := req.CanvasWidth, req.CanvasHeight
	if width == 0 && height == 0 {
		width, height = s.room.CanvasWidth, s.room.CanvasHeight
	}
	skill := req.Skill
	if skill == 0 {
		skill = s.room.NPCSkill
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sims) >= s.cfg.MaxSimulations {
		return "", apperrors.New(apperrors.ErrCodeUnavailable, "simulation capacity reached").
			WithDetails(fmt.Sprintf("max %d", s.cfg.MaxSimulations))
	}

	cfg := s.physics
	cfg.Seed = req.Seed
	if cfg.Seed == 0 {
		cfg.Seed = s.rng.Int63() | 1
	}
	engine, err := physics.New(width, height, cfg)
	if err != nil {
		return "", err
	}

	sim := &simulation{
		id:        uuid.NewString(),
		roomID:    req.RoomID,
		slot:      req.Slot,
		engine:    engine,
		left:      physics.NewAI(physics.SidePlayer1, skill, cfg.Seed+1),
		right:     physics.NewAI(physics.SidePlayer2, skill, cfg.Seed+2),
		createdAt: time.Now(),
	}
	s.sims[sim.id] = sim

	s.logger.Info("模擬已創建",
		"simulation_id", sim.id,
		"room_id", sim.roomID,
		"slot", sim.slot)

	return sim.id, nil
}

// Get 返回模擬狀態
func (s *Service) Get(id string) (SimulationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.sims[id]
	if !ok {
		return SimulationState{}, apperrors.ErrSimulationNotFound
	}
	return sim.snapshot(), nil
}

func (sim *simulation) snapshot() SimulationState {
	return SimulationState{
		ID:        sim.id,
		RoomID:    sim.roomID,
		Slot:      sim.slot,
		CreatedAt: sim.createdAt,
		State:     sim.engine.State(),
	}
}

// SpeedBoost 排入加速命令，返回實際的目標
//
// id 為 RandomTarget 時從 exclude 以外的模擬中隨機挑一個。
func (s *Service) SpeedBoost(id string, req BoostRequest) (string, error) {
	if req.Multiplier < 1 {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "multiplier must be >= 1")
	}

	s.mu.Lock()
	target, err := s.resolveLocked(id, req.Exclude)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	select {
	case s.boosts <- boost{id: target, multiplier: req.Multiplier, duration: req.duration()}:
		return target, nil
	default:
		return "", apperrors.New(apperrors.ErrCodeUnavailable, "boost queue is full")
	}
}

func (s *Service) resolveLocked(id, exclude string) (string, error) {
	if id != RandomTarget {
		if _, ok := s.sims[id]; !ok {
			return "", apperrors.ErrSimulationNotFound
		}
		return id, nil
	}

	candidates := make([]string, 0, len(s.sims))
	for simID := range s.sims {
		if simID != exclude {
			candidates = append(candidates, simID)
		}
	}
	if len(candidates) == 0 {
		return "", apperrors.ErrSimulationNotFound.WithDetails("no simulation to target")
	}
	// map 迭代順序不固定，排序後再抽樣才可重現
	slices.Sort(candidates)
	return candidates[s.rng.Intn(len(candidates))], nil
}

// Delete 刪除模擬
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sims[id]; !ok {
		return apperrors.ErrSimulationNotFound
	}
	delete(s.sims, id)
	s.logger.Info("模擬已刪除", "simulation_id", id)
	return nil
}

// StopRoom 刪除某個房間的所有模擬，返回刪除數量
func (s *Service) StopRoom(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, sim := range s.sims {
		if sim.roomID == roomID {
			delete(s.sims, id)
			deleted++
		}
	}

	s.logger.Info("房間模擬已停止", "room_id", roomID, "deleted", deleted)
	return deleted
}

// Count 目前的模擬數
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sims)
}

// RunBatch 套用排隊的加速，推進每一局 TicksPerBatch 個 tick
func (s *Service) RunBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainBoostsLocked()

	for _, sim := range s.sims {
		for i := 0; i < s.cfg.TicksPerBatch; i++ {
			sim.left.Drive(sim.engine)
			sim.right.Drive(sim.engine)
			sim.engine.Tick()
		}
	}
}

func (s *Service) drainBoostsLocked() {
	for {
		select {
		case b := <-s.boosts:
			if sim, ok := s.sims[b.id]; ok {
				sim.engine.ApplySpeedAttack(b.multiplier, b.duration)
			}
		default:
			return
		}
	}
}

// Close 停止批次迴圈
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
