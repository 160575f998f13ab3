// Package physics 實現單局 Pong 的確定性物理模擬
//
// 系統設計問題：
//
//	一個房間同時跑數十局 NPC 對戰，如何讓每一局的模擬結果不受網路抖動影響？
//
// 核心挑戰：
//  1. 確定性：相同種子 + 相同輸入 → 相同結果
//  2. 數值穩定：反覆加速不能讓方向漂移
//  3. 穿透：高速球一個 tick 可能跨過整塊球拍
//
// 設計方案：
//
//	✅ 虛擬時鐘：每次 Tick 前進固定 TickDuration，與牆上時間無關
//	✅ 速度 = 單位方向 × baseSpeed × 倍率（每次重新推導，不累乘）
//	✅ 掃掠碰撞：檢查球是否在這個 tick 內越過球拍正面
//
// Engine 不是併發安全的：同一時間只能有一個寫者（房間的模擬迴圈）。
package physics

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
)

// UntilScore 表示攻擊效果持續到被攻擊的對局下一次得分
const UntilScore time.Duration = -1

// Side 球拍所屬的一方
type Side int

const (
	SidePlayer1 Side = 1 // 左側
	SidePlayer2 Side = 2 // 右側
)

func (s Side) String() string {
	switch s {
	case SidePlayer1:
		return "player1"
	case SidePlayer2:
		return "player2"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// MarshalText 讓 Side 以 "player1"/"player2" 序列化
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config 物理參數
type Config struct {
	BallRadius     float64       `yaml:"ball_radius"`
	PaddleWidth    float64       `yaml:"paddle_width"`
	PaddleHeight   float64       `yaml:"paddle_height"`
	PaddleMargin   float64       `yaml:"paddle_margin"`
	PaddleSpeed    float64       `yaml:"paddle_speed"`     // 每 tick 最大移動距離
	BaseSpeed      float64       `yaml:"base_speed"`       // 每 tick 位移
	HitSpeedup     float64       `yaml:"hit_speedup"`      // 每次擊球增加的倍率
	MaxMultiplier  float64       `yaml:"max_multiplier"`   // 一般情況的倍率上限
	AttackCap      float64       `yaml:"attack_cap"`       // 攻擊效果期間的倍率上限
	MaxBounceAngle float64       `yaml:"max_bounce_angle"` // 度
	LaunchAngle    float64       `yaml:"launch_angle"`     // 度，發球角度範圍 ±LaunchAngle
	TickDuration   time.Duration `yaml:"tick_duration"`
	Seed           int64         `yaml:"seed"` // 0 表示使用目前時間
}

// DefaultConfig 返回預設物理參數
func DefaultConfig() Config {
	return Config{
		BallRadius:     5,
		PaddleWidth:    10,
		PaddleHeight:   60,
		PaddleMargin:   10,
		PaddleSpeed:    6,
		BaseSpeed:      4,
		HitSpeedup:     0.15,
		MaxMultiplier:  4.0,
		AttackCap:      8.0,
		MaxBounceAngle: 60,
		LaunchAngle:    30,
		TickDuration:   time.Second / 60,
	}
}

// Validate 檢查參數
func (c Config) Validate() error {
	switch {
	case c.BallRadius <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("ball_radius must be positive")
	case c.PaddleWidth <= 0 || c.PaddleHeight <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("paddle size must be positive")
	case c.PaddleSpeed <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("paddle_speed must be positive")
	case c.BaseSpeed <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("base_speed must be positive")
	case c.MaxMultiplier < 1:
		return apperrors.ErrInvalidConfig.WithDetails("max_multiplier must be >= 1")
	case c.AttackCap < c.MaxMultiplier:
		return apperrors.ErrInvalidConfig.WithDetails("attack_cap must be >= max_multiplier")
	case c.MaxBounceAngle <= 0 || c.MaxBounceAngle >= 90:
		return apperrors.ErrInvalidConfig.WithDetails("max_bounce_angle must be in (0, 90)")
	case c.LaunchAngle < 0 || c.LaunchAngle >= 90:
		return apperrors.ErrInvalidConfig.WithDetails("launch_angle must be in [0, 90)")
	case c.TickDuration <= 0:
		return apperrors.ErrInvalidConfig.WithDetails("tick_duration must be positive")
	}
	return nil
}

// Ball 球
type Ball struct {
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	VX              float64 `json:"velocityX"`
	VY              float64 `json:"velocityY"`
	Radius          float64 `json:"radius"`
	SpeedMultiplier float64 `json:"speedMultiplier"`
}

// Speed 速度大小
func (b Ball) Speed() float64 {
	return math.Hypot(b.VX, b.VY)
}

// Paddle 球拍（AABB）
type Paddle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenterY 球拍中心的 y
func (p Paddle) CenterY() float64 {
	return p.Y + p.Height/2
}

// Score 比分
type Score struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

// Attack 攻擊效果
type Attack struct {
	Active     bool          `json:"active"`
	Multiplier float64       `json:"multiplier,omitempty"`
	UntilScore bool          `json:"untilScore,omitempty"`
	ExpiresAt  time.Duration `json:"expiresAt,omitempty"` // 虛擬時間
}

// State 某一時刻的快照（值類型，修改不影響引擎）
type State struct {
	Width    float64       `json:"width"`
	Height   float64       `json:"height"`
	Ball     Ball          `json:"ball"`
	Paddle1  Paddle        `json:"paddle1"`
	Paddle2  Paddle        `json:"paddle2"`
	Score    Score         `json:"score"`
	HitCount int           `json:"hitCount"`
	Attack   Attack        `json:"attackEffect"`
	Tick     uint64        `json:"tick"`
	Now      time.Duration `json:"now"`
}

// ScoreEvent 得分事件
type ScoreEvent struct {
	Scorer Side   `json:"scorer"`
	Score  Score  `json:"score"`
	Tick   uint64 `json:"tick"`
}

// Engine 單局物理引擎
type Engine struct {
	cfg    Config
	width  float64
	height float64

	ball     Ball
	paddle1  Paddle
	paddle2  Paddle
	target1  float64 // 球拍中心目標 y
	target2  float64
	score    Score
	hitCount int
	attack   Attack

	tick uint64
	now  time.Duration
	rng  *rand.Rand
}

// New 創建物理引擎
//
// 畫布尺寸非正數或參數無效時立即失敗。
func New(width, height float64, cfg Config) (*Engine, error) {
	if width <= 0 || height <= 0 || math.IsNaN(width) || math.IsNaN(height) {
		return nil, apperrors.ErrInvalidCanvas.WithDetails(fmt.Sprintf("%vx%v", width, height))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if 2*(cfg.PaddleMargin+cfg.PaddleWidth+cfg.BallRadius) >= width || cfg.PaddleHeight > height || 2*cfg.BallRadius >= height {
		return nil, apperrors.ErrInvalidCanvas.WithDetails("canvas too small for paddles and ball")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	e := &Engine{
		cfg:    cfg,
		width:  width,
		height: height,
		rng:    rand.New(rand.NewSource(seed)),
	}

	paddleY := (height - cfg.PaddleHeight) / 2
	e.paddle1 = Paddle{X: cfg.PaddleMargin, Y: paddleY, Width: cfg.PaddleWidth, Height: cfg.PaddleHeight}
	e.paddle2 = Paddle{X: width - cfg.PaddleMargin - cfg.PaddleWidth, Y: paddleY, Width: cfg.PaddleWidth, Height: cfg.PaddleHeight}
	e.target1 = height / 2
	e.target2 = height / 2

	dir := -1.0
	if e.rng.Intn(2) == 1 {
		dir = 1.0
	}
	e.resetBall(dir)

	return e, nil
}

// Width 畫布寬度
func (e *Engine) Width() float64 { return e.width }

// Height 畫布高度
func (e *Engine) Height() float64 { return e.height }

// Config 物理參數
func (e *Engine) Config() Config { return e.cfg }

// State 返回快照
func (e *Engine) State() State {
	return State{
		Width:    e.width,
		Height:   e.height,
		Ball:     e.ball,
		Paddle1:  e.paddle1,
		Paddle2:  e.paddle2,
		Score:    e.score,
		HitCount: e.hitCount,
		Attack:   e.attack,
		Tick:     e.tick,
		Now:      e.now,
	}
}

// SetPaddleTarget 設定球拍中心的目標位置，下一次 Tick 起以 PaddleSpeed 靠近
func (e *Engine) SetPaddleTarget(side Side, y float64) {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return
	}
	switch side {
	case SidePlayer1:
		e.target1 = y
	case SidePlayer2:
		e.target2 = y
	}
}

// ApplySpeedAttack 施加加速攻擊
//
// d == UntilScore：效果持續到此局下一次得分。
// 否則在虛擬時間 now + d 時失效。
func (e *Engine) ApplySpeedAttack(multiplier float64, d time.Duration) {
	if multiplier < 1 || math.IsNaN(multiplier) {
		multiplier = 1
	}
	e.attack = Attack{
		Active:     true,
		Multiplier: multiplier,
		UntilScore: d == UntilScore,
	}
	if d != UntilScore {
		e.attack.ExpiresAt = e.now + d
	}
	e.applySpeed()
}

// Tick 前進一個虛擬時間步
//
// 返回得分事件（若有）。
func (e *Engine) Tick() (ScoreEvent, bool) {
	e.tick++
	e.now += e.cfg.TickDuration

	if e.attack.Active && !e.attack.UntilScore && e.now >= e.attack.ExpiresAt {
		e.attack = Attack{}
		e.applySpeed()
	}

	e.movePaddle(&e.paddle1, e.target1)
	e.movePaddle(&e.paddle2, e.target2)

	r := e.ball.Radius
	prevX := e.ball.X
	e.ball.X += e.ball.VX
	e.ball.Y += e.ball.VY

	// 上下牆：鏡射位置，速度反向，無能量損失
	if e.ball.Y-r < 0 {
		e.ball.Y = 2*r - e.ball.Y
		e.ball.VY = math.Abs(e.ball.VY)
	} else if e.ball.Y+r > e.height {
		e.ball.Y = 2*(e.height-r) - e.ball.Y
		e.ball.VY = -math.Abs(e.ball.VY)
	}
	e.ball.Y = clamp(e.ball.Y, r, e.height-r)

	// 球拍碰撞：只檢查球正在靠近的那一側
	if e.ball.VX < 0 {
		p := e.paddle1
		face := p.X + p.Width
		if e.ball.X-r <= face && prevX-r >= p.X && e.overlapsY(p) {
			e.bounce(p, 1)
			e.ball.X = face + r
		}
	} else if e.ball.VX > 0 {
		p := e.paddle2
		face := p.X
		if e.ball.X+r >= face && prevX+r <= p.X+p.Width && e.overlapsY(p) {
			e.bounce(p, -1)
			e.ball.X = face - r
		}
	}

	// 出界得分
	switch {
	case e.ball.X < -r:
		return e.scored(SidePlayer2), true
	case e.ball.X > e.width+r:
		return e.scored(SidePlayer1), true
	}

	return ScoreEvent{}, false
}

func (e *Engine) overlapsY(p Paddle) bool {
	return e.ball.Y+e.ball.Radius >= p.Y && e.ball.Y-e.ball.Radius <= p.Y+p.Height
}

// bounce 依擊中位置計算反彈角度
//
// offset ∈ [-1, 1]（相對球拍中心），角度 = offset × MaxBounceAngle。
// dirX 強制水平分量遠離球拍，避免同一塊球拍連續判定兩次。
func (e *Engine) bounce(p Paddle, dirX float64) {
	offset := clamp((e.ball.Y-p.CenterY())/(p.Height/2), -1, 1)
	angle := offset * e.cfg.MaxBounceAngle * math.Pi / 180

	e.hitCount++
	e.ball.SpeedMultiplier = math.Min(1+float64(e.hitCount)*e.cfg.HitSpeedup, e.cfg.MaxMultiplier)
	e.setDirection(dirX*math.Cos(angle), math.Sin(angle))
}

func (e *Engine) scored(scorer Side) ScoreEvent {
	if scorer == SidePlayer1 {
		e.score.Player1++
	} else {
		e.score.Player2++
	}

	if e.attack.Active && e.attack.UntilScore {
		e.attack = Attack{}
	}

	// 發球給失分方
	dir := 1.0
	if scorer == SidePlayer2 {
		dir = -1.0
	}
	e.resetBall(dir)

	return ScoreEvent{Scorer: scorer, Score: e.score, Tick: e.tick}
}

// resetBall 球回到中心，倍率歸 1，擊球數歸 0，隨機發球角度
func (e *Engine) resetBall(dirX float64) {
	e.hitCount = 0
	e.ball = Ball{
		X:               e.width / 2,
		Y:               e.height / 2,
		Radius:          e.cfg.BallRadius,
		SpeedMultiplier: 1.0,
	}
	angle := (e.rng.Float64()*2 - 1) * e.cfg.LaunchAngle * math.Pi / 180
	e.setDirection(dirX*math.Cos(angle), math.Sin(angle))
}

// effectiveMultiplier 當前生效的倍率
func (e *Engine) effectiveMultiplier() float64 {
	m := e.ball.SpeedMultiplier
	if e.attack.Active {
		return math.Min(m*e.attack.Multiplier, e.cfg.AttackCap)
	}
	return math.Min(m, e.cfg.MaxMultiplier)
}

// setDirection 由方向向量重新推導速度，大小永遠是 baseSpeed × 倍率
func (e *Engine) setDirection(dx, dy float64) {
	n := math.Hypot(dx, dy)
	if n == 0 {
		dx, dy, n = 1, 0, 1
	}
	speed := e.cfg.BaseSpeed * e.effectiveMultiplier()
	e.ball.VX = dx / n * speed
	e.ball.VY = dy / n * speed
}

// applySpeed 倍率改變後保持方向、重算大小
func (e *Engine) applySpeed() {
	e.setDirection(e.ball.VX, e.ball.VY)
}

func (e *Engine) movePaddle(p *Paddle, target float64) {
	delta := clamp(target-p.CenterY(), -e.cfg.PaddleSpeed, e.cfg.PaddleSpeed)
	p.Y = clamp(p.Y+delta, 0, e.height-p.Height)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
