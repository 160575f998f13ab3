package physics

import (
	"math"
	"math/rand"
)

// AI NPC 球拍控制器
//
// 球朝自己飛來時預測落點（考慮上下牆反彈），否則回到中線。
// 每一次來球只抽樣一次誤差，Skill 越低誤差越大。
type AI struct {
	Side  Side
	Skill float64 // 0..1，1 為完美預測

	rng        *rand.Rand
	approached bool
	errOffset  float64
}

// NewAI 創建 NPC 控制器
func NewAI(side Side, skill float64, seed int64) *AI {
	return &AI{
		Side:  side,
		Skill: clamp(skill, 0, 1),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Drive 根據當前球的位置設定球拍目標
func (a *AI) Drive(e *Engine) {
	b := e.ball
	approaching := (a.Side == SidePlayer1 && b.VX < 0) || (a.Side == SidePlayer2 && b.VX > 0)
	if !approaching {
		a.approached = false
		e.SetPaddleTarget(a.Side, e.height/2)
		return
	}

	if !a.approached {
		a.approached = true
		a.errOffset = (a.rng.Float64()*2 - 1) * (1 - a.Skill) * e.cfg.PaddleHeight
	}

	e.SetPaddleTarget(a.Side, PredictY(e, a.Side)+a.errOffset)
}

// PredictY 預測球到達某一側球拍正面時的 y
func PredictY(e *Engine, side Side) float64 {
	b := e.ball
	var faceX float64
	if side == SidePlayer1 {
		faceX = e.paddle1.X + e.paddle1.Width + b.Radius
	} else {
		faceX = e.paddle2.X - b.Radius
	}
	if b.VX == 0 {
		return b.Y
	}

	t := (faceX - b.X) / b.VX
	if t < 0 {
		return b.Y
	}
	return foldY(b.Y+b.VY*t, b.Radius, e.height)
}

// foldY 把越界的 y 以牆面鏡射折回可到達範圍
func foldY(y, r, height float64) float64 {
	span := height - 2*r
	if span <= 0 {
		return height / 2
	}
	m := math.Mod(y-r, 2*span)
	if m < 0 {
		m += 2 * span
	}
	if m > span {
		m = 2*span - m
	}
	return m + r
}
