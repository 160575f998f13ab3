package physics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldY(t *testing.T) {
	// 可到達範圍 [5, 395]
	assert.InDelta(t, 100, foldY(100, 5, 400), 1e-9)
	assert.InDelta(t, 15, foldY(-5, 5, 400), 1e-9)
	assert.InDelta(t, 385, foldY(405, 5, 400), 1e-9)
	assert.InDelta(t, 5+20, foldY(5+2*390+20, 5, 400), 1e-9)
}

func TestPredictY_StraightShot(t *testing.T) {
	e := newTestEngine(t, 300, 400)
	e.ball.X, e.ball.Y = 150, 120
	e.ball.VX, e.ball.VY = 4, 0

	assert.InDelta(t, 120, PredictY(e, SidePlayer2), 1e-9)
}

func TestPredictY_WithBounce(t *testing.T) {
	e := newTestEngine(t, 300, 400)
	e.ball.X, e.ball.Y = 150, 200
	e.ball.VX, e.ball.VY = 1, 3

	// 到達 x = 275 需要 125 tick，y = 200 + 375 = 575 → 折回 2*395 - 575 = 215
	assert.InDelta(t, 215, PredictY(e, SidePlayer2), 1e-9)
}

// TestAI_PerfectReturnsBall 完美 NPC 能接住直線球
func TestAI_PerfectReturnsBall(t *testing.T) {
	e := newTestEngine(t, 300, 400)
	e.ball.X, e.ball.Y = 150, 60
	e.ball.VX, e.ball.VY = 4, 0
	ai := NewAI(SidePlayer2, 1, 1)

	for i := 0; i < 200 && e.hitCount == 0; i++ {
		ai.Drive(e)
		_, scored := e.Tick()
		require.False(t, scored)
	}
	assert.Equal(t, 1, e.hitCount)
}

// TestAI_IdleReturnsToCenter 球遠離時回到中線
func TestAI_IdleReturnsToCenter(t *testing.T) {
	e := newTestEngine(t, 300, 400)
	e.ball.VX = -4
	e.target2 = 0
	ai := NewAI(SidePlayer2, 1, 1)

	ai.Drive(e)
	assert.Equal(t, 200.0, e.target2)
}
