package npc_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-game-relay/internal/npc"
	apperrors "github.com/koopa0/system-design/14-game-relay/pkg/errors"
	"github.com/koopa0/system-design/14-game-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*npc.Client, *npc.Service) {
	t.Helper()
	svc := newService(t)
	srv := httptest.NewServer(npc.NewHandler(svc, logger.Discard()).Routes())
	t.Cleanup(srv.Close)
	return npc.NewClient(srv.URL, 2*time.Second, npc.CreateRequest{}, logger.Discard()), svc
}

// TestClient_Lifecycle 建立、查詢、加速、刪除走完整個 HTTP 介面
func TestClient_Lifecycle(t *testing.T) {
	client, svc := newClient(t)
	ctx := context.Background()

	id, err := client.CreateSimulation(ctx, npc.CreateRequest{RoomID: "r1", Slot: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := client.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, state.ID)
	assert.Equal(t, 2, state.Slot)

	target, err := client.SpeedBoost(ctx, id, npc.BoostRequest{Multiplier: 2, UntilScore: true})
	require.NoError(t, err)
	assert.Equal(t, id, target)

	svc.RunBatch()
	state, err = client.GetState(ctx, id)
	require.NoError(t, err)
	assert.True(t, state.State.Attack.Active)

	require.NoError(t, client.Delete(ctx, id))
	_, err = client.GetState(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrSimulationNotFound)
}

// TestClient_Errors 4xx 帶回服務端的錯誤碼
func TestClient_Errors(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	_, err := client.CreateSimulation(ctx, npc.CreateRequest{CanvasWidth: -5, CanvasHeight: 10})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = client.SpeedBoost(ctx, npc.RandomTarget, npc.BoostRequest{Multiplier: 2})
	assert.True(t, apperrors.IsNotFound(err))
}

// TestClient_Unavailable 編排服務不可用
func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	client := npc.NewClient(srv.URL, time.Second, npc.CreateRequest{}, logger.Discard())

	_, err := client.StopRoom(context.Background(), "r1")
	assert.ErrorIs(t, err, apperrors.ErrOrchestratorUnavailable)

	srv.Close()
	_, err = client.CreateSimulation(context.Background(), npc.CreateRequest{})
	assert.True(t, apperrors.IsUnavailable(err))
}

// TestClient_AsyncProvisionAndStop 背景建立與停止
func TestClient_AsyncProvisionAndStop(t *testing.T) {
	client, svc := newClient(t)

	client.ProvisionAsync("r9", 4)
	client.Wait()
	assert.Equal(t, 4, svc.Count())

	client.StopRoomAsync("r9")
	client.Wait()
	assert.Equal(t, 0, svc.Count())

	// 停止不存在的房間不報錯
	deleted, err := client.StopRoom(context.Background(), "none")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

// TestClient_StopWaitsForProvisioning 建立還在進行時房間被銷毀，停止後不殘留模擬
func TestClient_StopWaitsForProvisioning(t *testing.T) {
	svc := newService(t)
	routes := npc.NewHandler(svc, logger.Discard()).Routes()
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/games" {
			time.Sleep(50 * time.Millisecond)
		}
		routes.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(slow)
	t.Cleanup(srv.Close)
	client := npc.NewClient(srv.URL, 2*time.Second, npc.CreateRequest{}, logger.Discard())

	client.ProvisionAsync("room-x", 3)
	client.StopRoomAsync("room-x")
	client.Wait()

	assert.Zero(t, svc.Count(), "simulations left running for a destroyed room")

	// 停止之後同一房間可以重新建立
	client.ProvisionAsync("room-x", 2)
	client.Wait()
	assert.Equal(t, 2, svc.Count())
}
