package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-game-relay/internal/events"
	"github.com/koopa0/system-design/14-game-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupNATS 啟動 NATS 測試容器，返回連接 URL
func setupNATS(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate nats container: %v", err)
		}
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return url
}

// TestNATSPublisher_Publish 事件以 JSON 發布到 <prefix>.<kind>
func TestNATSPublisher_Publish(t *testing.T) {
	url := setupNATS(t)

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 8)
	_, err = sub.ChanSubscribe("pong42.room.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := events.ConnectNATS(url, "pong42", logger.Discard())
	require.NoError(t, err)

	pub.Publish(events.Event{
		Kind:         events.KindLeaderAssigned,
		RoomID:       "000042",
		ConnectionID: "conn-2",
	})
	require.NoError(t, pub.Close())

	select {
	case msg := <-msgs:
		assert.Equal(t, "pong42.room.leader", msg.Subject)

		var evt events.Event
		require.NoError(t, json.Unmarshal(msg.Data, &evt))
		assert.Equal(t, events.KindLeaderAssigned, evt.Kind)
		assert.Equal(t, "000042", evt.RoomID)
		assert.Equal(t, "conn-2", evt.ConnectionID)
		assert.False(t, evt.At.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}
