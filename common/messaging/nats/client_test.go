package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ssdp-platform/trust/common/messaging"
)

// setupNATS starts a NATS server container and returns its client URL.
func setupNATS(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return url
}

func TestClient_PublishSubscribe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = setupNATS(t)

	client, err := NewClient(cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	received := make(chan *messaging.Message, 1)
	sub, err := client.Subscribe(messaging.SubjectTrustAlertsAll, func(_ context.Context, msg *messaging.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "trust.alerts.>", sub.Subject())
	require.NoError(t, client.conn.Flush())

	payload := map[string]string{"kind": "storage_unavailable", "entry_id": "e-1"}
	require.NoError(t, client.PublishJSON(context.Background(), messaging.AlertSubject("storage_unavailable"), payload))

	select {
	case msg := <-received:
		assert.Equal(t, "trust.alerts.storage_unavailable", msg.Subject)
		var got map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, client.Drain())
}

func TestClient_PublishHonoursCancelledContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = setupNATS(t)

	client, err := NewClient(cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Publish(ctx, "trust.alerts.test", []byte("x")), context.Canceled)
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond

	_, err := NewClient(cfg, nil)
	assert.ErrorContains(t, err, "failed to connect to NATS")
}
