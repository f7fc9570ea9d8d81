package presence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

func testClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		ReconnectDelay:    20 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
	}
}

func startClient(t *testing.T, hub *Hub, cfg *ClientConfig) *Client {
	t.Helper()

	client := NewClient(cfg, report.Actor{UserID: "u1", Username: "alice"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	return client
}

func TestClient_ConnectStoresAssignedUserID(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newPresenceServer(t, hub)

	client := startClient(t, hub, testClientConfig(wsURL(srv, "u1", "alice")))

	require.Eventually(t, func() bool {
		return client.AssignedUserID() == "u1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_StartEditingRegistersWithHub(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newPresenceServer(t, hub)

	client := startClient(t, hub, testClientConfig(wsURL(srv, "u1", "alice")))
	require.NoError(t, client.StartEditing("doc-1"))

	require.Eventually(t, func() bool {
		users := hub.Editing("doc-1")
		return len(users) == 1 && users[0].Username == "alice"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_DialEncodesIdentityQuery(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newPresenceServer(t, hub)

	// Identity values with query metacharacters must reach the hub intact.
	actor := report.Actor{UserID: "u 1&x", Username: "alice smith&co"}
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewClient(testClientConfig(base), actor, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.StartEditing("doc-1"))

	require.Eventually(t, func() bool {
		users := hub.Editing("doc-1")
		return len(users) == 1 && users[0].Username == "alice smith&co"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "u 1&x", client.AssignedUserID())
}

func TestClient_StartEditingWhileDisconnectedFails(t *testing.T) {
	client := NewClient(testClientConfig("ws://127.0.0.1:1/ws"), report.Actor{UserID: "u1", Username: "alice"}, zap.NewNop())

	err := client.StartEditing("doc-1")
	require.Error(t, err)
	_, ok := report.IsTransportError(err)
	assert.True(t, ok)
}

func TestClient_PresenceCallbacksFire(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newPresenceServer(t, hub)

	var mu sync.Mutex
	var lastUsers []string
	var savedBy string

	cfg := testClientConfig(wsURL(srv, "u1", "alice"))
	client := NewClient(cfg, report.Actor{UserID: "u1", Username: "alice"}, zap.NewNop())
	client.OnPresenceChanged = func(docID string, users []Entry) {
		mu.Lock()
		lastUsers = usernames(users)
		mu.Unlock()
	}
	client.OnReportSaved = func(docID, username string, version int64) {
		mu.Lock()
		savedBy = username
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.StartEditing("doc-1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lastUsers) == 1 && lastUsers[0] == "alice"
	}, 2*time.Second, 5*time.Millisecond)

	hub.ReportSaved("doc-1", "bob", 4)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return savedBy == "bob"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_ReconnectsAfterServerRestart(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newPresenceServer(t, hub)

	var mu sync.Mutex
	var states []State

	cfg := testClientConfig(wsURL(srv, "u1", "alice"))
	client := NewClient(cfg, report.Actor{UserID: "u1", Username: "alice"}, zap.NewNop())
	client.OnStateChanged = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	defer client.Close()

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.StartEditing("doc-1"))
	require.Eventually(t, func() bool {
		return len(hub.Editing("doc-1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Kill every open connection; the client must come back on its own.
	srv.CloseClientConnections()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		sawDisconnect := false
		for _, s := range states {
			if s == StateDisconnected {
				sawDisconnect = true
			}
		}
		return sawDisconnect && client.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	// Editing never resumes automatically after a reconnect.
	err := client.StopEditing("doc-1")
	require.NoError(t, err)
}

func TestClient_StartEditingIdempotent(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newPresenceServer(t, hub)

	client := startClient(t, hub, testClientConfig(wsURL(srv, "u1", "alice")))

	require.NoError(t, client.StartEditing("doc-1"))
	require.NoError(t, client.StartEditing("doc-1"))
	require.NoError(t, client.StartEditing("doc-1"))

	// Give duplicate intents time to land if they were sent.
	time.Sleep(50 * time.Millisecond)
	users := hub.Editing("doc-1")
	require.Len(t, users, 1)
}

func TestClient_CloseSendsStopEditing(t *testing.T) {
	hub, _ := newTestHub(t)
	srv := newPresenceServer(t, hub)

	client := startClient(t, hub, testClientConfig(wsURL(srv, "u1", "alice")))
	require.NoError(t, client.StartEditing("doc-1"))
	require.Eventually(t, func() bool {
		return len(hub.Editing("doc-1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return len(hub.Editing("doc-1")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
