package dispatcher_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/commands"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/dispatcher"
	"github.com/ksi-project/ksid/internal/envelope"
	"github.com/ksi-project/ksid/internal/frame"
	"github.com/ksi-project/ksid/internal/identity"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/procsup"
	"github.com/ksi-project/ksid/internal/promptcomposer"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/state"
)

// startServer wires a full command set behind a dispatch server on a real
// Unix socket and returns the socket path.
func startServer(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "ksid-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	agents := agentmgr.NewManager()
	messageBus := bus.New(agents)
	supervisor := procsup.New(nil, 0)
	sessions := state.NewSessionStore()

	kv, err := state.OpenKVStore(filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	identities, err := identity.Open(filepath.Join(dir, "identities.json"))
	require.NoError(t, err)
	composer, err := promptcomposer.New(dir, nil)
	require.NoError(t, err)
	routeLog, err := agentmgr.NewRouteLogger(filepath.Join(dir, "routing.jsonl"))
	require.NoError(t, err)

	reg := registry.New()
	commands.Register(reg, commands.Deps{
		Registry:    reg,
		Agents:      agents,
		Supervisor:  supervisor,
		Pipeline:    completion.New(supervisor, sessions, agents, completion.LLMChildSpec{Command: "true"}, nil, nil),
		Bus:         messageBus,
		Sessions:    sessions,
		KV:          kv,
		Identities:  identities,
		Composer:    composer,
		Injector:    injection.New(),
		InjectQueue: injection.NewQueue(0),
		RouteLog:    routeLog,
		Async:       &commands.AsyncRunner{},
		Logger:      zap.NewNop(),
	})

	server := dispatcher.New(reg, dispatcher.Dependencies{Bus: messageBus}, zap.NewNop(), 0)
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Serve(ctx, ln) }()

	return socketPath
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer
}

func dialClient(t *testing.T, socketPath string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{
		t:      t,
		conn:   conn,
		reader: frame.NewReader(conn, 0),
		writer: frame.NewWriter(conn, 0),
	}
}

func (c *testClient) send(command string, params any) {
	c.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	req := envelope.Request{Command: command, Version: "2.0", Parameters: raw}
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.writer.WriteFrame(data))
}

func (c *testClient) readFrame() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	raw, err := c.reader.ReadFrame()
	require.NoError(c.t, err)
	var m map[string]any
	require.NoError(c.t, json.Unmarshal(raw, &m))
	return m
}

func TestHealthCheckRoundTrip(t *testing.T) {
	socketPath := startServer(t)
	c := dialClient(t, socketPath)

	c.send("HEALTH_CHECK", map[string]any{})
	reply := c.readFrame()
	assert.Equal(t, "success", reply["status"])
	result := reply["result"].(map[string]any)
	assert.Equal(t, "healthy", result["status"])
}

func TestMalformedJSONDoesNotDesyncConnection(t *testing.T) {
	socketPath := startServer(t)
	c := dialClient(t, socketPath)

	require.NoError(t, c.writer.WriteFrame([]byte("{not json")))
	reply := c.readFrame()
	assert.Equal(t, "error", reply["status"])
	errBody := reply["error"].(map[string]any)
	assert.Equal(t, "INVALID_JSON", errBody["code"])

	// The next frame on the same connection dispatches normally.
	c.send("HEALTH_CHECK", map[string]any{})
	reply = c.readFrame()
	assert.Equal(t, "success", reply["status"])
}

func TestUnknownMetadataKeysRejected(t *testing.T) {
	socketPath := startServer(t)
	c := dialClient(t, socketPath)

	raw := `{"command":"HEALTH_CHECK","version":"2.0","parameters":{},"metadata":{"timestamp":"x","trace_id":"nope"}}`
	require.NoError(t, c.writer.WriteFrame([]byte(raw)))
	reply := c.readFrame()
	assert.Equal(t, "error", reply["status"])
	errBody := reply["error"].(map[string]any)
	assert.Equal(t, "INVALID_COMMAND", errBody["code"])
}

func TestSubscribePublishDelivery(t *testing.T) {
	socketPath := startServer(t)

	// Connection X: persistent agent channel plus a BROADCAST subscription.
	x := dialClient(t, socketPath)
	x.send("AGENT_CONNECTION", map[string]any{"action": "connect", "agent_id": "a2"})
	require.Equal(t, "success", x.readFrame()["status"])
	x.send("SUBSCRIBE", map[string]any{"agent_id": "a2", "event_types": []string{"BROADCAST"}})
	require.Equal(t, "success", x.readFrame()["status"])

	// Connection Y publishes.
	y := dialClient(t, socketPath)
	y.send("PUBLISH", map[string]any{
		"from_agent": "a3",
		"event_type": "BROADCAST",
		"payload":    map[string]any{"message": "hi"},
	})
	require.Equal(t, "success", y.readFrame()["status"])

	// X receives exactly one event frame, distinguishable from a reply by
	// its type field and missing status.
	evt := x.readFrame()
	_, isReply := evt["status"]
	assert.False(t, isReply)
	assert.Equal(t, "BROADCAST", evt["type"])
	assert.Equal(t, "a3", evt["from"])
	assert.Equal(t, "hi", evt["message"])
}

func TestOfflineQueueDrainedOnReconnect(t *testing.T) {
	socketPath := startServer(t)

	sender := dialClient(t, socketPath)
	for _, id := range []string{"from", "late"} {
		sender.send("REGISTER_AGENT", map[string]any{"agent_id": id, "role": "worker"})
		require.Equal(t, "success", sender.readFrame()["status"])
	}

	// Direct message to an agent that isn't connected: queued offline.
	sender.send("SEND_MESSAGE", map[string]any{
		"from_agent":   "from",
		"to_agent":     "late",
		"message_type": "DIRECT_MESSAGE",
		"content":      "waiting",
	})
	require.Equal(t, "success", sender.readFrame()["status"])

	// On connect the queue drains; the queued event frame and the connect
	// reply arrive on the same connection, event first.
	late := dialClient(t, socketPath)
	late.send("AGENT_CONNECTION", map[string]any{"action": "connect", "agent_id": "late"})

	var event, reply map[string]any
	for i := 0; i < 2; i++ {
		f := late.readFrame()
		if _, isReply := f["status"]; isReply {
			reply = f
		} else {
			event = f
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, "success", reply["status"])
	require.NotNil(t, event)
	assert.Equal(t, "DIRECT_MESSAGE", event["type"])
	assert.Equal(t, "from", event["from"])
	assert.Equal(t, "waiting", event["content"])
}
