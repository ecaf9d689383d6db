package dispatcher

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/ksi-project/ksid/internal/envelope"
	"github.com/ksi-project/ksid/internal/frame"
)

// conn wraps one accepted socket connection: the frame codec, a write
// mutex (replies and pushed bus events share one writer), and the
// agent_id bound to it once AGENT_CONNECTION connect succeeds.
type conn struct {
	netConn net.Conn
	reader  *frame.Reader
	writer  *frame.Writer

	writeMu sync.Mutex

	mu      sync.Mutex
	agentID string
}

func newConn(nc net.Conn, maxFrameSize int) *conn {
	return &conn{
		netConn: nc,
		reader:  frame.NewReader(nc, maxFrameSize),
		writer:  frame.NewWriter(nc, maxFrameSize),
	}
}

// WriteEvent implements bus.Writer: it's how the message bus pushes an
// asynchronous event frame to this connection.
func (c *conn) WriteEvent(evt envelope.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

func (c *conn) writeResponse(resp envelope.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

func (c *conn) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteFrame(data)
}

func (c *conn) setAgentID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = id
}

// BindAgentID implements connctx.AgentBinder.
func (c *conn) BindAgentID(id string) {
	c.setAgentID(id)
}

func (c *conn) getAgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *conn) Close() error {
	return c.netConn.Close()
}
