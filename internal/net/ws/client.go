package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"netreplica/internal/mirror"
	"netreplica/internal/net/proto"
	"netreplica/internal/replication"
)

// ClientConfig tunes a Client.
type ClientConfig struct {
	Logger *log.Logger
	// OnMessage observes every control message after the hello.
	OnMessage func(proto.ServerMessage)
}

// Client is the receiving end of a replication stream. Binary frames go to
// the mirror; text frames are control messages.
type Client struct {
	conn      *websocket.Conn
	mirror    *mirror.Mirror
	logger    *log.Logger
	onMessage func(proto.ServerMessage)

	writeMu sync.Mutex
	seq     atomic.Uint64

	helloOnce sync.Once
	hello     chan proto.ServerMessage
}

// Dial connects to url and installs the client as m's resync requester.
func Dial(ctx context.Context, url string, m *mirror.Mirror, cfg ClientConfig) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		conn:      conn,
		mirror:    m,
		logger:    logger,
		onMessage: cfg.OnMessage,
		hello:     make(chan proto.ServerMessage, 1),
	}
	if m != nil {
		m.SetRequester(c)
	}
	return c, nil
}

// Run reads until the connection closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if c.mirror == nil {
				continue
			}
			if err := c.mirror.Handle(ctx, payload); err != nil {
				c.logger.Printf("replication frame rejected: %v", err)
			}
		case websocket.TextMessage:
			var msg proto.ServerMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				c.logger.Printf("discarding malformed server message: %v", err)
				continue
			}
			if msg.Type == proto.TypeHello {
				c.helloOnce.Do(func() { c.hello <- msg })
				continue
			}
			if c.onMessage != nil {
				c.onMessage(msg)
			}
		}
	}
}

// Hello waits for the server greeting. Run must be running.
func (c *Client) Hello(ctx context.Context) (proto.ServerMessage, error) {
	select {
	case msg := <-c.hello:
		c.hello <- msg
		return msg, nil
	case <-ctx.Done():
		return proto.ServerMessage{}, ctx.Err()
	}
}

// RequestResync implements mirror.ResyncRequester.
func (c *Client) RequestResync(_ context.Context, collection, reason string) error {
	msg := proto.ResyncMessage(collection, reason)
	msg.Seq = c.seq.Add(1)
	return c.writeJSON(msg)
}

// Mutate asks the server to apply op to collection and returns the command
// sequence number acknowledged or rejected later.
func (c *Client) Mutate(collection string, op replication.Op, index int, value any) (uint64, error) {
	msg, err := proto.MutateMessage(collection, op, index, value)
	if err != nil {
		return 0, err
	}
	msg.Seq = c.seq.Add(1)
	if err := c.writeJSON(msg); err != nil {
		return 0, err
	}
	return msg.Seq, nil
}

// Close sends a normal close frame and closes the socket.
func (c *Client) Close() error {
	c.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	c.writeMu.Unlock()
	cerr := c.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return errors.Join(werr, cerr)
	}
	return cerr
}

func (c *Client) writeJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
