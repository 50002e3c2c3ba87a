package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeTimeout         = 10 * time.Second
	maxInboundMessageLen = 1 << 20
)

var errClosed = errors.New("agent: websocket connection closed")

// conn wraps one websocket connection to the hub. Writes are serialized; the peer must answer
// pings within readTimeout or the connection is dropped.
type conn struct {
	ws          *websocket.Conn
	id          string
	readTimeout time.Duration

	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
	writeMutex sync.Mutex
}

func newConn(ws *websocket.Conn, id string, readTimeout, heartbeat time.Duration) *conn {
	c := &conn{
		ws:          ws,
		id:          id,
		readTimeout: readTimeout,
		closed:      make(chan struct{}),
	}
	ws.SetReadLimit(maxInboundMessageLen)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	if heartbeat > 0 {
		c.startHeartbeat(heartbeat)
	}
	return c
}

func (c *conn) startHeartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.closed:
				return
			case <-ticker.C:
				c.writeMutex.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
				c.writeMutex.Unlock()
				if err != nil {
					c.close(fmt.Errorf("agent: heartbeat: %w", err))
					return
				}
			}
		}
	}()
}

// read blocks for the next text message. Any inbound frame extends the read deadline.
func (c *conn) read() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(err)
			return nil, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *conn) send(data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// close shuts the connection down once and records cause.
func (c *conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		c.writeMutex.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		_ = c.ws.Close()
		entry := log.WithField("connection", c.id)
		if cause != nil && !errors.Is(cause, errClosed) && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			entry.WithError(cause).Debug("hub connection closed")
			return
		}
		entry.Debug("hub connection closed")
	})
}
