package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var errConnClosed = errors.New("relay connection closed")

type okResult struct {
	accepted bool
	reason   string
}

// relayConn is a single websocket to one relay. Reads happen on one
// goroutine; writes are serialized by writeMu.
type relayConn struct {
	url     string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan okResult // event id -> OK waiter
	closed  bool
	done    chan struct{}
}

func newRelayConn(url string, conn *websocket.Conn) *relayConn {
	return &relayConn{
		url:     url,
		conn:    conn,
		pending: make(map[string]chan okResult),
		done:    make(chan struct{}),
	}
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) writeMessage(data []byte) error {
	if rc.isClosed() {
		return errConnClosed
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

func (rc *relayConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rc.writeMessage(data)
}

// publish sends an already encoded event and waits for the relay's OK.
func (rc *relayConn) publish(ctx context.Context, eventID string, eventJSON []byte, timeout time.Duration) (okResult, error) {
	ch := make(chan okResult, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return okResult{}, errConnClosed
	}
	rc.pending[eventID] = ch
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.pending, eventID)
		rc.mu.Unlock()
	}()

	frame := make([]byte, 0, len(eventJSON)+10)
	frame = append(frame, `["EVENT",`...)
	frame = append(frame, eventJSON...)
	frame = append(frame, ']')
	if err := rc.writeMessage(frame); err != nil {
		return okResult{}, fmt.Errorf("write event: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return okResult{}, fmt.Errorf("no OK from %s within %s", rc.url, timeout)
	case <-rc.done:
		return okResult{}, errConnClosed
	case <-ctx.Done():
		return okResult{}, ctx.Err()
	}
}

func (rc *relayConn) resolveOK(eventID string, res okResult) {
	rc.mu.Lock()
	ch := rc.pending[eventID]
	rc.mu.Unlock()
	if ch != nil {
		select {
		case ch <- res:
		default:
		}
	}
}

// keepalive pings the relay until the connection closes. The pong handler
// installed by the pool extends the read deadline.
func (rc *relayConn) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rc.done:
			return
		case <-ticker.C:
			rc.writeMu.Lock()
			err := rc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			rc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// markClosed closes the socket once; waiting publishers are released via done.
func (rc *relayConn) markClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	rc.closed = true
	close(rc.done)
	rc.conn.Close()
	return true
}
