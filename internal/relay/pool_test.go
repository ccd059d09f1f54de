package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testRelay is a minimal NIP-01 relay: records REQs, answers EVENT with OK.
type testRelay struct {
	srv *httptest.Server

	mu        sync.Mutex
	conns     []*websocket.Conn
	reqs      map[string]json.RawMessage
	published []types.Event
	reject    string

	reqCh chan string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{reqs: make(map[string]json.RawMessage), reqCh: make(chan string, 16)}
	upgrader := websocket.Upgrader{}

	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg []json.RawMessage
			if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
				continue
			}
			var kind string
			json.Unmarshal(msg[0], &kind)

			switch kind {
			case "REQ":
				var subID string
				json.Unmarshal(msg[1], &subID)
				r.mu.Lock()
				r.reqs[subID] = msg[2]
				r.mu.Unlock()
				r.write(conn, []interface{}{"EOSE", subID})
				r.reqCh <- subID
			case "EVENT":
				var evt types.Event
				json.Unmarshal(msg[1], &evt)
				r.mu.Lock()
				r.published = append(r.published, evt)
				reject := r.reject
				r.mu.Unlock()
				r.write(conn, []interface{}{"OK", evt.ID, reject == "", reject})
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) write(conn *websocket.Conn, v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.WriteJSON(v)
}

func (r *testRelay) broadcast(v interface{}) {
	r.mu.Lock()
	conns := append([]*websocket.Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, c := range conns {
		r.write(c, v)
	}
}

func (r *testRelay) waitREQ(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.reqCh:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no REQ received")
		return ""
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(Options{PublishTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func signedEvent(t *testing.T, kind int, content string) types.Event {
	t.Helper()
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)
	evt := types.Event{Kind: kind, Content: content, Tags: [][]string{{"p", keys.PublicKey()}}}
	require.NoError(t, keys.Sign(&evt))
	return evt
}

func nextEvent(t *testing.T, p *Pool) types.InboundEvent {
	t.Helper()
	select {
	case ev := <-p.Notifications():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
		return types.InboundEvent{}
	}
}

func TestSubscribeSendsFilterAndDeliversOnce(t *testing.T) {
	r1 := newTestRelay(t)
	r2 := newTestRelay(t)
	p := newTestPool(t)

	since := int64(1700000000)
	filter := types.Filter{Kinds: []int{nostr.KindWalletRequest}, PTags: []string{"abc"}, Since: &since}

	subID, err := p.Subscribe(context.Background(), []string{r1.url(), r2.url()}, filter)
	require.NoError(t, err)
	assert.Equal(t, subID, r1.waitREQ(t))
	assert.Equal(t, subID, r2.waitREQ(t))

	r1.mu.Lock()
	raw := r1.reqs[subID]
	r1.mu.Unlock()
	assert.JSONEq(t, `{"kinds":[23194],"#p":["abc"],"since":1700000000}`, string(raw))

	evt := signedEvent(t, nostr.KindWalletRequest, "payload")
	r1.broadcast([]interface{}{"EVENT", subID, evt})
	r2.broadcast([]interface{}{"EVENT", subID, evt})

	got := nextEvent(t, p)
	assert.Equal(t, subID, got.SubscriptionID)
	assert.Equal(t, evt.ID, got.Event.ID)

	// the copy from the second relay is suppressed
	select {
	case dup := <-p.Notifications():
		t.Fatalf("duplicate delivery from %s", dup.Relay)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventsForUnknownSubscriptionOrBadSignatureAreDropped(t *testing.T) {
	r := newTestRelay(t)
	p := newTestPool(t)

	subID, err := p.Subscribe(context.Background(), []string{r.url()}, types.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	r.waitREQ(t)

	r.broadcast([]interface{}{"EVENT", "someone-else", signedEvent(t, 1, "a")})

	forged := signedEvent(t, 1, "b")
	forged.Content = "tampered"
	r.broadcast([]interface{}{"EVENT", subID, forged})

	good := signedEvent(t, 1, "c")
	r.broadcast([]interface{}{"EVENT", subID, good})

	got := nextEvent(t, p)
	assert.Equal(t, good.ID, got.Event.ID)
}

func TestPublishCollectsOKs(t *testing.T) {
	ok := newTestRelay(t)
	bad := newTestRelay(t)
	bad.reject = "blocked: not allowed"
	p := newTestPool(t)

	evt := signedEvent(t, nostr.KindWalletResponse, "<result & more>")
	res := p.Publish(context.Background(), []string{ok.url(), bad.url()}, evt)

	assert.Equal(t, []string{ok.url()}, res.AcceptedBy)
	assert.Equal(t, "blocked: not allowed", res.RejectedBy[bad.url()])
	assert.True(t, res.Accepted())

	ok.mu.Lock()
	defer ok.mu.Unlock()
	require.Len(t, ok.published, 1)
	assert.Equal(t, evt.ID, ok.published[0].ID)
	assert.True(t, nostr.ValidateEventSignature(&ok.published[0]))
}

func TestSubscribeFailsWhenNoRelayReachable(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Subscribe(context.Background(), []string{"ws://127.0.0.1:1"}, types.Filter{Kinds: []int{1}})
	assert.Error(t, err)

	res := p.Publish(context.Background(), []string{"ws://127.0.0.1:1"}, signedEvent(t, 1, "x"))
	assert.False(t, res.Accepted())
	assert.Contains(t, res.RejectedBy, "ws://127.0.0.1:1")
}

func TestCloseEndsNotificationStream(t *testing.T) {
	r := newTestRelay(t)
	p, err := NewPool(Options{})
	require.NoError(t, err)

	require.NoError(t, p.Connect(context.Background(), r.url()))
	assert.Equal(t, []string{r.url()}, p.Connected())

	require.NoError(t, p.Close())
	_, open := <-p.Notifications()
	assert.False(t, open)
	assert.ErrorIs(t, p.Connect(context.Background(), r.url()), ErrPoolClosed)
}

func subscribeOne(t *testing.T, p *Pool, r *testRelay) string {
	t.Helper()
	subID, err := p.Subscribe(context.Background(), []string{r.url()}, types.Filter{Kinds: []int{nostr.KindWalletRequest}})
	require.NoError(t, err)
	r.waitREQ(t)
	return subID
}

// A consumer that publishes while events pile up must still get its OKs.
func TestPublishWhileInboundBacklogIsFull(t *testing.T) {
	r := newTestRelay(t)
	p, err := NewPool(Options{PublishTimeout: 2 * time.Second, BufferSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	subID := subscribeOne(t, p, r)

	var sent []string
	for i := 0; i < 6; i++ {
		evt := signedEvent(t, nostr.KindWalletRequest, "request")
		sent = append(sent, evt.ID)
		r.broadcast([]interface{}{"EVENT", subID, evt})
	}
	first := nextEvent(t, p)
	assert.Equal(t, sent[0], first.Event.ID)

	res := p.Publish(context.Background(), []string{r.url()}, signedEvent(t, nostr.KindWalletResponse, "response"))
	assert.Equal(t, []string{r.url()}, res.AcceptedBy, "rejected: %v", res.RejectedBy)

	for _, id := range sent[1:] {
		assert.Equal(t, id, nextEvent(t, p).Event.ID)
	}
}

func TestInboxOverflowDropsEvents(t *testing.T) {
	r := newTestRelay(t)
	p, err := NewPool(Options{PublishTimeout: 2 * time.Second, BufferSize: 1, InboxLimit: 1})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	subID := subscribeOne(t, p, r)

	for i := 0; i < 6; i++ {
		r.broadcast([]interface{}{"EVENT", subID, signedEvent(t, nostr.KindWalletRequest, "request")})
	}
	// the OK comes back on the same connection after every EVENT was read
	res := p.Publish(context.Background(), []string{r.url()}, signedEvent(t, nostr.KindWalletResponse, "response"))
	require.True(t, res.Accepted())

	delivered := 0
	for {
		select {
		case <-p.Notifications():
			delivered++
			continue
		case <-time.After(300 * time.Millisecond):
		}
		break
	}
	assert.GreaterOrEqual(t, delivered, 1)
	assert.Less(t, delivered, 6)
	assert.Zero(t, p.inbox.len())
}
