// Package relay is the websocket transport to Nostr relays: one shared
// connection per relay, subscriptions that survive reconnects, publishes
// that wait for the relay's OK, and a single multiplexed inbound stream.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lnd-nwc/internal/metrics"
	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/types"
	"lnd-nwc/internal/util"
)

var ErrPoolClosed = errors.New("relay pool closed")

const (
	defaultPublishTimeout = 10 * time.Second
	defaultDialTimeout    = 15 * time.Second
	defaultSeenCacheSize  = 8192
	defaultBufferSize     = 256
	defaultInboxLimit     = 10000

	// resubscribeSkew widens the since bound after a reconnect so requests
	// published around the disconnect are not missed. Duplicates are
	// filtered by the seen cache.
	resubscribeSkew = 30 * time.Second
)

// Options tune a Pool. Zero values select defaults.
type Options struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Dialer         *websocket.Dialer
	PublishTimeout time.Duration
	Reconnect      *util.RetryConfig
	SeenCacheSize  int
	BufferSize     int
	// InboxLimit bounds events queued behind a busy consumer. Events
	// beyond it are dropped and counted.
	InboxLimit int
}

type subscription struct {
	id     string
	filter types.Filter
	relays []string
}

// Pool manages connections to multiple relays
type Pool struct {
	log            *slog.Logger
	metrics        *metrics.Metrics
	dialer         *websocket.Dialer
	publishTimeout time.Duration
	reconnect      *util.RetryConfig

	mu           sync.RWMutex
	conns        map[string]*relayConn
	subs         map[string]*subscription
	reconnecting map[string]bool

	dialGroup singleflight.Group
	seen      *lru.Cache
	inbox     *inbox
	events    chan types.InboundEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewPool creates an empty pool. Call Close to release its goroutines.
func NewPool(opts Options) (*Pool, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Reconnect == nil {
		opts.Reconnect = &util.RetryConfig{
			MaxRetries: -1,
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		}
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = defaultSeenCacheSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.InboxLimit <= 0 {
		opts.InboxLimit = defaultInboxLimit
	}

	seen, err := lru.New(opts.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:            opts.Logger.With("component", "relay"),
		metrics:        opts.Metrics,
		dialer:         opts.Dialer,
		publishTimeout: opts.PublishTimeout,
		reconnect:      opts.Reconnect,
		conns:          make(map[string]*relayConn),
		subs:           make(map[string]*subscription),
		reconnecting:   make(map[string]bool),
		seen:           seen,
		inbox:          newInbox(opts.InboxLimit),
		events:         make(chan types.InboundEvent, opts.BufferSize),
		ctx:            ctx,
		cancel:         cancel,
	}
	p.wg.Add(1)
	go p.pump()
	return p, nil
}

// Notifications is the single stream of events from every relay and
// subscription, in arrival order. It is closed by Close.
func (p *Pool) Notifications() <-chan types.InboundEvent {
	return p.events
}

// Connect opens (or reuses) the connection to relayURL.
func (p *Pool) Connect(ctx context.Context, relayURL string) error {
	_, err := p.getOrDial(ctx, relayURL)
	return err
}

// Connected returns the URLs of the currently open connections.
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for url, rc := range p.conns {
		if !rc.isClosed() {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}

func (p *Pool) getOrDial(ctx context.Context, relayURL string) (*relayConn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	v, err, _ := p.dialGroup.Do(relayURL, func() (interface{}, error) {
		p.mu.RLock()
		rc := p.conns[relayURL]
		p.mu.RUnlock()
		if rc != nil && !rc.isClosed() {
			return rc, nil
		}
		return p.dial(ctx, relayURL)
	})
	if err != nil {
		return nil, err
	}
	return v.(*relayConn), nil
}

func (p *Pool) dial(ctx context.Context, relayURL string) (*relayConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", relayURL, err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	rc := newRelayConn(relayURL, conn)

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		conn.Close()
		return nil, ErrPoolClosed
	}
	p.conns[relayURL] = rc
	p.wg.Add(2)
	p.mu.Unlock()

	p.metrics.RelayConnected()
	p.log.Info("relay connected", "relay", relayURL)

	go func() {
		defer p.wg.Done()
		rc.keepalive()
	}()
	go func() {
		defer p.wg.Done()
		p.readLoop(rc)
	}()
	return rc, nil
}

// Subscribe sends REQ with filter to every relay in relays. It succeeds when
// at least one relay took the subscription; the others are retried in the
// background and pick the subscription up once they connect.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filter types.Filter) (string, error) {
	if len(relays) == 0 {
		return "", errors.New("subscribe: no relays")
	}

	sub := &subscription{
		id:     newSubscriptionID(),
		filter: filter,
		relays: slices.Clone(relays),
	}
	p.mu.Lock()
	p.subs[sub.id] = sub
	p.mu.Unlock()

	var errs []error
	var failed []string
	for _, url := range relays {
		rc, err := p.getOrDial(ctx, url)
		if err == nil {
			err = rc.writeJSON([]interface{}{"REQ", sub.id, filter})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			failed = append(failed, url)
		}
	}

	if len(failed) == len(relays) {
		p.mu.Lock()
		delete(p.subs, sub.id)
		p.mu.Unlock()
		return "", fmt.Errorf("subscribe: %w", errors.Join(errs...))
	}

	for i, url := range failed {
		p.log.Warn("subscription pending on relay", "relay", url, "sub_id", sub.id, "error", errs[i])
		p.scheduleReconnect(url, nil)
	}
	return sub.id, nil
}

// Unsubscribe forgets the subscription and sends CLOSE where it is open.
func (p *Pool) Unsubscribe(subID string) {
	p.mu.Lock()
	sub := p.subs[subID]
	delete(p.subs, subID)
	p.mu.Unlock()
	if sub == nil {
		return
	}

	for _, url := range sub.relays {
		p.mu.RLock()
		rc := p.conns[url]
		p.mu.RUnlock()
		if rc != nil {
			// best effort, connection may be closing
			_ = rc.writeJSON([]interface{}{"CLOSE", subID})
		}
	}
}

// Publish sends evt to each relay and waits for their OK messages.
func (p *Pool) Publish(ctx context.Context, relays []string, evt types.Event) types.PublishResult {
	result := types.PublishResult{RejectedBy: make(map[string]string)}

	data, err := nostr.MarshalEvent(&evt)
	if err != nil {
		for _, url := range relays {
			result.RejectedBy[url] = err.Error()
		}
		return result
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, url := range relays {
		url := url
		g.Go(func() error {
			res, err := p.publishOne(ctx, url, evt.ID, data)

			// "duplicate:" means the relay already holds the event
			accepted := err == nil && (res.accepted || strings.HasPrefix(res.reason, "duplicate:"))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.RejectedBy[url] = err.Error()
			case accepted:
				result.AcceptedBy = append(result.AcceptedBy, url)
			default:
				result.RejectedBy[url] = res.reason
			}
			p.metrics.RelayPublish(accepted)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.AcceptedBy)
	return result
}

func (p *Pool) publishOne(ctx context.Context, url, eventID string, data []byte) (okResult, error) {
	rc, err := p.getOrDial(ctx, url)
	if err != nil {
		return okResult{}, err
	}
	return rc.publish(ctx, eventID, data, p.publishTimeout)
}

func (p *Pool) readLoop(rc *relayConn) {
	defer func() {
		if rc.markClosed() {
			p.metrics.RelayDisconnected()
		}
		p.mu.Lock()
		if p.conns[rc.url] == rc {
			delete(p.conns, rc.url)
		}
		p.mu.Unlock()

		if !p.closed.Load() {
			since := time.Now().Add(-resubscribeSkew).Unix()
			p.scheduleReconnect(rc.url, &since)
		}
	}()

	for {
		var msg []interface{}
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !p.closed.Load() && !rc.isClosed() {
				p.log.Warn("relay read failed", "relay", rc.url, "error", err)
			}
			return
		}
		rc.conn.SetReadDeadline(time.Now().Add(readTimeout))
		p.handleMessage(rc, msg)
	}
}

func (p *Pool) handleMessage(rc *relayConn, msg []interface{}) {
	if len(msg) < 2 {
		return
	}
	msgType, ok := msg[0].(string)
	if !ok {
		return
	}

	switch msgType {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		subID, ok := msg[1].(string)
		if !ok {
			return
		}

		p.mu.RLock()
		_, known := p.subs[subID]
		p.mu.RUnlock()
		if !known {
			p.log.Debug("event for unknown subscription", "relay", rc.url, "sub_id", subID)
			return
		}

		evt, ok := nostr.ParseEventFromInterface(msg[2])
		if !ok {
			p.log.Debug("dropping invalid event", "relay", rc.url, "sub_id", subID)
			return
		}

		// same event arrives once per relay carrying the subscription
		key := subID + ":" + evt.ID
		if seen, _ := p.seen.ContainsOrAdd(key, struct{}{}); seen {
			return
		}

		if !p.inbox.push(types.InboundEvent{SubscriptionID: subID, Relay: rc.url, Event: evt}) {
			// another relay may still deliver it once there is room
			p.seen.Remove(key)
			p.metrics.EventDropped("inbox_full")
			p.log.Warn("inbox full, dropping event", "relay", rc.url, "sub_id", subID, "event", nostr.ShortID(evt.ID))
		}

	case "OK":
		if len(msg) < 3 {
			return
		}
		eventID, _ := msg[1].(string)
		accepted, _ := msg[2].(bool)
		reason := ""
		if len(msg) >= 4 {
			reason, _ = msg[3].(string)
		}
		rc.resolveOK(eventID, okResult{accepted: accepted, reason: reason})

	case "EOSE":
		subID, _ := msg[1].(string)
		p.log.Debug("end of stored events", "relay", rc.url, "sub_id", subID)

	case "CLOSED":
		subID, _ := msg[1].(string)
		reason := ""
		if len(msg) >= 3 {
			reason, _ = msg[2].(string)
		}
		p.log.Warn("relay closed subscription", "relay", rc.url, "sub_id", subID, "reason", reason)

	case "NOTICE":
		notice, _ := msg[1].(string)
		p.log.Info("relay notice", "relay", rc.url, "notice", notice)

	case "AUTH":
		p.log.Debug("relay requested auth, not supported", "relay", rc.url)
	}
}

// scheduleReconnect redials url in the background and re-sends every
// subscription that includes it. since, when set, raises the filters' lower bound.
func (p *Pool) scheduleReconnect(url string, since *int64) {
	p.mu.Lock()
	if p.closed.Load() || p.reconnecting[url] {
		p.mu.Unlock()
		return
	}
	p.reconnecting[url] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		var rc *relayConn
		attempts, err := util.Retry(p.ctx, p.reconnect, func() error {
			var err error
			rc, err = p.getOrDial(p.ctx, url)
			return err
		})

		p.mu.Lock()
		delete(p.reconnecting, url)
		p.mu.Unlock()

		if err != nil {
			if !p.closed.Load() {
				p.log.Error("relay reconnect abandoned", "relay", url, "attempts", attempts, "error", err)
			}
			return
		}

		p.log.Info("relay reconnected", "relay", url, "attempts", attempts)
		if err := p.resubscribe(rc, since); err != nil || rc.isClosed() {
			p.scheduleReconnect(url, since)
		}
	}()
}

func (p *Pool) resubscribe(rc *relayConn, since *int64) error {
	type req struct {
		id     string
		filter types.Filter
	}

	p.mu.RLock()
	var reqs []req
	for _, sub := range p.subs {
		if !slices.Contains(sub.relays, rc.url) {
			continue
		}
		f := sub.filter
		if since != nil && (f.Since == nil || *f.Since < *since) {
			f = f.WithSince(*since)
		}
		reqs = append(reqs, req{id: sub.id, filter: f})
	}
	p.mu.RUnlock()

	for _, r := range reqs {
		if err := rc.writeJSON([]interface{}{"REQ", r.id, r.filter}); err != nil {
			return fmt.Errorf("resubscribe %s on %s: %w", r.id, rc.url, err)
		}
	}
	return nil
}

// Close disconnects every relay, stops reconnects and closes the
// notification stream.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.mu.Unlock()

	for _, rc := range conns {
		if rc.markClosed() {
			p.metrics.RelayDisconnected()
		}
	}

	p.wg.Wait()
	close(p.events)
	return nil
}

func newSubscriptionID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "nwc-" + hex.EncodeToString(b)
}
