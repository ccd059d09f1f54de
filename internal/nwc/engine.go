package nwc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"lnd-nwc/internal/metrics"
	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/types"
)

const publishTimeout = 15 * time.Second

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNoSessions     = errors.New("no wallet session could subscribe")
)

// State is the engine lifecycle position.
type State int32

const (
	Idle State = iota
	Announcing
	Subscribing
	Serving
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Announcing:
		return "announcing"
	case Subscribing:
		return "subscribing"
	case Serving:
		return "serving"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is everything the engine needs besides its two ports.
type Config struct {
	ServiceKeys *nostr.Keys
	Sessions    []*Session
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// Now is overridable for tests.
	Now func() time.Time
}

// Engine consumes wallet requests from the relays, executes them and
// answers each one on the session it arrived on.
type Engine struct {
	transport  Transport
	dispatcher *Dispatcher
	notifier   *Notifier
	service    *nostr.Keys
	sessions   []*Session
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// written once in Run before Serving, read only afterwards
	registry *Registry
	state    atomic.Int32
}

func New(transport Transport, backend Backend, cfg Config) (*Engine, error) {
	if cfg.ServiceKeys == nil {
		return nil, errors.New("service key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	notifier, err := NewNotifier(transport, backend, cfg.ServiceKeys, NotifierOptions{
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		transport:  transport,
		dispatcher: NewDispatcher(backend, notifier, cfg.Logger),
		notifier:   notifier,
		service:    cfg.ServiceKeys,
		sessions:   cfg.Sessions,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}, nil
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Wait blocks until every settlement watcher has returned.
func (e *Engine) Wait() {
	e.notifier.Wait()
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.log.Debug("engine state", "state", s.String())
}

// Run announces, subscribes and serves until ctx is canceled or the
// transport closes its stream. Requests already being handled complete
// before Run returns; settlement watchers keep running.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(Idle), int32(Announcing)) {
		return ErrAlreadyStarted
	}
	defer e.setState(Stopped)

	start := e.now().Unix()

	relays := RelayUnion(e.sessions)
	for _, url := range relays {
		if err := e.transport.Connect(ctx, url); err != nil {
			e.log.Warn("relay connection failed", "relay", url, "error", err)
		}
	}
	e.announce(ctx, relays)

	e.setState(Subscribing)
	live, reg := BuildRegistry(ctx, e.transport, e.sessions, start, e.log)
	e.registry = reg
	e.metrics.SetSessions(reg.Len())
	if reg.Len() == 0 {
		return ErrNoSessions
	}

	e.setState(Serving)
	e.log.Info("serving wallet requests", "sessions", reg.Len(), "relays", len(live),
		"service_pubkey", e.service.PublicKey())

	events := e.transport.Notifications()
	for {
		select {
		case <-ctx.Done():
			e.setState(ShuttingDown)
			e.log.Info("shutting down", "reason", context.Cause(ctx))
			e.registry.Release(e.transport)
			return nil
		case in, ok := <-events:
			if !ok {
				e.setState(ShuttingDown)
				e.log.Warn("relay transport closed")
				return nil
			}
			e.handleEvent(ctx, in)
		}
	}
}

// InfoEvent builds the capability announcement signed by keys.
func InfoEvent(keys *nostr.Keys) (types.Event, error) {
	evt := types.Event{
		Kind:    nostr.KindWalletInfo,
		Content: strings.Join(SupportedMethods, " "),
		Tags: [][]string{
			{"encryption", encryptionTag},
			{"notifications", strings.Join(SupportedNotifications, " ")},
		},
	}
	err := keys.Sign(&evt)
	return evt, err
}

func (e *Engine) announce(ctx context.Context, relays []string) {
	e.publishInfo(ctx, e.service, relays, "")
	for _, s := range e.sessions {
		if k := s.IdentityKey(); k != nil {
			e.publishInfo(ctx, k, s.Relays, s.Name)
		}
	}
}

func (e *Engine) publishInfo(ctx context.Context, keys *nostr.Keys, relays []string, session string) {
	if len(relays) == 0 {
		return
	}
	evt, err := InfoEvent(keys)
	if err != nil {
		e.log.Error("failed to sign info event", "session", session, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	res := e.transport.Publish(ctx, relays, evt)
	e.metrics.RelayPublish(res.Accepted())
	if !res.Accepted() {
		e.log.Warn("info event rejected by every relay", "session", session, "rejected", res.RejectedBy)
		return
	}
	e.log.Info("info event published", "session", session, "pubkey", nostr.ShortID(keys.PublicKey()),
		"accepted_by", res.AcceptedBy)
}

func (e *Engine) drop(reason string, log *slog.Logger, msg string, args ...any) {
	e.metrics.EventDropped(reason)
	log.Debug(msg, args...)
}

func (e *Engine) handleEvent(ctx context.Context, in types.InboundEvent) {
	evt := &in.Event
	if evt.Kind != nostr.KindWalletRequest {
		e.drop("kind", e.log, "ignoring event kind", "kind", evt.Kind, "event", nostr.ShortID(evt.ID))
		return
	}

	s, ok := e.registry.Lookup(in.SubscriptionID)
	if !ok {
		e.metrics.EventDropped("unknown_subscription")
		e.log.Warn("discarding event from unknown subscription", "sub_id", in.SubscriptionID,
			"relay", in.Relay, "event", nostr.ShortID(evt.ID))
		return
	}

	log := e.log.With("session", s.Name, "event", nostr.ShortID(evt.ID))

	if evt.PubKey != s.ClientPubKey || !evt.HasTag("p", s.IdentityPubKey) {
		e.drop("addressing", log, "dropping request not from this session", "author", nostr.ShortID(evt.PubKey))
		return
	}
	if exp := evt.TagValue("expiration"); exp != "" {
		if ts, err := strconv.ParseInt(exp, 10, 64); err == nil && ts < e.now().Unix() {
			e.drop("expired", log, "dropping expired request", "expiration", ts)
			return
		}
	}

	scheme := SchemeOf(evt)
	plaintext, err := Decrypt(s, scheme, evt.Content)
	if err != nil {
		e.drop("decrypt", log, "dropping undecryptable request", "scheme", scheme, "error", err)
		return
	}

	started := time.Now()
	method, payload, outcome := e.process(ctx, s, plaintext, log)
	if payload == nil {
		e.drop("decode", log, "dropping unparseable request")
		return
	}

	e.respond(ctx, s, evt, scheme, payload, log)
	e.metrics.RequestHandled(method, outcome, time.Since(started))
}

// process decodes and dispatches one request and renders the response
// envelope. A nil payload means the request gets no answer.
func (e *Engine) process(ctx context.Context, s *Session, plaintext string, log *slog.Logger) (method string, payload []byte, outcome string) {
	cmd, err := DecodeRequest(plaintext)
	if err != nil {
		var de *DecodeError
		if !errors.As(err, &de) || de.Kind == MalformedRequest {
			return "", nil, ""
		}
		log.Info("rejecting request", "method", de.Method, "error", de)
		return e.encodeError(de.Method, de.Code(), de.Error(), log)
	}

	method = cmd.Method()
	log.Debug("handling request", "method", method)

	// a request that was read runs to completion even during shutdown
	res, err := e.dispatcher.Handle(context.WithoutCancel(ctx), cmd, s)
	if err != nil {
		var derr *DispatchError
		if !errors.As(err, &derr) {
			derr = &DispatchError{Kind: BackendUnavailable, Message: "internal error", Err: err}
		}
		log.Warn("request failed", "method", method, "kind", derr.Kind.String(), "error", err)
		return e.encodeError(method, derr.Code(), derr.Message, log)
	}

	payload, err = EncodeResult(res)
	if err != nil {
		log.Error("failed to encode result", "method", method, "error", err)
		return e.encodeError(method, CodeInternal, "failed to encode result", log)
	}
	return method, payload, "ok"
}

func (e *Engine) encodeError(method string, code ErrorCode, message string, log *slog.Logger) (string, []byte, string) {
	payload, err := EncodeError(method, code, message)
	if err != nil {
		log.Error("failed to encode error response", "method", method, "error", err)
		return method, nil, ""
	}
	return method, payload, string(code)
}

func (e *Engine) respond(ctx context.Context, s *Session, req *types.Event, scheme Scheme, payload []byte, log *slog.Logger) {
	content, err := Encrypt(s, scheme, string(payload))
	if err != nil {
		log.Error("failed to encrypt response", "scheme", scheme, "error", err)
		return
	}

	tags := [][]string{{"e", req.ID}, {"p", req.PubKey}}
	if scheme == SchemeNIP44 {
		tags = append(tags, []string{"encryption", string(SchemeNIP44)})
	}
	resp := types.Event{Kind: nostr.KindWalletResponse, Tags: tags, Content: content}
	if err := s.signer(e.service).Sign(&resp); err != nil {
		log.Error("failed to sign response", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	res := e.transport.Publish(ctx, s.Relays, resp)
	e.metrics.RelayPublish(res.Accepted())
	if !res.Accepted() {
		log.Warn("response rejected by every relay", "response", nostr.ShortID(resp.ID), "rejected", res.RejectedBy)
		return
	}
	log.Debug("response published", "response", nostr.ShortID(resp.ID), "accepted_by", res.AcceptedBy)
}
