package nwc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lightningnetwork/lnd/lntypes"

	"lnd-nwc/internal/lightning"
	"lnd-nwc/internal/metrics"
	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/types"
	"lnd-nwc/internal/util"
)

const (
	defaultNotifiedCacheSize = 4096
	notifyPublishTimeout     = 15 * time.Second
)

var ErrNotificationRejected = errors.New("notification rejected by every relay")

// notificationKinds pairs each scheme with the kind legacy and current
// clients subscribe to.
var notificationKinds = []struct {
	scheme Scheme
	kind   int
}{
	{SchemeNIP44, nostr.KindWalletNotification2},
	{SchemeNIP04, nostr.KindWalletNotification},
}

// Notifier pushes payment notifications to clients and watches invoices
// created through make_invoice until they settle.
type Notifier struct {
	publisher Publisher
	waiter    SettlementWaiter
	service   *nostr.Keys
	log       *slog.Logger
	metrics   *metrics.Metrics

	// (session, direction, hash) markers so a settlement is pushed once
	notified *lru.Cache

	// watchers outlive the engine; they only end with the backend stream
	watchCtx context.Context
	wg       sync.WaitGroup
}

type NotifierOptions struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	CacheSize int
}

func NewNotifier(publisher Publisher, waiter SettlementWaiter, service *nostr.Keys, opts NotifierOptions) (*Notifier, error) {
	if service == nil {
		return nil, errors.New("service key is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultNotifiedCacheSize
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("notification cache: %w", err)
	}
	return &Notifier{
		publisher: publisher,
		waiter:    waiter,
		service:   service,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		notified:  cache,
		watchCtx:  context.Background(),
	}, nil
}

func notifiedKey(s *Session, n *Notification) string {
	return s.Name + "|" + s.ClientPubKey + "|" + n.Direction.String() + "|" + n.PaymentHash.String()
}

// Notify publishes n to the relays of s, once per settlement. A repeated
// call for the same settlement is a no-op.
func (n *Notifier) Notify(ctx context.Context, s *Session, note *Notification) error {
	key := notifiedKey(s, note)
	if seen, _ := n.notified.ContainsOrAdd(key, struct{}{}); seen {
		n.log.Debug("notification already sent", "session", s.Name, "type", note.Type(),
			"hash", nostr.ShortID(note.PaymentHash.String()))
		n.metrics.NotificationSent(note.Type(), "duplicate")
		return nil
	}

	payload, err := EncodeNotification(note)
	if err != nil {
		n.notified.Remove(key)
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, notifyPublishTimeout)
	defer cancel()

	signer := s.signer(n.service)
	accepted := false
	var errs []error
	for _, nk := range notificationKinds {
		content, err := Encrypt(s, nk.scheme, string(payload))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nk.scheme, err))
			continue
		}
		evt := types.Event{
			Kind:    nk.kind,
			Tags:    [][]string{{"p", s.ClientPubKey}},
			Content: content,
		}
		if err := signer.Sign(&evt); err != nil {
			errs = append(errs, fmt.Errorf("sign kind %d: %w", nk.kind, err))
			continue
		}

		res := n.publisher.Publish(ctx, s.Relays, evt)
		if res.Accepted() {
			accepted = true
		} else {
			errs = append(errs, fmt.Errorf("kind %d: %w", nk.kind, ErrNotificationRejected))
		}
		n.log.Debug("notification published", "session", s.Name, "kind", nk.kind,
			"event", nostr.ShortID(evt.ID), "accepted", len(res.AcceptedBy), "rejected", len(res.RejectedBy))
	}

	if !accepted {
		// allow a later lookup or watcher to try again
		n.notified.Remove(key)
		n.metrics.NotificationSent(note.Type(), "failed")
		return errors.Join(errs...)
	}

	n.log.Info("notification sent", "session", s.Name, "type", note.Type(),
		"hash", nostr.ShortID(note.PaymentHash.String()), "amount_msat", note.AmountMsat)
	n.metrics.NotificationSent(note.Type(), "sent")
	return nil
}

// Watch waits in the background for the invoice to settle and then pushes
// a payment_received notification. Cancellation or stream end only logs.
func (n *Notifier) Watch(s *Session, hash lntypes.Hash) {
	n.wg.Add(1)
	n.metrics.WatcherStarted()
	util.SafeGoWithName("settlement-watcher", func() {
		defer n.wg.Done()
		defer n.metrics.WatcherFinished()
		n.watch(s, hash)
	})
}

func (n *Notifier) watch(s *Session, hash lntypes.Hash) {
	log := n.log.With("session", s.Name, "hash", nostr.ShortID(hash.String()))

	inv, err := n.waiter.WaitForSettlement(n.watchCtx, hash)
	switch {
	case errors.Is(err, lightning.ErrSettlementCanceled):
		log.Info("invoice canceled, no notification")
		return
	case err != nil:
		log.Warn("settlement watch ended", "error", err)
		return
	case inv.State != lightning.InvoiceSettled:
		log.Info("settlement watch ended without settlement", "state", inv.State.String())
		return
	}

	if err := n.Notify(n.watchCtx, s, incomingNotification(inv)); err != nil {
		log.Warn("settlement notification failed", "error", err)
	}
}

// Wait blocks until every watcher has returned.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
