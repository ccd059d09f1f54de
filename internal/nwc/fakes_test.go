package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lnd-nwc/internal/lightning"
	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	relays []string
	event  types.Event
}

type fakeSub struct {
	id     string
	relays []string
	filter types.Filter
}

// fakeTransport records everything the engine sends and lets tests inject
// inbound events.
type fakeTransport struct {
	mu        sync.Mutex
	connected []string
	subs      []fakeSub
	published []published
	nextSub   int
	closed    []string

	failSubscribe map[string]bool // by identity pubkey
	rejectAll     bool

	events chan types.InboundEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failSubscribe: make(map[string]bool),
		events:        make(chan types.InboundEvent, 16),
	}
}

func (f *fakeTransport) Connect(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, url)
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, relays []string, filter types.Filter) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(filter.PTags) > 0 && f.failSubscribe[filter.PTags[0]] {
		return "", errors.New("relay said no")
	}
	f.nextSub++
	id := fmt.Sprintf("sub-%d", f.nextSub)
	f.subs = append(f.subs, fakeSub{id: id, relays: relays, filter: filter})
	return id, nil
}

func (f *fakeTransport) Unsubscribe(subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, subID)
}

func (f *fakeTransport) Publish(_ context.Context, relays []string, evt types.Event) types.PublishResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{relays: relays, event: evt})
	res := types.PublishResult{RejectedBy: map[string]string{}}
	for _, r := range relays {
		if f.rejectAll {
			res.RejectedBy[r] = "blocked: test"
		} else {
			res.AcceptedBy = append(res.AcceptedBy, r)
		}
	}
	return res
}

func (f *fakeTransport) Notifications() <-chan types.InboundEvent {
	return f.events
}

func (f *fakeTransport) subFor(s *Session) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if len(sub.filter.PTags) > 0 && sub.filter.PTags[0] == s.IdentityPubKey {
			return sub.id
		}
	}
	return ""
}

func (f *fakeTransport) ofKind(kind int) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.event.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

type keysendCall struct {
	dest     []byte
	amount   int64
	preimage lntypes.Preimage
	records  map[uint64][]byte
}

// fakeBackend is an in-memory payment node.
type fakeBackend struct {
	mu       sync.Mutex
	balance  int64
	payErr   error
	payment  *lightning.Payment
	payCalls int
	keysends []keysendCall
	invoices map[lntypes.Hash]*lightning.Invoice
	created  []lightning.InvoiceRequest
	lookups  int

	// block makes payments wait for ctx
	block bool

	settled  chan *lightning.Invoice
	stopOnce sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		invoices: make(map[lntypes.Hash]*lightning.Invoice),
		settled:  make(chan *lightning.Invoice, 4),
	}
}

// stop ends every pending WaitForSettlement.
func (b *fakeBackend) stop() {
	b.stopOnce.Do(func() { close(b.settled) })
}

func (b *fakeBackend) Balance(context.Context) (int64, error) {
	return b.balance, nil
}

func (b *fakeBackend) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*lightning.Payment, error) {
	b.mu.Lock()
	b.payCalls++
	block, payErr, payment := b.block, b.payErr, b.payment
	b.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if payErr != nil {
		return nil, payErr
	}
	p := *payment
	return &p, nil
}

func (b *fakeBackend) PayKeysend(_ context.Context, dest []byte, amountMsat int64, preimage lntypes.Preimage, records map[uint64][]byte) (*lightning.Payment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keysends = append(b.keysends, keysendCall{dest: dest, amount: amountMsat, preimage: preimage, records: records})
	if b.payErr != nil {
		return nil, b.payErr
	}
	return &lightning.Payment{PaymentHash: preimage.Hash(), AmountMsat: amountMsat, FeeMsat: 3}, nil
}

func (b *fakeBackend) CreateInvoice(_ context.Context, req lightning.InvoiceRequest) (*lightning.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, req)
	preimage := lntypes.Preimage{byte(len(b.created)), 0xaa}
	inv := &lightning.Invoice{
		PaymentRequest: "lnbcrt500n1fake",
		PaymentHash:    preimage.Hash(),
		Memo:           req.Memo,
		AmountMsat:     req.AmountMsat,
		State:          lightning.InvoiceOpen,
	}
	b.invoices[inv.PaymentHash] = inv
	return inv, nil
}

func (b *fakeBackend) LookupInvoice(_ context.Context, q lightning.InvoiceQuery) (*lightning.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups++
	if q.PaymentHash == nil {
		for _, inv := range b.invoices {
			if inv.PaymentRequest == q.PaymentRequest {
				return inv, nil
			}
		}
		return nil, lightning.ErrInvoiceNotFound
	}
	inv, ok := b.invoices[*q.PaymentHash]
	if !ok {
		return nil, lightning.ErrInvoiceNotFound
	}
	return inv, nil
}

func (b *fakeBackend) WaitForSettlement(ctx context.Context, hash lntypes.Hash) (*lightning.Invoice, error) {
	select {
	case inv, ok := <-b.settled:
		if !ok {
			return nil, io.EOF
		}
		return inv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestSession(t *testing.T, name string, relays ...string) *Session {
	t.Helper()
	if len(relays) == 0 {
		relays = []string{"wss://relay.test"}
	}
	s, err := GenerateSession(name, relays)
	require.NoError(t, err)
	return s
}

// request builds a signed request the way the client of s would.
func request(t *testing.T, s *Session, scheme Scheme, payload string) types.Event {
	t.Helper()
	keys, err := nostr.KeysFromBytes(s.Secret)
	require.NoError(t, err)

	content, err := Encrypt(s, scheme, payload)
	require.NoError(t, err)

	evt := types.Event{
		Kind:    nostr.KindWalletRequest,
		Tags:    [][]string{{"p", s.IdentityPubKey}},
		Content: content,
	}
	if scheme == SchemeNIP44 {
		evt.Tags = append(evt.Tags, []string{"encryption", string(SchemeNIP44)})
	}
	require.NoError(t, keys.Sign(&evt))
	return evt
}

type envelope struct {
	ResultType       string          `json:"result_type"`
	Result           json.RawMessage `json:"result"`
	Error            *responseError  `json:"error"`
	NotificationType string          `json:"notification_type"`
	Notification     Transaction     `json:"notification"`
}

// open decrypts an outbound event as the client of s sees it.
func open(t *testing.T, s *Session, evt types.Event) envelope {
	t.Helper()
	plaintext, err := Decrypt(s, SchemeOf(&evt), evt.Content)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(plaintext), &env))
	return env
}
