package nwc

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/record"

	"lnd-nwc/internal/lightning"
	"lnd-nwc/internal/nostr"
)

const (
	PaymentTimeout = 60 * time.Second
	backendTimeout = 30 * time.Second
)

// SettlementNotifier receives settlement triggers from the dispatcher.
// *Notifier implements it.
type SettlementNotifier interface {
	Notify(ctx context.Context, s *Session, n *Notification) error
	Watch(s *Session, hash lntypes.Hash)
}

// Dispatcher executes decoded commands against the backend.
type Dispatcher struct {
	backend  Backend
	notifier SettlementNotifier
	log      *slog.Logger

	paymentTimeout time.Duration
}

func NewDispatcher(backend Backend, notifier SettlementNotifier, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		backend:        backend,
		notifier:       notifier,
		log:            log,
		paymentTimeout: PaymentTimeout,
	}
}

// Handle runs cmd on behalf of s. Errors are always *DispatchError.
// Settlement notifications triggered by the command are sent before Handle
// returns; notification failures never fail the command.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command, s *Session) (Result, error) {
	if err := cmd.validate(); err != nil {
		return nil, validationError("%s: %v", cmd.Method(), err)
	}

	switch c := cmd.(type) {
	case GetInfo:
		return InfoResult{Methods: SupportedMethods, Notifications: SupportedNotifications}, nil
	case GetBalance:
		return d.getBalance(ctx)
	case PayInvoice:
		return d.payInvoice(ctx, c, s)
	case PayKeysend:
		return d.payKeysend(ctx, c, s)
	case MakeInvoice:
		return d.makeInvoice(ctx, c, s)
	case LookupInvoice:
		return d.lookupInvoice(ctx, c, s)
	default:
		return nil, &DispatchError{Kind: UnknownCommand, Message: fmt.Sprintf("unsupported method %q", cmd.Method())}
	}
}

func (d *Dispatcher) getBalance(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	msat, err := d.backend.Balance(ctx)
	if err != nil {
		return nil, backendError("get balance", err)
	}
	return BalanceResult{Balance: msat}, nil
}

func (d *Dispatcher) payInvoice(ctx context.Context, c PayInvoice, s *Session) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.paymentTimeout)
	defer cancel()

	var amount int64
	if c.AmountMsat != nil {
		amount = *c.AmountMsat
	}
	pay, err := d.backend.PayInvoice(ctx, c.Invoice, amount)
	if err != nil {
		return nil, backendError("pay invoice", err)
	}

	d.log.Info("invoice paid", "session", s.Name, "hash", pay.PaymentHash.String(),
		"amount_msat", pay.AmountMsat, "fee_msat", pay.FeeMsat)

	d.notifySent(ctx, s, pay, c.Invoice)
	return PaymentResult{Method: MethodPayInvoice, Preimage: pay.Preimage.String(), FeesPaid: pay.FeeMsat}, nil
}

func (d *Dispatcher) payKeysend(ctx context.Context, c PayKeysend, s *Session) (Result, error) {
	var preimage lntypes.Preimage
	if c.Preimage != nil {
		preimage = *c.Preimage
	} else {
		var err error
		if preimage, err = randomPreimage(); err != nil {
			return nil, &DispatchError{Kind: BackendUnavailable, Message: "generate preimage", Err: err}
		}
	}

	records := make(map[uint64][]byte, len(c.TLVRecords)+1)
	for _, r := range c.TLVRecords {
		if r.Type == record.KeySendType {
			continue
		}
		records[r.Type] = r.Value
	}
	records[record.KeySendType] = preimage[:]

	ctx, cancel := context.WithTimeout(ctx, d.paymentTimeout)
	defer cancel()

	pay, err := d.backend.PayKeysend(ctx, c.Pubkey, c.AmountMsat, preimage, records)
	if err != nil {
		return nil, backendError("keysend", err)
	}
	if pay.Preimage == (lntypes.Preimage{}) {
		pay.Preimage = preimage
	}
	if pay.PaymentHash == (lntypes.Hash{}) {
		pay.PaymentHash = preimage.Hash()
	}
	if pay.AmountMsat == 0 {
		pay.AmountMsat = c.AmountMsat
	}

	d.log.Info("keysend sent", "session", s.Name, "hash", pay.PaymentHash.String(),
		"amount_msat", pay.AmountMsat, "fee_msat", pay.FeeMsat)

	d.notifySent(ctx, s, pay, "")
	return PaymentResult{Method: MethodPayKeysend, Preimage: pay.Preimage.String(), FeesPaid: pay.FeeMsat}, nil
}

func (d *Dispatcher) makeInvoice(ctx context.Context, c MakeInvoice, s *Session) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	req := lightning.InvoiceRequest{
		AmountMsat:      c.AmountMsat,
		Memo:            c.Description,
		DescriptionHash: c.DescriptionHash,
	}
	if c.Expiry != nil {
		req.ExpirySecs = *c.Expiry
	}

	inv, err := d.backend.CreateInvoice(ctx, req)
	if err != nil {
		return nil, backendError("create invoice", err)
	}

	d.log.Info("invoice created", "session", s.Name, "hash", inv.PaymentHash.String(), "amount_msat", inv.AmountMsat)

	if d.notifier != nil {
		d.notifier.Watch(s, inv.PaymentHash)
	}
	return TransactionResult{Method: MethodMakeInvoice, Transaction: invoiceTransaction(inv)}, nil
}

func (d *Dispatcher) lookupInvoice(ctx context.Context, c LookupInvoice, s *Session) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	inv, err := d.backend.LookupInvoice(ctx, lightning.InvoiceQuery{PaymentHash: c.PaymentHash, PaymentRequest: c.Invoice})
	if err != nil {
		return nil, backendError("lookup invoice", err)
	}

	if inv.State == lightning.InvoiceSettled && d.notifier != nil {
		if err := d.notifier.Notify(ctx, s, incomingNotification(inv)); err != nil {
			d.log.Warn("settlement notification failed", "session", s.Name, "hash", inv.PaymentHash.String(), "error", err)
		}
	}
	return TransactionResult{Method: MethodLookupInvoice, Transaction: invoiceTransaction(inv)}, nil
}

func (d *Dispatcher) notifySent(ctx context.Context, s *Session, pay *lightning.Payment, invoice string) {
	if d.notifier == nil {
		return
	}
	n := &Notification{
		Direction:   Outgoing,
		State:       StateSettled,
		Invoice:     invoice,
		Preimage:    pay.Preimage,
		PaymentHash: pay.PaymentHash,
		AmountMsat:  pay.AmountMsat,
		FeesMsat:    pay.FeeMsat,
		CreatedAt:   pay.CreatedAt,
		SettledAt:   pay.SettledAt,
	}
	if n.SettledAt.IsZero() {
		n.SettledAt = time.Now()
	}
	// notify even when the payment used up the request deadline
	if err := d.notifier.Notify(context.WithoutCancel(ctx), s, n); err != nil {
		d.log.Warn("payment notification failed", "session", s.Name,
			"hash", nostr.ShortID(pay.PaymentHash.String()), "error", err)
	}
}

func randomPreimage() (lntypes.Preimage, error) {
	var buf [lntypes.PreimageSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return lntypes.Preimage{}, err
	}
	return lntypes.MakePreimage(buf[:])
}
