package nwc

import (
	"context"

	"github.com/lightningnetwork/lnd/lntypes"

	"lnd-nwc/internal/lightning"
	"lnd-nwc/internal/types"
)

// Publisher sends signed events to relays.
type Publisher interface {
	Publish(ctx context.Context, relays []string, evt types.Event) types.PublishResult
}

// Subscriber opens relay subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, relays []string, filter types.Filter) (string, error)
	Unsubscribe(subID string)
}

// Transport is the relay side of the service. *relay.Pool implements it.
type Transport interface {
	Publisher
	Subscriber
	Connect(ctx context.Context, url string) error
	Notifications() <-chan types.InboundEvent
}

// SettlementWaiter blocks until an invoice settles or is canceled.
type SettlementWaiter interface {
	WaitForSettlement(ctx context.Context, hash lntypes.Hash) (*lightning.Invoice, error)
}

// Backend is the payment node. *lnd.Client implements it.
type Backend interface {
	SettlementWaiter
	// Balance is the spendable lightning balance (channel local balance) in msat.
	Balance(ctx context.Context) (int64, error)
	PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*lightning.Payment, error)
	PayKeysend(ctx context.Context, dest []byte, amountMsat int64, preimage lntypes.Preimage, records map[uint64][]byte) (*lightning.Payment, error)
	CreateInvoice(ctx context.Context, req lightning.InvoiceRequest) (*lightning.Invoice, error)
	LookupInvoice(ctx context.Context, q lightning.InvoiceQuery) (*lightning.Invoice, error)
}
