// Package lightning defines the payment-node types consumed by the wallet
// service. The lnd subpackage implements them over LND's gRPC API.
package lightning

import (
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSettlementCanceled  = errors.New("invoice canceled")
)

// PaymentError is a payment that reached the FAILED terminal state.
type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment failed: %s", e.Reason)
}

// Payment is the terminal state of an outgoing payment.
type Payment struct {
	PaymentHash lntypes.Hash
	Preimage    lntypes.Preimage
	AmountMsat  int64
	FeeMsat     int64
	CreatedAt   time.Time
	SettledAt   time.Time
}

type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceAccepted
	InvoiceSettled
	InvoiceCanceled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceOpen:
		return "open"
	case InvoiceAccepted:
		return "accepted"
	case InvoiceSettled:
		return "settled"
	case InvoiceCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("InvoiceState(%d)", int(s))
	}
}

// Invoice is an incoming payment request as known by the node.
type Invoice struct {
	PaymentRequest  string
	PaymentHash     lntypes.Hash
	Preimage        *lntypes.Preimage // set once settled
	Memo            string
	DescriptionHash []byte
	AmountMsat      int64
	AmtPaidMsat     int64
	State           InvoiceState
	CreatedAt       time.Time
	ExpiresAt       time.Time
	SettledAt       time.Time
}

// InvoiceRequest are the parameters for creating an invoice.
type InvoiceRequest struct {
	AmountMsat      int64
	Memo            string
	DescriptionHash []byte
	ExpirySecs      int64
}

// InvoiceQuery selects an invoice by hash or by its payment request.
// Exactly one field is set.
type InvoiceQuery struct {
	PaymentHash    *lntypes.Hash
	PaymentRequest string
}

// NodeInfo is the node summary shown by the CLI.
type NodeInfo struct {
	Alias       string
	PubKey      string
	Network     string
	BlockHeight uint32
	BlockHash   string
	Color       string
}

// FeeLimitMsat returns the routing fee budget for a payment of amountMsat:
// the whole amount for payments up to 1000 sat, 5% above that, and no
// limit when the amount is unknown (0).
func FeeLimitMsat(amountMsat int64) int64 {
	switch {
	case amountMsat <= 0:
		return 0
	case amountMsat <= 1_000_000:
		return amountMsat
	default:
		return amountMsat / 20
	}
}
