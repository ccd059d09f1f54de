package nwc

import (
	"encoding/hex"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"lnd-nwc/internal/lightning"
)

const (
	NotificationPaymentReceived = "payment_received"
	NotificationPaymentSent     = "payment_sent"
)

// SupportedNotifications is advertised next to SupportedMethods.
var SupportedNotifications = []string{NotificationPaymentReceived, NotificationPaymentSent}

// Result is the successful outcome of a Command. The set is closed.
type Result interface {
	ResultType() string
	isResult()
}

type InfoResult struct {
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

type BalanceResult struct {
	Balance int64 `json:"balance"` // msat
}

// PaymentResult answers pay_invoice and pay_keysend.
type PaymentResult struct {
	Method   string `json:"-"`
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid"`
}

// TransactionResult answers make_invoice and lookup_invoice.
type TransactionResult struct {
	Method string `json:"-"`
	Transaction
}

func (InfoResult) ResultType() string          { return MethodGetInfo }
func (BalanceResult) ResultType() string       { return MethodGetBalance }
func (r PaymentResult) ResultType() string     { return r.Method }
func (r TransactionResult) ResultType() string { return r.Method }

func (InfoResult) isResult()        {}
func (BalanceResult) isResult()     {}
func (PaymentResult) isResult()     {}
func (TransactionResult) isResult() {}

// Transaction is the NIP-47 transaction object shared by results and
// notifications. Timestamps are unix seconds, amounts msat.
type Transaction struct {
	Type            string `json:"type"`
	State           string `json:"state,omitempty"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	Amount          int64  `json:"amount"`
	FeesPaid        int64  `json:"fees_paid"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

type SettlementState int

const (
	StatePending SettlementState = iota
	StateSettled
	StateFailed
)

func (s SettlementState) String() string {
	switch s {
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

func settlementState(s lightning.InvoiceState) SettlementState {
	switch s {
	case lightning.InvoiceSettled:
		return StateSettled
	case lightning.InvoiceCanceled:
		return StateFailed
	default:
		return StatePending
	}
}

// Notification reports a payment that reached a terminal state.
type Notification struct {
	Direction       Direction
	State           SettlementState
	Invoice         string
	Description     string
	DescriptionHash []byte
	Preimage        lntypes.Preimage
	PaymentHash     lntypes.Hash
	AmountMsat      int64
	FeesMsat        int64
	CreatedAt       time.Time
	ExpiresAt       time.Time
	SettledAt       time.Time
}

// Type is the notification_type on the wire.
func (n *Notification) Type() string {
	if n.Direction == Outgoing {
		return NotificationPaymentSent
	}
	return NotificationPaymentReceived
}

func (n *Notification) transaction() Transaction {
	tx := Transaction{
		Type:        n.Direction.String(),
		State:       n.State.String(),
		Invoice:     n.Invoice,
		Description: n.Description,
		Preimage:    n.Preimage.String(),
		PaymentHash: n.PaymentHash.String(),
		Amount:      n.AmountMsat,
		FeesPaid:    n.FeesMsat,
		CreatedAt:   unixOrZero(n.CreatedAt),
		ExpiresAt:   unixOrZero(n.ExpiresAt),
		SettledAt:   unixOrZero(n.SettledAt),
	}
	if len(n.DescriptionHash) > 0 {
		tx.DescriptionHash = hex.EncodeToString(n.DescriptionHash)
	}
	return tx
}

// incomingNotification builds a payment_received notification from a
// settled invoice.
func incomingNotification(inv *lightning.Invoice) *Notification {
	n := &Notification{
		Direction:       Incoming,
		State:           StateSettled,
		Invoice:         inv.PaymentRequest,
		Description:     inv.Memo,
		DescriptionHash: inv.DescriptionHash,
		PaymentHash:     inv.PaymentHash,
		AmountMsat:      inv.AmtPaidMsat,
		CreatedAt:       inv.CreatedAt,
		ExpiresAt:       inv.ExpiresAt,
		SettledAt:       inv.SettledAt,
	}
	if n.AmountMsat == 0 {
		n.AmountMsat = inv.AmountMsat
	}
	if inv.Preimage != nil {
		n.Preimage = *inv.Preimage
	}
	return n
}

// invoiceTransaction renders an invoice. The preimage is only exposed once
// the invoice is settled.
func invoiceTransaction(inv *lightning.Invoice) Transaction {
	tx := Transaction{
		Type:        Incoming.String(),
		State:       settlementState(inv.State).String(),
		Invoice:     inv.PaymentRequest,
		Description: inv.Memo,
		PaymentHash: inv.PaymentHash.String(),
		Amount:      inv.AmountMsat,
		CreatedAt:   unixOrZero(inv.CreatedAt),
		ExpiresAt:   unixOrZero(inv.ExpiresAt),
		SettledAt:   unixOrZero(inv.SettledAt),
	}
	if inv.State == lightning.InvoiceSettled && inv.AmtPaidMsat > 0 {
		tx.Amount = inv.AmtPaidMsat
	}
	if len(inv.DescriptionHash) > 0 {
		tx.DescriptionHash = hex.EncodeToString(inv.DescriptionHash)
	}
	if inv.State == lightning.InvoiceSettled && inv.Preimage != nil {
		tx.Preimage = inv.Preimage.String()
	}
	return tx
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
