package nwc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/record"
)

const (
	MethodGetInfo       = "get_info"
	MethodGetBalance    = "get_balance"
	MethodPayInvoice    = "pay_invoice"
	MethodPayKeysend    = "pay_keysend"
	MethodMakeInvoice   = "make_invoice"
	MethodLookupInvoice = "lookup_invoice"
)

// SupportedMethods is advertised in the info event and get_info.
var SupportedMethods = []string{
	MethodPayInvoice,
	MethodPayKeysend,
	MethodGetBalance,
	MethodGetInfo,
	MethodMakeInvoice,
	MethodLookupInvoice,
}

// Command is a decoded wallet request. The set is closed.
type Command interface {
	Method() string
	validate() error
}

type GetInfo struct{}

// GetBalance asks for the wallet's spendable lightning balance, which is
// the channel local balance in msat and excludes on-chain funds.
type GetBalance struct{}

type PayInvoice struct {
	Invoice    string
	AmountMsat *int64 // only for zero-amount invoices
}

// TLVRecord is a custom record attached to a keysend payment.
type TLVRecord struct {
	Type  uint64
	Value []byte
}

type PayKeysend struct {
	Pubkey     []byte // 33 byte compressed node key
	AmountMsat int64
	Preimage   *lntypes.Preimage
	TLVRecords []TLVRecord
}

type MakeInvoice struct {
	AmountMsat      int64
	Description     string
	DescriptionHash []byte
	Expiry          *int64 // seconds
}

type LookupInvoice struct {
	PaymentHash *lntypes.Hash
	Invoice     string
}

func (GetInfo) Method() string       { return MethodGetInfo }
func (GetBalance) Method() string    { return MethodGetBalance }
func (PayInvoice) Method() string    { return MethodPayInvoice }
func (PayKeysend) Method() string    { return MethodPayKeysend }
func (MakeInvoice) Method() string   { return MethodMakeInvoice }
func (LookupInvoice) Method() string { return MethodLookupInvoice }

func (GetInfo) validate() error    { return nil }
func (GetBalance) validate() error { return nil }

func (c PayInvoice) validate() error {
	if c.Invoice == "" {
		return errors.New("invoice is required")
	}
	if c.AmountMsat != nil && *c.AmountMsat <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

func (c PayKeysend) validate() error {
	if len(c.Pubkey) != 33 {
		return fmt.Errorf("pubkey must be 33 bytes, got %d", len(c.Pubkey))
	}
	if c.AmountMsat <= 0 {
		return errors.New("amount must be positive")
	}
	for _, r := range c.TLVRecords {
		if r.Type < record.CustomTypeStart {
			return fmt.Errorf("tlv type %d is below the custom range", r.Type)
		}
	}
	return nil
}

func (c MakeInvoice) validate() error {
	if c.AmountMsat <= 0 {
		return errors.New("amount must be positive")
	}
	if c.DescriptionHash != nil && len(c.DescriptionHash) != 32 {
		return fmt.Errorf("description_hash must be 32 bytes, got %d", len(c.DescriptionHash))
	}
	if c.Expiry != nil && *c.Expiry <= 0 {
		return errors.New("expiry must be positive")
	}
	return nil
}

func (c LookupInvoice) validate() error {
	if (c.PaymentHash == nil) == (c.Invoice == "") {
		return errors.New("exactly one of payment_hash or invoice is required")
	}
	return nil
}

// wire params

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
	Amount  *int64 `json:"amount,omitempty"`
}

type tlvParam struct {
	Type  uint64 `json:"type"`
	Value string `json:"value"`
}

type payKeysendParams struct {
	Amount     int64      `json:"amount"`
	Pubkey     string     `json:"pubkey"`
	Preimage   string     `json:"preimage,omitempty"`
	TLVRecords []tlvParam `json:"tlv_records,omitempty"`
}

type makeInvoiceParams struct {
	Amount          int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Expiry          *int64 `json:"expiry,omitempty"`
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

func decodeParams(method string, raw json.RawMessage) (Command, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	switch method {
	case MethodGetInfo:
		return GetInfo{}, nil
	case MethodGetBalance:
		return GetBalance{}, nil

	case MethodPayInvoice:
		var p payInvoiceParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return PayInvoice{Invoice: p.Invoice, AmountMsat: p.Amount}, nil

	case MethodPayKeysend:
		var p payKeysendParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		pubkey, err := hex.DecodeString(p.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("pubkey: %w", err)
		}
		cmd := PayKeysend{Pubkey: pubkey, AmountMsat: p.Amount}
		if p.Preimage != "" {
			preimage, err := lntypes.MakePreimageFromStr(p.Preimage)
			if err != nil {
				return nil, fmt.Errorf("preimage: %w", err)
			}
			cmd.Preimage = &preimage
		}
		for _, r := range p.TLVRecords {
			value, err := hex.DecodeString(r.Value)
			if err != nil {
				return nil, fmt.Errorf("tlv record %d: %w", r.Type, err)
			}
			cmd.TLVRecords = append(cmd.TLVRecords, TLVRecord{Type: r.Type, Value: value})
		}
		return cmd, nil

	case MethodMakeInvoice:
		var p makeInvoiceParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		cmd := MakeInvoice{AmountMsat: p.Amount, Description: p.Description, Expiry: p.Expiry}
		if p.DescriptionHash != "" {
			h, err := hex.DecodeString(p.DescriptionHash)
			if err != nil {
				return nil, fmt.Errorf("description_hash: %w", err)
			}
			cmd.DescriptionHash = h
		}
		return cmd, nil

	case MethodLookupInvoice:
		var p lookupInvoiceParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		cmd := LookupInvoice{Invoice: p.Invoice}
		if p.PaymentHash != "" {
			h, err := lntypes.MakeHashFromStr(p.PaymentHash)
			if err != nil {
				return nil, fmt.Errorf("payment_hash: %w", err)
			}
			cmd.PaymentHash = &h
		}
		return cmd, nil
	}

	return nil, errUnknownMethod
}

var errUnknownMethod = errors.New("unknown method")
