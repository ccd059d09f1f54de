// Package lnd implements the wallet backend over LND's gRPC API.
package lnd

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"

	"lnd-nwc/internal/lightning"
	"lnd-nwc/internal/util"
)

const (
	// paymentTimeoutSecs bounds how long LND keeps trying routes.
	paymentTimeoutSecs = 60
	maxGrpcRecvMsgSize = 50 * 1024 * 1024
	defaultDialTimeout = 10 * time.Second
	// lnd applies this when an invoice is added without an expiry
	lndDefaultInvoiceExpiry = 3600
)

// Config locates the node and its credentials.
type Config struct {
	Host         string
	CertFile     string
	MacaroonFile string
	DialTimeout  time.Duration
}

// Client is a lightning backend talking to one LND node. It is safe for
// concurrent use; gRPC multiplexes calls over one connection.
type Client struct {
	conn     io.Closer
	ln       lnrpc.LightningClient
	router   routerrpc.RouterClient
	invoices invoicesrpc.InvoicesClient
	log      *slog.Logger
}

// Dial connects to LND using its TLS certificate and an admin (or
// suitably scoped) macaroon, retrying a few times while the node starts.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}

	var conn *grpc.ClientConn
	_, err = util.Retry(ctx, &util.RetryConfig{MaxRetries: 4, BaseDelay: 2 * time.Second, Multiplier: 1}, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		conn, err = grpc.DialContext(dialCtx, cfg.Host, opts...)
		if err != nil {
			log.Warn("lnd dial failed", "host", cfg.Host, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to lnd at %s: %w", cfg.Host, err)
	}

	return newClient(conn, lnrpc.NewLightningClient(conn), routerrpc.NewRouterClient(conn),
		invoicesrpc.NewInvoicesClient(conn), log), nil
}

func dialOptions(cfg Config) ([]grpc.DialOption, error) {
	certBytes, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read tls cert: %w", err)
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(certBytes) {
		return nil, fmt.Errorf("tls cert %s: no certificates found", cfg.CertFile)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonFile)
	if err != nil {
		return nil, fmt.Errorf("read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("decode macaroon: %w", err)
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("macaroon credential: %w", err)
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(cp, "")),
		grpc.WithPerRPCCredentials(macCred),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGrpcRecvMsgSize)),
	}, nil
}

func newClient(conn io.Closer, ln lnrpc.LightningClient, router routerrpc.RouterClient,
	invoices invoicesrpc.InvoicesClient, log *slog.Logger) *Client {

	return &Client{
		conn:     conn,
		ln:       ln,
		router:   router,
		invoices: invoices,
		log:      log.With("component", "lnd"),
	}
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// NodeInfo returns alias, pubkey and chain position of the node.
func (c *Client) NodeInfo(ctx context.Context) (*lightning.NodeInfo, error) {
	resp, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("get info: %w", err)
	}
	info := &lightning.NodeInfo{
		Alias:       resp.Alias,
		PubKey:      resp.IdentityPubkey,
		BlockHeight: resp.BlockHeight,
		BlockHash:   resp.BlockHash,
		Color:       resp.Color,
	}
	if len(resp.Chains) > 0 {
		info.Network = resp.Chains[0].Network
	}
	return info, nil
}

// Balance returns the spendable lightning balance in msat: the local side
// of the node's open channels. On-chain funds are not included.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	resp, err := c.ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, fmt.Errorf("channel balance: %w", err)
	}
	if resp.LocalBalance == nil {
		return 0, nil
	}
	return int64(resp.LocalBalance.Msat), nil
}

// PayInvoice pays a BOLT11 invoice and blocks until the payment is terminal.
// amountMsat is only used for zero-amount invoices.
func (c *Client) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*lightning.Payment, error) {
	feeBase := amountMsat
	if feeBase == 0 {
		decoded, err := c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: invoice})
		if err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		feeBase = decoded.NumMsat
	}

	req := &routerrpc.SendPaymentRequest{
		PaymentRequest:    invoice,
		AmtMsat:           amountMsat,
		FeeLimitMsat:      feeLimit(feeBase),
		TimeoutSeconds:    paymentTimeoutSecs,
		NoInflightUpdates: true,
	}
	return c.sendPayment(ctx, req)
}

// PayKeysend sends a spontaneous payment carrying preimage in the keysend record.
func (c *Client) PayKeysend(ctx context.Context, dest []byte, amountMsat int64,
	preimage lntypes.Preimage, records map[uint64][]byte) (*lightning.Payment, error) {

	hash := preimage.Hash()
	req := &routerrpc.SendPaymentRequest{
		Dest:              dest,
		AmtMsat:           amountMsat,
		PaymentHash:       hash[:],
		DestCustomRecords: records,
		FeeLimitMsat:      feeLimit(amountMsat),
		TimeoutSeconds:    paymentTimeoutSecs,
		NoInflightUpdates: true,
	}
	return c.sendPayment(ctx, req)
}

func feeLimit(amountMsat int64) int64 {
	limit := lightning.FeeLimitMsat(amountMsat)
	if limit == 0 {
		// LND reads zero as "no fee allowed"
		return 1<<63 - 1
	}
	return limit
}

func (c *Client) sendPayment(ctx context.Context, req *routerrpc.SendPaymentRequest) (*lightning.Payment, error) {
	stream, err := c.router.SendPaymentV2(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send payment: %w", err)
	}

	for {
		p, err := stream.Recv()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("payment stream: %w", err)
		}

		switch p.Status {
		case lnrpc.Payment_SUCCEEDED:
			return paymentFromRPC(p)
		case lnrpc.Payment_FAILED:
			if p.FailureReason == lnrpc.PaymentFailureReason_FAILURE_REASON_INSUFFICIENT_BALANCE {
				return nil, lightning.ErrInsufficientBalance
			}
			return nil, &lightning.PaymentError{Reason: failureReason(p.FailureReason)}
		default:
			c.log.Debug("payment in flight", "hash", p.PaymentHash, "status", p.Status.String())
		}
	}
}

func failureReason(r lnrpc.PaymentFailureReason) string {
	return strings.ToLower(strings.TrimPrefix(r.String(), "FAILURE_REASON_"))
}

func paymentFromRPC(p *lnrpc.Payment) (*lightning.Payment, error) {
	out := &lightning.Payment{
		AmountMsat: p.ValueMsat,
		FeeMsat:    p.FeeMsat,
		CreatedAt:  time.Unix(0, p.CreationTimeNs),
		SettledAt:  time.Now(),
	}
	if p.PaymentHash != "" {
		h, err := lntypes.MakeHashFromStr(p.PaymentHash)
		if err != nil {
			return nil, fmt.Errorf("payment hash: %w", err)
		}
		out.PaymentHash = h
	}
	if p.PaymentPreimage != "" {
		pre, err := lntypes.MakePreimageFromStr(p.PaymentPreimage)
		if err != nil {
			return nil, fmt.Errorf("payment preimage: %w", err)
		}
		out.Preimage = pre
	}
	return out, nil
}

// CreateInvoice adds a new invoice to the node.
func (c *Client) CreateInvoice(ctx context.Context, req lightning.InvoiceRequest) (*lightning.Invoice, error) {
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:            req.Memo,
		ValueMsat:       req.AmountMsat,
		DescriptionHash: req.DescriptionHash,
		Expiry:          req.ExpirySecs,
	})
	if err != nil {
		return nil, fmt.Errorf("add invoice: %w", err)
	}

	hash, err := lntypes.MakeHash(resp.RHash)
	if err != nil {
		return nil, fmt.Errorf("invoice hash: %w", err)
	}

	// re-read for creation date and effective expiry
	inv, err := c.LookupInvoice(ctx, lightning.InvoiceQuery{PaymentHash: &hash})
	if err == nil {
		return inv, nil
	}
	// the invoice exists on the node, so answer with what AddInvoice told us
	c.log.Warn("lookup after add invoice failed", "hash", hash.String(), "error", err)
	expiry := req.ExpirySecs
	if expiry <= 0 {
		expiry = lndDefaultInvoiceExpiry
	}
	now := time.Now()
	return &lightning.Invoice{
		PaymentRequest:  resp.PaymentRequest,
		PaymentHash:     hash,
		Memo:            req.Memo,
		DescriptionHash: req.DescriptionHash,
		AmountMsat:      req.AmountMsat,
		State:           lightning.InvoiceOpen,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(expiry) * time.Second),
	}, nil
}

// LookupInvoice finds an invoice by hash, decoding the payment request first when given one.
func (c *Client) LookupInvoice(ctx context.Context, q lightning.InvoiceQuery) (*lightning.Invoice, error) {
	var hash lntypes.Hash
	switch {
	case q.PaymentHash != nil:
		hash = *q.PaymentHash
	case q.PaymentRequest != "":
		decoded, err := c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: q.PaymentRequest})
		if err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		hash, err = lntypes.MakeHashFromStr(decoded.PaymentHash)
		if err != nil {
			return nil, fmt.Errorf("invoice hash: %w", err)
		}
	default:
		return nil, errors.New("lookup invoice: no hash or payment request")
	}

	inv, err := c.invoices.LookupInvoiceV2(ctx, &invoicesrpc.LookupInvoiceMsg{
		InvoiceRef: &invoicesrpc.LookupInvoiceMsg_PaymentHash{PaymentHash: hash[:]},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, lightning.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("lookup invoice: %w", err)
	}
	return invoiceFromRPC(inv)
}

// WaitForSettlement blocks until the invoice settles, is canceled or the stream ends.
func (c *Client) WaitForSettlement(ctx context.Context, hash lntypes.Hash) (*lightning.Invoice, error) {
	stream, err := c.invoices.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{RHash: hash[:]})
	if err != nil {
		return nil, fmt.Errorf("subscribe invoice: %w", err)
	}

	for {
		inv, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("invoice stream: %w", err)
		}

		switch inv.State {
		case lnrpc.Invoice_SETTLED:
			return invoiceFromRPC(inv)
		case lnrpc.Invoice_CANCELED:
			return nil, lightning.ErrSettlementCanceled
		}
	}
}

func isNotFound(err error) bool {
	if s, ok := status.FromError(err); ok && s.Code() == codes.NotFound {
		return true
	}
	return strings.Contains(err.Error(), "unable to locate invoice")
}

func invoiceFromRPC(inv *lnrpc.Invoice) (*lightning.Invoice, error) {
	hash, err := lntypes.MakeHash(inv.RHash)
	if err != nil {
		return nil, fmt.Errorf("invoice hash: %w", err)
	}

	out := &lightning.Invoice{
		PaymentRequest:  inv.PaymentRequest,
		PaymentHash:     hash,
		Memo:            inv.Memo,
		DescriptionHash: inv.DescriptionHash,
		AmountMsat:      inv.ValueMsat,
		AmtPaidMsat:     inv.AmtPaidMsat,
		CreatedAt:       time.Unix(inv.CreationDate, 0),
		ExpiresAt:       time.Unix(inv.CreationDate+inv.Expiry, 0),
	}

	switch inv.State {
	case lnrpc.Invoice_SETTLED:
		out.State = lightning.InvoiceSettled
		out.SettledAt = time.Unix(inv.SettleDate, 0)
		if len(inv.RPreimage) == lntypes.PreimageSize {
			pre, err := lntypes.MakePreimage(inv.RPreimage)
			if err != nil {
				return nil, fmt.Errorf("invoice preimage: %w", err)
			}
			out.Preimage = &pre
		}
	case lnrpc.Invoice_ACCEPTED:
		out.State = lightning.InvoiceAccepted
	case lnrpc.Invoice_CANCELED:
		out.State = lightning.InvoiceCanceled
	default:
		out.State = lightning.InvoiceOpen
	}
	return out, nil
}
