package lnd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lnd-nwc/internal/lightning"
)

type fakeLightning struct {
	lnrpc.LightningClient

	balanceMsat uint64
	remoteMsat  uint64
	decoded     *lnrpc.PayReq
	added       *lnrpc.Invoice
}

func (f *fakeLightning) ChannelBalance(context.Context, *lnrpc.ChannelBalanceRequest, ...grpc.CallOption) (*lnrpc.ChannelBalanceResponse, error) {
	return &lnrpc.ChannelBalanceResponse{
		LocalBalance:  &lnrpc.Amount{Msat: f.balanceMsat},
		RemoteBalance: &lnrpc.Amount{Msat: f.remoteMsat},
	}, nil
}

func (f *fakeLightning) DecodePayReq(context.Context, *lnrpc.PayReqString, ...grpc.CallOption) (*lnrpc.PayReq, error) {
	return f.decoded, nil
}

func (f *fakeLightning) AddInvoice(_ context.Context, in *lnrpc.Invoice, _ ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {
	f.added = in
	hash := testPreimage.Hash()
	return &lnrpc.AddInvoiceResponse{RHash: hash[:], PaymentRequest: "lnbc1..."}, nil
}

type fakeRouter struct {
	routerrpc.RouterClient

	sent    *routerrpc.SendPaymentRequest
	updates []*lnrpc.Payment
}

func (f *fakeRouter) SendPaymentV2(_ context.Context, in *routerrpc.SendPaymentRequest, _ ...grpc.CallOption) (routerrpc.Router_SendPaymentV2Client, error) {
	f.sent = in
	return &paymentStream{updates: f.updates}, nil
}

type paymentStream struct {
	grpc.ClientStream
	updates []*lnrpc.Payment
}

func (s *paymentStream) Recv() (*lnrpc.Payment, error) {
	if len(s.updates) == 0 {
		return nil, io.EOF
	}
	p := s.updates[0]
	s.updates = s.updates[1:]
	return p, nil
}

type fakeInvoices struct {
	invoicesrpc.InvoicesClient

	byHash  map[lntypes.Hash]*lnrpc.Invoice
	updates []*lnrpc.Invoice
}

func (f *fakeInvoices) LookupInvoiceV2(_ context.Context, in *invoicesrpc.LookupInvoiceMsg, _ ...grpc.CallOption) (*lnrpc.Invoice, error) {
	ref := in.InvoiceRef.(*invoicesrpc.LookupInvoiceMsg_PaymentHash)
	h, _ := lntypes.MakeHash(ref.PaymentHash)
	inv, ok := f.byHash[h]
	if !ok {
		return nil, status.Error(codes.NotFound, "there are no existing invoices")
	}
	return inv, nil
}

func (f *fakeInvoices) SubscribeSingleInvoice(context.Context, *invoicesrpc.SubscribeSingleInvoiceRequest, ...grpc.CallOption) (invoicesrpc.Invoices_SubscribeSingleInvoiceClient, error) {
	return &invoiceStream{updates: f.updates}, nil
}

type invoiceStream struct {
	grpc.ClientStream
	updates []*lnrpc.Invoice
}

func (s *invoiceStream) Recv() (*lnrpc.Invoice, error) {
	if len(s.updates) == 0 {
		return nil, io.EOF
	}
	inv := s.updates[0]
	s.updates = s.updates[1:]
	return inv, nil
}

var testPreimage = lntypes.Preimage{1, 2, 3, 4}

func newTestClient(ln *fakeLightning, router *fakeRouter, inv *fakeInvoices) *Client {
	return newClient(nil, ln, router, inv, slog.Default())
}

func TestBalance(t *testing.T) {
	c := newTestClient(&fakeLightning{balanceMsat: 21_000, remoteMsat: 500_000}, nil, nil)
	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(21_000), bal, "only the local side of the channels is spendable")
}

func TestPayInvoiceWaitsForTerminalState(t *testing.T) {
	router := &fakeRouter{updates: []*lnrpc.Payment{
		{Status: lnrpc.Payment_IN_FLIGHT},
		{
			Status:          lnrpc.Payment_SUCCEEDED,
			PaymentHash:     testPreimage.Hash().String(),
			PaymentPreimage: testPreimage.String(),
			ValueMsat:       2_000_000,
			FeeMsat:         1500,
		},
	}}
	ln := &fakeLightning{decoded: &lnrpc.PayReq{NumMsat: 2_000_000}}
	c := newTestClient(ln, router, nil)

	p, err := c.PayInvoice(context.Background(), "lnbc20u1...", 0)
	require.NoError(t, err)
	assert.Equal(t, testPreimage, p.Preimage)
	assert.Equal(t, int64(1500), p.FeeMsat)

	assert.Equal(t, int64(100_000), router.sent.FeeLimitMsat)
	assert.Equal(t, int32(paymentTimeoutSecs), router.sent.TimeoutSeconds)
	assert.Zero(t, router.sent.AmtMsat)
}

func TestPayInvoiceFailure(t *testing.T) {
	router := &fakeRouter{updates: []*lnrpc.Payment{
		{Status: lnrpc.Payment_FAILED, FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE},
	}}
	c := newTestClient(&fakeLightning{}, router, nil)

	_, err := c.PayInvoice(context.Background(), "lnbc1...", 5000)
	var perr *lightning.PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "no_route", perr.Reason)
	assert.Equal(t, int64(5000), router.sent.FeeLimitMsat)

	router.updates = []*lnrpc.Payment{
		{Status: lnrpc.Payment_FAILED, FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_INSUFFICIENT_BALANCE},
	}
	_, err = c.PayInvoice(context.Background(), "lnbc1...", 5000)
	assert.ErrorIs(t, err, lightning.ErrInsufficientBalance)
}

func TestPayKeysendSetsHashAndRecords(t *testing.T) {
	router := &fakeRouter{updates: []*lnrpc.Payment{
		{Status: lnrpc.Payment_SUCCEEDED, PaymentPreimage: testPreimage.String(), PaymentHash: testPreimage.Hash().String()},
	}}
	c := newTestClient(&fakeLightning{}, router, nil)

	dest := make([]byte, 33)
	dest[0] = 0x02
	records := map[uint64][]byte{record.KeySendType: testPreimage[:], 696969: []byte("hi")}

	_, err := c.PayKeysend(context.Background(), dest, 1000, testPreimage, records)
	require.NoError(t, err)

	hash := testPreimage.Hash()
	assert.Equal(t, hash[:], router.sent.PaymentHash)
	assert.Equal(t, dest, router.sent.Dest)
	assert.Equal(t, records, router.sent.DestCustomRecords)
	assert.Equal(t, int64(1000), router.sent.FeeLimitMsat)
}

func TestCreateAndLookupInvoice(t *testing.T) {
	hash := testPreimage.Hash()
	inv := &fakeInvoices{byHash: map[lntypes.Hash]*lnrpc.Invoice{
		hash: {
			RHash:          hash[:],
			RPreimage:      testPreimage[:],
			PaymentRequest: "lnbc1...",
			Memo:           "coffee",
			ValueMsat:      50_000,
			CreationDate:   1700000000,
			Expiry:         3600,
			State:          lnrpc.Invoice_OPEN,
		},
	}}
	ln := &fakeLightning{}
	c := newTestClient(ln, nil, inv)

	created, err := c.CreateInvoice(context.Background(), lightning.InvoiceRequest{AmountMsat: 50_000, Memo: "coffee", ExpirySecs: 3600})
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), ln.added.ValueMsat)
	assert.Equal(t, hash, created.PaymentHash)
	assert.Equal(t, lightning.InvoiceOpen, created.State)
	assert.Nil(t, created.Preimage, "open invoices must not expose the preimage")
	assert.Equal(t, time.Unix(1700003600, 0), created.ExpiresAt)

	missing := lntypes.Hash{9}
	_, err = c.LookupInvoice(context.Background(), lightning.InvoiceQuery{PaymentHash: &missing})
	assert.ErrorIs(t, err, lightning.ErrInvoiceNotFound)
}

func TestCreateInvoiceWhenLookupFails(t *testing.T) {
	hash := testPreimage.Hash()
	ln := &fakeLightning{}
	c := newTestClient(ln, nil, &fakeInvoices{})

	before := time.Now()
	created, err := c.CreateInvoice(context.Background(), lightning.InvoiceRequest{AmountMsat: 7_000, Memo: "tea"})
	require.NoError(t, err)
	assert.Equal(t, "lnbc1...", created.PaymentRequest)
	assert.Equal(t, hash, created.PaymentHash)
	assert.Equal(t, int64(7_000), created.AmountMsat)
	assert.Equal(t, "tea", created.Memo)
	assert.Equal(t, lightning.InvoiceOpen, created.State)
	assert.False(t, created.CreatedAt.Before(before.Truncate(time.Second)))
	assert.Equal(t, time.Hour, created.ExpiresAt.Sub(created.CreatedAt))
}

func TestWaitForSettlement(t *testing.T) {
	hash := testPreimage.Hash()
	inv := &fakeInvoices{updates: []*lnrpc.Invoice{
		{RHash: hash[:], State: lnrpc.Invoice_OPEN},
		{RHash: hash[:], State: lnrpc.Invoice_SETTLED, RPreimage: testPreimage[:], SettleDate: 1700000100, AmtPaidMsat: 50_000},
	}}
	c := newTestClient(&fakeLightning{}, nil, inv)

	settled, err := c.WaitForSettlement(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, lightning.InvoiceSettled, settled.State)
	require.NotNil(t, settled.Preimage)
	assert.Equal(t, testPreimage, *settled.Preimage)

	inv.updates = []*lnrpc.Invoice{{RHash: hash[:], State: lnrpc.Invoice_CANCELED}}
	_, err = c.WaitForSettlement(context.Background(), hash)
	assert.ErrorIs(t, err, lightning.ErrSettlementCanceled)

	inv.updates = nil
	_, err = c.WaitForSettlement(context.Background(), hash)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFeeLimit(t *testing.T) {
	assert.Equal(t, int64(1_000_000), feeLimit(1_000_000))
	assert.Equal(t, int64(100_000), feeLimit(2_000_000))
	assert.Equal(t, int64(1<<63-1), feeLimit(0))
}
