package lnd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	macaroon "gopkg.in/macaroon.v2"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/lightning"
	"L402-Agent/internal/proofs"
)

type stubLightning struct {
	LightningRPC
	info     *lnrpc.GetInfoResponse
	channels *lnrpc.ListChannelsResponse
	payReq   *lnrpc.PayReq
	err      error
	decodes  int
}

func (s *stubLightning) GetInfo(context.Context, *lnrpc.GetInfoRequest, ...grpc.CallOption) (*lnrpc.GetInfoResponse, error) {
	return s.info, s.err
}

func (s *stubLightning) ListChannels(_ context.Context, in *lnrpc.ListChannelsRequest, _ ...grpc.CallOption) (*lnrpc.ListChannelsResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	if !in.ActiveOnly {
		return s.channels, nil
	}
	filtered := &lnrpc.ListChannelsResponse{}
	for _, ch := range s.channels.Channels {
		if ch.Active {
			filtered.Channels = append(filtered.Channels, ch)
		}
	}
	return filtered, nil
}

func (s *stubLightning) DecodePayReq(context.Context, *lnrpc.PayReqString, ...grpc.CallOption) (*lnrpc.PayReq, error) {
	s.decodes++
	return s.payReq, s.err
}

type stubStream struct {
	updates []*lnrpc.Payment
	err     error
	block   context.Context
}

func (s *stubStream) Recv() (*lnrpc.Payment, error) {
	if len(s.updates) > 0 {
		next := s.updates[0]
		s.updates = s.updates[1:]
		return next, nil
	}
	if s.block != nil {
		<-s.block.Done()
		return nil, status.FromContextError(s.block.Err()).Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

type stubRouter struct {
	send     *stubStream
	sendErr  error
	track    *stubStream
	trackErr error
	blockOn  bool
	sent     []*routerrpc.SendPaymentRequest
	tracked  int
}

func (r *stubRouter) SendPayment(ctx context.Context, req *routerrpc.SendPaymentRequest) (PaymentStream, error) {
	r.sent = append(r.sent, req)
	if r.sendErr != nil {
		return nil, r.sendErr
	}
	if r.blockOn {
		r.send.block = ctx
	}
	return r.send, nil
}

func (r *stubRouter) TrackPayment(context.Context, *routerrpc.TrackPaymentRequest) (PaymentStream, error) {
	r.tracked++
	if r.trackErr != nil {
		return nil, r.trackErr
	}
	return r.track, nil
}

func fixturePreimage() ([]byte, string) {
	preimage := bytes.Repeat([]byte{0x07}, proofs.PreimageSize)
	return preimage, proofs.PaymentHash(preimage)
}

func TestGetInfoMapsResponse(t *testing.T) {
	ln := &stubLightning{info: &lnrpc.GetInfoResponse{
		Alias:             "alice",
		IdentityPubkey:    "02abc",
		NumActiveChannels: 3,
		NumPeers:          4,
		SyncedToChain:     true,
		Chains:            []*lnrpc.Chain{{Network: "regtest"}},
	}}
	client := New(ln, &stubRouter{})

	info, err := client.GetInfo(context.Background())
	if err != nil {
		t.Fatalf("GetInfo returned error: %v", err)
	}
	if info.Alias != "alice" || info.NumActiveChannels != 3 || len(info.Chains) != 1 || info.Chains[0] != "regtest" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestListChannelsActiveOnly(t *testing.T) {
	ln := &stubLightning{channels: &lnrpc.ListChannelsResponse{Channels: []*lnrpc.Channel{
		{ChanId: 1, Active: true, Capacity: 100000, LocalBalance: 60000},
		{ChanId: 2, Active: false, Capacity: 50000},
	}}}
	client := New(ln, &stubRouter{})

	channels, err := client.ListChannels(context.Background(), lightning.ChannelFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListChannels returned error: %v", err)
	}
	if len(channels) != 1 || channels[0].ChanID != 1 || channels[0].LocalBalance != 60000 {
		t.Fatalf("unexpected channels: %+v", channels)
	}
}

func TestRPCErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code xerrors.Code
	}{
		{status.Error(codes.Unauthenticated, "bad creds"), lightning.CodeNodeAuth},
		{status.Error(codes.Unknown, "verification failed: signature mismatch after caveat verification"), lightning.CodeNodeAuth},
		{status.Error(codes.Unavailable, "connection refused"), lightning.CodeNodeUnavailable},
		{context.DeadlineExceeded, lightning.CodeNodeUnavailable},
		{status.Error(codes.Internal, "boom"), lightning.CodeNodeRPC},
		{context.Canceled, xerrors.CodeCanceled},
	}
	for _, tc := range cases {
		client := New(&stubLightning{err: tc.err}, &stubRouter{})
		_, err := client.GetInfo(context.Background())
		if got := xerrors.CodeOf(err); got != tc.code {
			t.Fatalf("error %v mapped to %s, want %s", tc.err, got, tc.code)
		}
	}
	if !lightning.IsFatalNodeError(rpcError("GetInfo", status.Error(codes.PermissionDenied, "no"))) {
		t.Fatalf("permission denied must be fatal")
	}
}

func TestPaySucceeded(t *testing.T) {
	preimage, hash := fixturePreimage()
	ln := &stubLightning{payReq: &lnrpc.PayReq{PaymentHash: hash, NumSatoshis: 10}}
	router := &stubRouter{send: &stubStream{updates: []*lnrpc.Payment{
		{Status: lnrpc.Payment_IN_FLIGHT},
		{Status: lnrpc.Payment_SUCCEEDED, PaymentPreimage: hex.EncodeToString(preimage), ValueSat: 10, FeeSat: 1},
	}}}
	client := New(ln, router, WithPaymentTimeout(time.Second))

	payment, err := client.Pay(context.Background(), "lnbcrt10n1...")
	if err != nil {
		t.Fatalf("Pay returned error: %v", err)
	}
	if !bytes.Equal(payment.Preimage, preimage) || payment.FeeSat != 1 {
		t.Fatalf("unexpected payment: %+v", payment)
	}
	if len(router.sent) != 1 || router.sent[0].TimeoutSeconds != 1 {
		t.Fatalf("unexpected send requests: %+v", router.sent)
	}
}

func TestPayFailureReasons(t *testing.T) {
	_, hash := fixturePreimage()
	cases := map[lnrpc.PaymentFailureReason]lightning.PaymentKind{
		lnrpc.PaymentFailureReason_FAILURE_REASON_INSUFFICIENT_BALANCE: lightning.PaymentInsufficientFunds,
		lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE:             lightning.PaymentNoRoute,
		lnrpc.PaymentFailureReason_FAILURE_REASON_TIMEOUT:              lightning.PaymentTimeout,
		lnrpc.PaymentFailureReason_FAILURE_REASON_ERROR:                lightning.PaymentFailed,
	}
	for reason, kind := range cases {
		ln := &stubLightning{payReq: &lnrpc.PayReq{PaymentHash: hash, NumSatoshis: 10}}
		router := &stubRouter{send: &stubStream{updates: []*lnrpc.Payment{
			{Status: lnrpc.Payment_FAILED, FailureReason: reason},
		}}}
		_, err := New(ln, router).Pay(context.Background(), "lnbc1")
		if got := lightning.PaymentKindOf(err); got != kind {
			t.Fatalf("reason %s mapped to %s, want %s", reason, got, kind)
		}
		if xerrors.RetryableError(err) {
			t.Fatalf("payment errors must not be retryable")
		}
	}
}

func TestPayRejectsInvalidPreimage(t *testing.T) {
	_, hash := fixturePreimage()
	ln := &stubLightning{payReq: &lnrpc.PayReq{PaymentHash: hash}}
	router := &stubRouter{send: &stubStream{updates: []*lnrpc.Payment{
		{Status: lnrpc.Payment_SUCCEEDED, PaymentPreimage: hex.EncodeToString(bytes.Repeat([]byte{1}, 32))},
	}}}
	_, err := New(ln, router).Pay(context.Background(), "lnbc1")
	if !errors.Is(err, proofs.ErrPreimageMismatch) {
		t.Fatalf("expected preimage mismatch, got %v", err)
	}
}

func TestPayAmountLimit(t *testing.T) {
	_, hash := fixturePreimage()
	ln := &stubLightning{payReq: &lnrpc.PayReq{PaymentHash: hash, NumSatoshis: 5000}}
	router := &stubRouter{}
	_, err := New(ln, router, WithMaxPaymentSat(1000)).Pay(context.Background(), "lnbc1")
	if lightning.PaymentKindOf(err) != lightning.PaymentAmountExceeded {
		t.Fatalf("expected amount exceeded, got %v", err)
	}
	if len(router.sent) != 0 {
		t.Fatalf("payment must not be sent above the limit")
	}
}

func TestPayInvalidInvoiceIsPaymentError(t *testing.T) {
	ln := &stubLightning{err: status.Error(codes.Unknown, "invalid bech32 string length 6")}
	router := &stubRouter{}
	_, err := New(ln, router).Pay(context.Background(), "lnbc1x")
	if lightning.PaymentKindOf(err) != lightning.PaymentFailed || xerrors.CodeOf(err) != lightning.CodePaymentFailed {
		t.Fatalf("expected PAYMENT_FAILED for an undecodable invoice, got %v", err)
	}
	if len(router.sent) != 0 {
		t.Fatalf("an undecodable invoice must not be sent")
	}

	ln = &stubLightning{err: status.Error(codes.Unavailable, "connection refused")}
	_, err = New(ln, router).Pay(context.Background(), "lnbc1x")
	if xerrors.CodeOf(err) != lightning.CodeNodeUnavailable {
		t.Fatalf("transport failures keep their node error code, got %v", err)
	}
}

func TestPayCanceledResolvesOutcome(t *testing.T) {
	preimage, hash := fixturePreimage()

	t.Run("succeeded", func(t *testing.T) {
		ln := &stubLightning{payReq: &lnrpc.PayReq{PaymentHash: hash}}
		router := &stubRouter{
			send:    &stubStream{},
			blockOn: true,
			track: &stubStream{updates: []*lnrpc.Payment{
				{Status: lnrpc.Payment_SUCCEEDED, PaymentPreimage: hex.EncodeToString(preimage)},
			}},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		payment, err := New(ln, router).Pay(ctx, "lnbc1")
		if err != nil {
			t.Fatalf("expected tracked success, got %v", err)
		}
		if router.tracked != 1 || payment.PaymentHash != hash {
			t.Fatalf("expected one tracking call, got %d", router.tracked)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		ln := &stubLightning{payReq: &lnrpc.PayReq{PaymentHash: hash}}
		router := &stubRouter{
			send:    &stubStream{},
			blockOn: true,
			track:   &stubStream{updates: []*lnrpc.Payment{{Status: lnrpc.Payment_IN_FLIGHT}}},
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := New(ln, router, WithTrackTimeout(20*time.Millisecond)).Pay(ctx, "lnbc1")
		if lightning.PaymentKindOf(err) != lightning.PaymentUnknownOutcome {
			t.Fatalf("expected unknown outcome, got %v", err)
		}
		if !xerrors.ShouldAlert(err) {
			t.Fatalf("unknown outcome must alert")
		}
	})

	t.Run("never recorded", func(t *testing.T) {
		ln := &stubLightning{payReq: &lnrpc.PayReq{PaymentHash: hash}}
		router := &stubRouter{
			send:     &stubStream{},
			blockOn:  true,
			trackErr: status.Error(codes.NotFound, "payment isn't initiated"),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := New(ln, router).Pay(ctx, "lnbc1")
		if lightning.PaymentKindOf(err) != lightning.PaymentTimeout {
			t.Fatalf("expected timeout, got %v", err)
		}
	})
}

func TestLoadMacaroon(t *testing.T) {
	mac, err := macaroon.New([]byte("root-key"), []byte("id"), "lnd", macaroon.LatestVersion)
	if err != nil {
		t.Fatalf("macaroon.New: %v", err)
	}
	data, err := mac.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	path := filepath.Join(t.TempDir(), "admin.macaroon")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write macaroon: %v", err)
	}

	creds, err := LoadMacaroon(path)
	if err != nil {
		t.Fatalf("LoadMacaroon returned error: %v", err)
	}
	md, err := creds.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata: %v", err)
	}
	if md["macaroon"] != hex.EncodeToString(data) {
		t.Fatalf("unexpected metadata %v", md)
	}
	if !creds.RequireTransportSecurity() {
		t.Fatalf("macaroon credentials require TLS")
	}

	if _, err := macaroonFromBytes([]byte("garbage")); err == nil {
		t.Fatalf("expected error for malformed macaroon")
	}
}
