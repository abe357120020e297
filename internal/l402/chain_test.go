package l402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	macaroon "gopkg.in/macaroon.v2"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/guard"
	"L402-Agent/internal/lightning"
	"L402-Agent/internal/llm"
	"L402-Agent/internal/proofs"
)

type stubLLM struct {
	reply string
	calls int
}

func (s *stubLLM) Generate(context.Context, llm.Request) (*llm.Response, error) {
	s.calls++
	return &llm.Response{Content: s.reply}, nil
}

type stubPayer struct {
	mu       sync.Mutex
	preimage []byte
	err      error
	invoices []string
}

func (p *stubPayer) Pay(_ context.Context, invoice string) (*lightning.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices = append(p.invoices, invoice)
	if p.err != nil {
		return nil, p.err
	}
	return &lightning.Payment{
		PaymentHash: proofs.PaymentHash(p.preimage),
		Preimage:    p.preimage,
		AmountSat:   10,
		FeeSat:      1,
	}, nil
}

type memoryRecorder struct {
	mu       sync.Mutex
	attempts map[string]PaymentAttempt
}

func (r *memoryRecorder) RecordPayment(_ context.Context, a PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = make(map[string]PaymentAttempt)
	}
	r.attempts[a.ID] = a
	return nil
}

func (r *memoryRecorder) only(t *testing.T) PaymentAttempt {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attempts) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(r.attempts))
	}
	for _, a := range r.attempts {
		return a
	}
	return PaymentAttempt{}
}

func testMacaroon(t *testing.T) string {
	t.Helper()
	mac, err := macaroon.New([]byte("root"), []byte("M1"), "quotes", macaroon.LatestVersion)
	if err != nil {
		t.Fatalf("macaroon.New: %v", err)
	}
	data, err := mac.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

// quoteServer 模拟受 L402 保护的名言 API。
type quoteServer struct {
	*httptest.Server
	macaroon   string
	invoice    string
	preimage   []byte
	paywalled  bool
	rejectPaid bool
	requests   atomic.Int32
	auths      []string
	mu         sync.Mutex
}

func newQuoteServer(t *testing.T, paywalled bool) *quoteServer {
	return newQuoteServerWith(t, paywalled, testMacaroon(t), "lnbcrt100n1inv1")
}

func newQuoteServerWith(t *testing.T, paywalled bool, mac, invoice string) *quoteServer {
	qs := &quoteServer{
		macaroon:  mac,
		invoice:   invoice,
		preimage:  bytes.Repeat([]byte{0x11}, 32),
		paywalled: paywalled,
	}
	quotes := map[string]string{"2": "Quote number two"}
	qs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qs.requests.Add(1)
		auth := r.Header.Get("Authorization")
		qs.mu.Lock()
		qs.auths = append(qs.auths, auth)
		qs.mu.Unlock()

		want := fmt.Sprintf("L402 %s:%s", qs.macaroon, hex.EncodeToString(qs.preimage))
		if qs.paywalled && (auth != want || qs.rejectPaid) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`L402 macaroon="%s", invoice="%s"`, qs.macaroon, qs.invoice))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		n := strings.TrimPrefix(r.URL.Path, "/quote/")
		_, _ = w.Write([]byte(quotes[n]))
	}))
	t.Cleanup(qs.Close)
	return qs
}

func newTestChain(t *testing.T, qs *quoteServer, payer lightning.Payer, allowed []string, rec Recorder) (*Chain, *stubLLM) {
	t.Helper()
	docs, err := DefaultQuoteDocs(qs.URL)
	if err != nil {
		t.Fatalf("DefaultQuoteDocs: %v", err)
	}
	model := &stubLLM{reply: "```json\n{\"params\": {\"number\": 2}}\n```"}
	chain, err := NewChain(NewBuilder(model, docs, 0), payer, guard.New(allowed),
		WithHTTPClient(qs.Client()), WithRecorder(rec))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	return chain, model
}

func TestFulfillPaysAndRetriesOnce(t *testing.T) {
	qs := newQuoteServer(t, true)
	payer := &stubPayer{preimage: qs.preimage}
	rec := &memoryRecorder{}
	chain, _ := newTestChain(t, qs, payer, []string{"127.0.0.1"}, rec)

	result, err := chain.Fulfill(context.Background(), "Purchase quote #2")
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Answer != "Quote number two" || !result.Paid {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := qs.requests.Load(); got != 2 {
		t.Fatalf("expected exactly 2 HTTP calls, got %d", got)
	}
	if len(payer.invoices) != 1 || payer.invoices[0] != qs.invoice {
		t.Fatalf("expected one payment of the challenge invoice, got %v", payer.invoices)
	}
	qs.mu.Lock()
	auths := append([]string(nil), qs.auths...)
	qs.mu.Unlock()
	if auths[0] != "" {
		t.Fatalf("first request must not carry proof")
	}
	wantAuth := "L402 " + qs.macaroon + ":" + hex.EncodeToString(qs.preimage)
	if auths[1] != wantAuth {
		t.Fatalf("unexpected proof header %q", auths[1])
	}

	entry := rec.only(t)
	if entry.Status != PaymentSucceeded || entry.PaymentHash != proofs.PaymentHash(qs.preimage) || entry.Path != "/quote/2" {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
}

func TestFulfillOpaqueMacaroon(t *testing.T) {
	qs := newQuoteServerWith(t, true, "M1", "lnbc10n1inv1")
	payer := &stubPayer{preimage: qs.preimage}
	chain, _ := newTestChain(t, qs, payer, []string{"127.0.0.1"}, nil)

	result, err := chain.Fulfill(context.Background(), "Purchase quote #2")
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Answer != "Quote number two" || !result.Paid {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(payer.invoices) != 1 || payer.invoices[0] != "lnbc10n1inv1" {
		t.Fatalf("expected the challenge invoice to be paid once, got %v", payer.invoices)
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if want := "L402 M1:" + hex.EncodeToString(qs.preimage); qs.auths[1] != want {
		t.Fatalf("proof header %q, want %q", qs.auths[1], want)
	}
}

func TestFulfillDomainNotAllowed(t *testing.T) {
	qs := newQuoteServer(t, true)
	payer := &stubPayer{preimage: qs.preimage}
	chain, _ := newTestChain(t, qs, payer, []string{"quotes.example.com"}, nil)

	_, err := chain.Fulfill(context.Background(), "Purchase quote #2")
	if xerrors.CodeOf(err) != guard.CodeDomainNotAllowed {
		t.Fatalf("expected DOMAIN_NOT_ALLOWED, got %v", err)
	}
	if got := qs.requests.Load(); got != 0 {
		t.Fatalf("no request may reach a host outside the allow-list, got %d", got)
	}
	if len(payer.invoices) != 0 {
		t.Fatalf("no payment may be attempted")
	}
}

func TestFulfillPaymentFailureStopsBeforeRetry(t *testing.T) {
	qs := newQuoteServer(t, true)
	payer := &stubPayer{err: lightning.NewPaymentError(lightning.PaymentInsufficientFunds, "abcd", nil)}
	rec := &memoryRecorder{}
	chain, _ := newTestChain(t, qs, payer, []string{"127.0.0.1"}, rec)

	_, err := chain.Fulfill(context.Background(), "Purchase quote #2")
	if lightning.PaymentKindOf(err) != lightning.PaymentInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := qs.requests.Load(); got != 1 {
		t.Fatalf("retried request must not be sent after a failed payment, got %d calls", got)
	}
	entry := rec.only(t)
	if entry.Status != PaymentFailed || entry.FailureKind != string(lightning.PaymentInsufficientFunds) || entry.PaymentHash != "abcd" {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
}

func TestFulfillSecond402IsRejected(t *testing.T) {
	qs := newQuoteServer(t, true)
	qs.rejectPaid = true
	payer := &stubPayer{preimage: qs.preimage}
	rec := &memoryRecorder{}
	chain, _ := newTestChain(t, qs, payer, []string{"127.0.0.1"}, rec)

	_, err := chain.Fulfill(context.Background(), "Purchase quote #2")
	if xerrors.CodeOf(err) != CodePaymentRejected {
		t.Fatalf("expected PAYMENT_REJECTED, got %v", err)
	}
	if got := qs.requests.Load(); got != 2 {
		t.Fatalf("expected exactly one paid retry, got %d calls", got)
	}
	if len(payer.invoices) != 1 {
		t.Fatalf("invoice must be paid once, got %d", len(payer.invoices))
	}
	if rec.only(t).Status != PaymentRejected {
		t.Fatalf("ledger must record the rejection")
	}
}

func TestFulfillWithoutPaywallIsIdempotent(t *testing.T) {
	qs := newQuoteServer(t, false)
	payer := &stubPayer{}
	chain, _ := newTestChain(t, qs, payer, []string{"127.0.0.1"}, nil)

	first, err := chain.Fulfill(context.Background(), "Show me quote 2")
	if err != nil {
		t.Fatalf("first Fulfill: %v", err)
	}
	second, err := chain.Fulfill(context.Background(), "Show me quote 2")
	if err != nil {
		t.Fatalf("second Fulfill: %v", err)
	}
	if first.Answer != second.Answer || first.Answer != "Quote number two" {
		t.Fatalf("answers differ: %q vs %q", first.Answer, second.Answer)
	}
	if got := qs.requests.Load(); got != 2 {
		t.Fatalf("expected one HTTP call per Fulfill, got %d", got)
	}
	if first.Paid || len(payer.invoices) != 0 {
		t.Fatalf("no payment expected without a challenge")
	}
}

func TestExecuteMalformedChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `L402 invoice="lnbc1"`)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	docs, _ := DefaultQuoteDocs(srv.URL)
	payer := &stubPayer{}
	chain, err := NewChain(NewBuilder(&stubLLM{}, docs, 0), payer, guard.New([]string{"127.0.0.1"}), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	u, _ := url.Parse(srv.URL + "/quote/1")
	_, err = chain.Execute(context.Background(), &APIRequest{Method: http.MethodGet, URL: u})
	if xerrors.CodeOf(err) != CodeChallengeParse {
		t.Fatalf("expected CHALLENGE_PARSE_FAILED, got %v", err)
	}
	if len(payer.invoices) != 0 {
		t.Fatalf("no payment may be attempted for a malformed challenge")
	}
}

func TestExecuteRedirectOutsideAllowList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://evil.example/steal", http.StatusFound)
	}))
	defer srv.Close()

	docs, _ := DefaultQuoteDocs(srv.URL)
	chain, err := NewChain(NewBuilder(&stubLLM{}, docs, 0), &stubPayer{}, guard.New([]string{"127.0.0.1"}), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	u, _ := url.Parse(srv.URL + "/quote/1")
	_, err = chain.Execute(context.Background(), &APIRequest{Method: http.MethodGet, URL: u})
	if xerrors.CodeOf(err) != guard.CodeDomainNotAllowed {
		t.Fatalf("expected DOMAIN_NOT_ALLOWED on redirect, got %v", err)
	}
}
