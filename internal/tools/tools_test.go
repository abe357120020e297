package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/l402"
	"L402-Agent/internal/lightning"
)

type stubNode struct {
	err       error
	filter    lightning.ChannelFilter
	limit     int
	pending   bool
	amountSat int64
	memo      string
	decoded   string
}

func (n *stubNode) GetInfo(context.Context) (*lightning.NodeInfo, error) {
	if n.err != nil {
		return nil, n.err
	}
	return &lightning.NodeInfo{Alias: "alice", PubKey: "02abc", NumActiveChannels: 2}, nil
}

func (n *stubNode) ListChannels(_ context.Context, filter lightning.ChannelFilter) ([]lightning.Channel, error) {
	n.filter = filter
	return []lightning.Channel{{ChanID: 1, CapacitySat: 100000, Active: true}}, n.err
}

func (n *stubNode) WalletBalance(context.Context) (*lightning.WalletBalance, error) {
	return &lightning.WalletBalance{TotalSat: 5000, ConfirmedSat: 5000}, n.err
}

func (n *stubNode) ChannelBalance(context.Context) (*lightning.ChannelBalance, error) {
	return &lightning.ChannelBalance{LocalSat: 700, RemoteSat: 300}, n.err
}

func (n *stubNode) PendingChannels(context.Context) ([]lightning.PendingChannel, error) {
	return nil, n.err
}

func (n *stubNode) ListPayments(_ context.Context, limit int) ([]lightning.PaymentRecord, error) {
	n.limit = limit
	return nil, n.err
}

func (n *stubNode) ListInvoices(_ context.Context, limit int, pendingOnly bool) ([]lightning.InvoiceRecord, error) {
	n.limit = limit
	n.pending = pendingOnly
	return nil, n.err
}

func (n *stubNode) DecodeInvoice(_ context.Context, invoice string) (*lightning.DecodedInvoice, error) {
	n.decoded = invoice
	return &lightning.DecodedInvoice{PaymentHash: "ff", AmountSat: 10}, n.err
}

func (n *stubNode) CreateInvoice(_ context.Context, amountSat int64, memo string) (*lightning.CreatedInvoice, error) {
	n.amountSat = amountSat
	n.memo = memo
	return &lightning.CreatedInvoice{PaymentRequest: "lnbcrt1new"}, n.err
}

func nodeRegistry(t *testing.T, node lightning.Node) *Registry {
	t.Helper()
	specs, err := NodeTools(node)
	if err != nil {
		t.Fatalf("NodeTools: %v", err)
	}
	reg, err := NewRegistry(specs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func invoke(t *testing.T, reg *Registry, name, input string) (string, error) {
	t.Helper()
	spec, ok := reg.Lookup(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return spec.Invoke(context.Background(), json.RawMessage(input))
}

func TestNodeToolsCatalog(t *testing.T) {
	reg := nodeRegistry(t, &stubNode{})
	want := []string{
		ToolGetNodeInfo, ToolListChannels, ToolGetWalletBalance, ToolGetChannelBalance,
		ToolListPendingChannels, ToolListPayments, ToolListInvoices, ToolDecodeInvoice, ToolCreateInvoice,
	}
	if got := reg.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected catalog %v", got)
	}
	for _, spec := range reg.Specs() {
		if spec.Description == "" || !json.Valid([]byte(spec.Schema())) {
			t.Fatalf("tool %s lacks description or schema", spec.Name)
		}
		if spec.ReturnDirect {
			t.Fatalf("node tool %s must not return directly", spec.Name)
		}
	}
	if !strings.Contains(reg.Describe(), "get_node_info: Returns the node alias") {
		t.Fatalf("unexpected description:\n%s", reg.Describe())
	}
}

func TestNodeToolsInvoke(t *testing.T) {
	node := &stubNode{}
	reg := nodeRegistry(t, node)

	out, err := invoke(t, reg, ToolGetNodeInfo, "")
	if err != nil {
		t.Fatalf("get_node_info: %v", err)
	}
	var info lightning.NodeInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil || info.Alias != "alice" {
		t.Fatalf("unexpected observation %q (%v)", out, err)
	}

	if _, err := invoke(t, reg, ToolListChannels, `{"active_only": true}`); err != nil {
		t.Fatalf("list_channels: %v", err)
	}
	if !node.filter.ActiveOnly || node.filter.PrivateOnly {
		t.Fatalf("filter not forwarded: %+v", node.filter)
	}

	if _, err := invoke(t, reg, ToolListPayments, `{}`); err != nil || node.limit != defaultListLimit {
		t.Fatalf("list_payments default limit: %d, %v", node.limit, err)
	}
	if _, err := invoke(t, reg, ToolListInvoices, `{"limit": 3, "pending_only": true}`); err != nil || node.limit != 3 || !node.pending {
		t.Fatalf("list_invoices: limit=%d pending=%v err=%v", node.limit, node.pending, err)
	}

	if _, err := invoke(t, reg, ToolDecodeInvoice, `"lnbcrt10n1abc"`); err != nil || node.decoded != "lnbcrt10n1abc" {
		t.Fatalf("decode_invoice from bare string: %q, %v", node.decoded, err)
	}
	if _, err := invoke(t, reg, ToolCreateInvoice, `"{\"amount_sat\": 21, \"memo\": \"tip\"}"`); err != nil || node.amountSat != 21 || node.memo != "tip" {
		t.Fatalf("create_invoice from stringified object: %d %q %v", node.amountSat, node.memo, err)
	}
}

func TestNodeToolsRejectInvalidInput(t *testing.T) {
	reg := nodeRegistry(t, &stubNode{})
	cases := map[string]string{
		ToolDecodeInvoice: `{}`,
		ToolCreateInvoice: `{"amount_sat": 0}`,
		ToolListPayments:  `{"limit": "ten"}`,
		ToolGetNodeInfo:   `{"verbose": true}`,
		ToolListChannels:  `"active"`,
	}
	for name, input := range cases {
		_, err := invoke(t, reg, name, input)
		if !IsInputError(err) {
			t.Fatalf("%s(%s): expected TOOL_INPUT_INVALID, got %v", name, input, err)
		}
	}
}

func TestNodeErrorsPassThrough(t *testing.T) {
	nodeErr := lightning.NewNodeError(lightning.CodeNodeAuth, "GetInfo", errors.New("bad macaroon"))
	reg := nodeRegistry(t, &stubNode{err: nodeErr})
	_, err := invoke(t, reg, ToolGetNodeInfo, "{}")
	if !lightning.IsFatalNodeError(err) {
		t.Fatalf("expected node auth error, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	a, _ := New("echo", "echo", func(_ context.Context, in paidInput) (any, error) { return in.Query, nil })
	b, _ := New("echo", "again", func(_ context.Context, in paidInput) (any, error) { return in.Query, nil })
	if _, err := NewRegistry(a, b); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

type stubChain struct {
	query  string
	answer string
	err    error
}

func (c *stubChain) Fulfill(_ context.Context, query string) (*l402.Result, error) {
	c.query = query
	if c.err != nil {
		return nil, c.err
	}
	return &l402.Result{Answer: c.answer, Paid: true}, nil
}

func TestPaidAPITool(t *testing.T) {
	chain := &stubChain{answer: "Quote number two"}
	spec, err := PaidAPITool(chain, "quote_api", "Buys quotes")
	if err != nil {
		t.Fatalf("PaidAPITool: %v", err)
	}
	if !spec.ReturnDirect {
		t.Fatalf("paid tool must return directly")
	}
	out, err := spec.Invoke(context.Background(), json.RawMessage(`"Purchase quote #2"`))
	if err != nil || out != "Quote number two" {
		t.Fatalf("unexpected result %q, %v", out, err)
	}
	if chain.query != "Purchase quote #2" {
		t.Fatalf("query not forwarded: %q", chain.query)
	}

	chain.err = xerrors.New(l402.CodePaymentRejected, "rejected")
	if _, err := spec.Invoke(context.Background(), json.RawMessage(`{"query": "again"}`)); xerrors.CodeOf(err) != l402.CodePaymentRejected {
		t.Fatalf("payment errors must pass through untouched, got %v", err)
	}
}
