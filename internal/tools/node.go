package tools

import (
	"context"

	"L402-Agent/internal/lightning"
)

// 节点工具的名称。
const (
	ToolGetNodeInfo         = "get_node_info"
	ToolListChannels        = "list_channels"
	ToolGetWalletBalance    = "get_wallet_balance"
	ToolGetChannelBalance   = "get_channel_balance"
	ToolListPendingChannels = "list_pending_channels"
	ToolListPayments        = "list_payments"
	ToolListInvoices        = "list_invoices"
	ToolDecodeInvoice       = "decode_invoice"
	ToolCreateInvoice       = "create_invoice"
)

const defaultListLimit = 10

type noInput struct{}

type listChannelsInput struct {
	ActiveOnly   bool `json:"active_only,omitempty" jsonschema:"description=Only return active channels"`
	InactiveOnly bool `json:"inactive_only,omitempty" jsonschema:"description=Only return inactive channels"`
	PublicOnly   bool `json:"public_only,omitempty" jsonschema:"description=Only return public channels"`
	PrivateOnly  bool `json:"private_only,omitempty" jsonschema:"description=Only return private channels"`
}

type listInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,default=10,description=Maximum number of entries to return"`
}

type listInvoicesInput struct {
	Limit       int  `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,default=10,description=Maximum number of invoices to return"`
	PendingOnly bool `json:"pending_only,omitempty" jsonschema:"description=Only return invoices that are not settled yet"`
}

type decodeInvoiceInput struct {
	Invoice string `json:"invoice" jsonschema:"minLength=1,description=bolt11 payment request"`
}

type createInvoiceInput struct {
	AmountSat int64  `json:"amount_sat" jsonschema:"minimum=1,description=Invoice amount in satoshis"`
	Memo      string `json:"memo,omitempty" jsonschema:"maxLength=639,description=Invoice description"`
}

// NodeTools 把节点操作包装成工具。节点错误原样返回，由智能体决定是否中止。
func NodeTools(node lightning.Node) ([]*Spec, error) {
	builders := []func(lightning.Node) (*Spec, error){
		getNodeInfo,
		listChannels,
		getWalletBalance,
		getChannelBalance,
		listPendingChannels,
		listPayments,
		listInvoices,
		decodeInvoice,
		createInvoice,
	}
	specs := make([]*Spec, 0, len(builders))
	for _, build := range builders {
		spec, err := build(node)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func getNodeInfo(node lightning.Node) (*Spec, error) {
	return New(ToolGetNodeInfo,
		"Returns the node alias, public key, version, block height, sync state and channel and peer counts. Takes no input.",
		func(ctx context.Context, _ noInput) (any, error) {
			return node.GetInfo(ctx)
		})
}

func listChannels(node lightning.Node) (*Spec, error) {
	return New(ToolListChannels,
		"Lists the open channels of the node with capacity and local and remote balances.",
		func(ctx context.Context, in listChannelsInput) (any, error) {
			channels, err := node.ListChannels(ctx, lightning.ChannelFilter(in))
			if err != nil {
				return nil, err
			}
			return map[string]any{"channels": channels, "count": len(channels)}, nil
		})
}

func getWalletBalance(node lightning.Node) (*Spec, error) {
	return New(ToolGetWalletBalance,
		"Returns the on-chain wallet balance in satoshis (total, confirmed and unconfirmed). Takes no input.",
		func(ctx context.Context, _ noInput) (any, error) {
			return node.WalletBalance(ctx)
		})
}

func getChannelBalance(node lightning.Node) (*Spec, error) {
	return New(ToolGetChannelBalance,
		"Returns the sum of local and remote balances across all channels in satoshis. Takes no input.",
		func(ctx context.Context, _ noInput) (any, error) {
			return node.ChannelBalance(ctx)
		})
}

func listPendingChannels(node lightning.Node) (*Spec, error) {
	return New(ToolListPendingChannels,
		"Lists channels that are still opening or closing. Takes no input.",
		func(ctx context.Context, _ noInput) (any, error) {
			pending, err := node.PendingChannels(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"pending_channels": pending, "count": len(pending)}, nil
		})
}

func listPayments(node lightning.Node) (*Spec, error) {
	return New(ToolListPayments,
		"Lists the most recent outgoing payments of the node.",
		func(ctx context.Context, in listInput) (any, error) {
			payments, err := node.ListPayments(ctx, limitOrDefault(in.Limit))
			if err != nil {
				return nil, err
			}
			return map[string]any{"payments": payments, "count": len(payments)}, nil
		})
}

func listInvoices(node lightning.Node) (*Spec, error) {
	return New(ToolListInvoices,
		"Lists the most recent invoices created by the node.",
		func(ctx context.Context, in listInvoicesInput) (any, error) {
			invoices, err := node.ListInvoices(ctx, limitOrDefault(in.Limit), in.PendingOnly)
			if err != nil {
				return nil, err
			}
			return map[string]any{"invoices": invoices, "count": len(invoices)}, nil
		})
}

func decodeInvoice(node lightning.Node) (*Spec, error) {
	return New(ToolDecodeInvoice,
		"Decodes a bolt11 invoice and returns its destination, payment hash, amount and expiry. Does not pay it.",
		func(ctx context.Context, in decodeInvoiceInput) (any, error) {
			return node.DecodeInvoice(ctx, in.Invoice)
		},
		WithStringInput("invoice"))
}

func createInvoice(node lightning.Node) (*Spec, error) {
	return New(ToolCreateInvoice,
		"Creates a new invoice on the node for the given amount in satoshis so that someone can pay this node.",
		func(ctx context.Context, in createInvoiceInput) (any, error) {
			return node.CreateInvoice(ctx, in.AmountSat, in.Memo)
		})
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
