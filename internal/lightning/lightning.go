package lightning

import (
	"context"
	"time"
)

// NodeInfo 是节点的概要信息。
type NodeInfo struct {
	Alias               string   `json:"alias"`
	PubKey              string   `json:"pubkey"`
	Version             string   `json:"version"`
	BlockHeight         uint32   `json:"block_height"`
	SyncedToChain       bool     `json:"synced_to_chain"`
	NumActiveChannels   uint32   `json:"num_active_channels"`
	NumInactiveChannels uint32   `json:"num_inactive_channels"`
	NumPendingChannels  uint32   `json:"num_pending_channels"`
	NumPeers            uint32   `json:"num_peers"`
	Chains              []string `json:"chains,omitempty"`
}

// Channel 描述一条已打开的通道。
type Channel struct {
	ChanID        uint64 `json:"chan_id"`
	ChannelPoint  string `json:"channel_point"`
	RemotePubKey  string `json:"remote_pubkey"`
	CapacitySat   int64  `json:"capacity_sat"`
	LocalBalance  int64  `json:"local_balance_sat"`
	RemoteBalance int64  `json:"remote_balance_sat"`
	Active        bool   `json:"active"`
	Private       bool   `json:"private"`
}

// ChannelFilter 限定 ListChannels 的返回范围。
type ChannelFilter struct {
	ActiveOnly   bool `json:"active_only,omitempty"`
	InactiveOnly bool `json:"inactive_only,omitempty"`
	PublicOnly   bool `json:"public_only,omitempty"`
	PrivateOnly  bool `json:"private_only,omitempty"`
}

// WalletBalance 是链上钱包余额（单位 sat）。
type WalletBalance struct {
	TotalSat       int64 `json:"total_sat"`
	ConfirmedSat   int64 `json:"confirmed_sat"`
	UnconfirmedSat int64 `json:"unconfirmed_sat"`
}

// ChannelBalance 是所有通道的余额汇总（单位 sat）。
type ChannelBalance struct {
	LocalSat       int64 `json:"local_sat"`
	RemoteSat      int64 `json:"remote_sat"`
	PendingOpenSat int64 `json:"pending_open_sat"`
}

// PendingChannel 描述一条尚未完成打开或关闭的通道。
type PendingChannel struct {
	State         string `json:"state"`
	ChannelPoint  string `json:"channel_point"`
	RemotePubKey  string `json:"remote_pubkey"`
	CapacitySat   int64  `json:"capacity_sat"`
	LocalBalance  int64  `json:"local_balance_sat"`
	RemoteBalance int64  `json:"remote_balance_sat"`
}

// 待定通道的状态。
const (
	PendingOpening      = "opening"
	PendingForceClosing = "force_closing"
	PendingWaitingClose = "waiting_close"
)

// PaymentRecord 是节点历史中的一笔付款。
type PaymentRecord struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request,omitempty"`
	Status         string    `json:"status"`
	ValueSat       int64     `json:"value_sat"`
	FeeSat         int64     `json:"fee_sat"`
	CreatedAt      time.Time `json:"created_at"`
}

// InvoiceRecord 是节点开出的一张发票。
type InvoiceRecord struct {
	Memo           string    `json:"memo,omitempty"`
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"`
	State          string    `json:"state"`
	ValueSat       int64     `json:"value_sat"`
	AmtPaidSat     int64     `json:"amt_paid_sat"`
	CreatedAt      time.Time `json:"created_at"`
}

// DecodedInvoice 是解析后的 bolt11 发票。
type DecodedInvoice struct {
	Destination string    `json:"destination"`
	PaymentHash string    `json:"payment_hash"`
	AmountSat   int64     `json:"amount_sat"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Expiry      int64     `json:"expiry_seconds"`
}

// CreatedInvoice 是新开出的发票。
type CreatedInvoice struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	AddIndex       uint64 `json:"add_index"`
}

// Payment 是一次成功付款的结果。Preimage 只在内存中传递，不得持久化。
type Payment struct {
	PaymentHash string
	Preimage    []byte
	AmountSat   int64
	FeeSat      int64
}

// Node 是工具适配层使用的节点操作集合，实现必须可以被并发调用。
type Node interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)
	ListChannels(ctx context.Context, filter ChannelFilter) ([]Channel, error)
	WalletBalance(ctx context.Context) (*WalletBalance, error)
	ChannelBalance(ctx context.Context) (*ChannelBalance, error)
	PendingChannels(ctx context.Context) ([]PendingChannel, error)
	ListPayments(ctx context.Context, limit int) ([]PaymentRecord, error)
	ListInvoices(ctx context.Context, limit int, pendingOnly bool) ([]InvoiceRecord, error)
	DecodeInvoice(ctx context.Context, invoice string) (*DecodedInvoice, error)
	CreateInvoice(ctx context.Context, amountSat int64, memo string) (*CreatedInvoice, error)
}

// Payer 支付一张发票并返回支付证明。
//
// Pay 阻塞直到付款成功、失败或超时。ctx 被取消时，实现必须在返回前
// 查明付款的最终状态：成功则返回 Payment，否则返回带有明确种类的 PaymentError。
type Payer interface {
	Pay(ctx context.Context, invoice string) (*Payment, error)
}
