package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/lightning"
)

const (
	defaultPaymentTimeout = 60 * time.Second
	defaultTrackTimeout   = 15 * time.Second
	maxRecvMsgSize        = 50 * 1024 * 1024
)

// LightningRPC 是 lnrpc.LightningClient 中被使用到的子集。
type LightningRPC interface {
	GetInfo(ctx context.Context, in *lnrpc.GetInfoRequest, opts ...grpc.CallOption) (*lnrpc.GetInfoResponse, error)
	ListChannels(ctx context.Context, in *lnrpc.ListChannelsRequest, opts ...grpc.CallOption) (*lnrpc.ListChannelsResponse, error)
	WalletBalance(ctx context.Context, in *lnrpc.WalletBalanceRequest, opts ...grpc.CallOption) (*lnrpc.WalletBalanceResponse, error)
	ChannelBalance(ctx context.Context, in *lnrpc.ChannelBalanceRequest, opts ...grpc.CallOption) (*lnrpc.ChannelBalanceResponse, error)
	PendingChannels(ctx context.Context, in *lnrpc.PendingChannelsRequest, opts ...grpc.CallOption) (*lnrpc.PendingChannelsResponse, error)
	ListPayments(ctx context.Context, in *lnrpc.ListPaymentsRequest, opts ...grpc.CallOption) (*lnrpc.ListPaymentsResponse, error)
	ListInvoices(ctx context.Context, in *lnrpc.ListInvoiceRequest, opts ...grpc.CallOption) (*lnrpc.ListInvoiceResponse, error)
	DecodePayReq(ctx context.Context, in *lnrpc.PayReqString, opts ...grpc.CallOption) (*lnrpc.PayReq, error)
	AddInvoice(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error)
}

// PaymentStream 是 SendPaymentV2/TrackPaymentV2 返回的服务端流。
type PaymentStream interface {
	Recv() (*lnrpc.Payment, error)
}

// RouterRPC 抽象 routerrpc 中的付款与追踪接口。
type RouterRPC interface {
	SendPayment(ctx context.Context, req *routerrpc.SendPaymentRequest) (PaymentStream, error)
	TrackPayment(ctx context.Context, req *routerrpc.TrackPaymentRequest) (PaymentStream, error)
}

type grpcRouter struct {
	client routerrpc.RouterClient
}

func (r grpcRouter) SendPayment(ctx context.Context, req *routerrpc.SendPaymentRequest) (PaymentStream, error) {
	return r.client.SendPaymentV2(ctx, req)
}

func (r grpcRouter) TrackPayment(ctx context.Context, req *routerrpc.TrackPaymentRequest) (PaymentStream, error) {
	return r.client.TrackPaymentV2(ctx, req)
}

// Config 描述节点连接参数。
type Config struct {
	Host           string
	Port           int
	CertPath       string
	MacaroonPath   string
	PaymentTimeout time.Duration
	MaxPaymentSat  int64
	FeeLimitSat    int64
}

// Client 通过 gRPC 访问 LND，同时实现 lightning.Node 与 lightning.Payer。
// 底层 grpc.ClientConn 支持多路复用，可被多个智能体执行并发使用。
type Client struct {
	conn           *grpc.ClientConn
	ln             LightningRPC
	router         RouterRPC
	paymentTimeout time.Duration
	trackTimeout   time.Duration
	maxPaymentSat  int64
	feeLimitSat    int64
}

// Option 自定义 Client。
type Option func(*Client)

// WithPaymentTimeout 设置单次付款的最长等待时间。
func WithPaymentTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.paymentTimeout = d
		}
	}
}

// WithTrackTimeout 设置付款被中断后追踪最终状态的等待时间。
func WithTrackTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.trackTimeout = d
		}
	}
}

// WithMaxPaymentSat 设置单张发票允许支付的最大金额，0 表示不限制。
func WithMaxPaymentSat(sat int64) Option {
	return func(c *Client) {
		if sat >= 0 {
			c.maxPaymentSat = sat
		}
	}
}

// WithFeeLimitSat 设置路由费上限。
func WithFeeLimitSat(sat int64) Option {
	return func(c *Client) {
		if sat > 0 {
			c.feeLimitSat = sat
		}
	}
}

// New 使用已有的 RPC 客户端构造 Client，便于测试注入。
func New(ln LightningRPC, router RouterRPC, opts ...Option) *Client {
	c := &Client{
		ln:             ln,
		router:         router,
		paymentTimeout: defaultPaymentTimeout,
		trackTimeout:   defaultTrackTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Dial 建立到 LND 的 TLS gRPC 连接，每次调用都会携带宏凭证。
func Dial(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("未配置 LND 节点地址")
	}
	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.CertPath, "")
	if err != nil {
		return nil, fmt.Errorf("加载 LND TLS 证书失败: %w", err)
	}
	macCreds, err := LoadMacaroon(cfg.MacaroonPath)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithPerRPCCredentials(macCreds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 LND 节点失败: %w", err)
	}

	base := []Option{
		WithPaymentTimeout(cfg.PaymentTimeout),
		WithMaxPaymentSat(cfg.MaxPaymentSat),
		WithFeeLimitSat(cfg.FeeLimitSat),
	}
	c := New(lnrpc.NewLightningClient(conn), grpcRouter{client: routerrpc.NewRouterClient(conn)}, append(base, opts...)...)
	c.conn = conn
	return c, nil
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// GetInfo 返回节点概要信息。
func (c *Client) GetInfo(ctx context.Context) (*lightning.NodeInfo, error) {
	resp, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, rpcError("GetInfo", err)
	}
	info := &lightning.NodeInfo{
		Alias:               resp.GetAlias(),
		PubKey:              resp.GetIdentityPubkey(),
		Version:             resp.GetVersion(),
		BlockHeight:         resp.GetBlockHeight(),
		SyncedToChain:       resp.GetSyncedToChain(),
		NumActiveChannels:   resp.GetNumActiveChannels(),
		NumInactiveChannels: resp.GetNumInactiveChannels(),
		NumPendingChannels:  resp.GetNumPendingChannels(),
		NumPeers:            resp.GetNumPeers(),
	}
	for _, chain := range resp.GetChains() {
		info.Chains = append(info.Chains, chain.GetNetwork())
	}
	return info, nil
}

// ListChannels 返回已打开的通道。
func (c *Client) ListChannels(ctx context.Context, filter lightning.ChannelFilter) ([]lightning.Channel, error) {
	resp, err := c.ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{
		ActiveOnly:   filter.ActiveOnly,
		InactiveOnly: filter.InactiveOnly,
		PublicOnly:   filter.PublicOnly,
		PrivateOnly:  filter.PrivateOnly,
	})
	if err != nil {
		return nil, rpcError("ListChannels", err)
	}
	channels := make([]lightning.Channel, 0, len(resp.GetChannels()))
	for _, ch := range resp.GetChannels() {
		channels = append(channels, lightning.Channel{
			ChanID:        ch.GetChanId(),
			ChannelPoint:  ch.GetChannelPoint(),
			RemotePubKey:  ch.GetRemotePubkey(),
			CapacitySat:   ch.GetCapacity(),
			LocalBalance:  ch.GetLocalBalance(),
			RemoteBalance: ch.GetRemoteBalance(),
			Active:        ch.GetActive(),
			Private:       ch.GetPrivate(),
		})
	}
	return channels, nil
}

// WalletBalance 返回链上钱包余额。
func (c *Client) WalletBalance(ctx context.Context) (*lightning.WalletBalance, error) {
	resp, err := c.ln.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return nil, rpcError("WalletBalance", err)
	}
	return &lightning.WalletBalance{
		TotalSat:       resp.GetTotalBalance(),
		ConfirmedSat:   resp.GetConfirmedBalance(),
		UnconfirmedSat: resp.GetUnconfirmedBalance(),
	}, nil
}

// ChannelBalance 返回通道余额汇总。
func (c *Client) ChannelBalance(ctx context.Context) (*lightning.ChannelBalance, error) {
	resp, err := c.ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return nil, rpcError("ChannelBalance", err)
	}
	return &lightning.ChannelBalance{
		LocalSat:       int64(resp.GetLocalBalance().GetSat()),
		RemoteSat:      int64(resp.GetRemoteBalance().GetSat()),
		PendingOpenSat: int64(resp.GetPendingOpenLocalBalance().GetSat()),
	}, nil
}

// PendingChannels 返回所有待定通道。
func (c *Client) PendingChannels(ctx context.Context) ([]lightning.PendingChannel, error) {
	resp, err := c.ln.PendingChannels(ctx, &lnrpc.PendingChannelsRequest{})
	if err != nil {
		return nil, rpcError("PendingChannels", err)
	}
	var pending []lightning.PendingChannel
	for _, ch := range resp.GetPendingOpenChannels() {
		pending = append(pending, pendingChannel(lightning.PendingOpening, ch.GetChannel()))
	}
	for _, ch := range resp.GetPendingForceClosingChannels() {
		pending = append(pending, pendingChannel(lightning.PendingForceClosing, ch.GetChannel()))
	}
	for _, ch := range resp.GetWaitingCloseChannels() {
		pending = append(pending, pendingChannel(lightning.PendingWaitingClose, ch.GetChannel()))
	}
	return pending, nil
}

func pendingChannel(state string, ch *lnrpc.PendingChannelsResponse_PendingChannel) lightning.PendingChannel {
	return lightning.PendingChannel{
		State:         state,
		ChannelPoint:  ch.GetChannelPoint(),
		RemotePubKey:  ch.GetRemoteNodePub(),
		CapacitySat:   ch.GetCapacity(),
		LocalBalance:  ch.GetLocalBalance(),
		RemoteBalance: ch.GetRemoteBalance(),
	}
}

// ListPayments 返回最近的 limit 笔付款，最新的在前。
func (c *Client) ListPayments(ctx context.Context, limit int) ([]lightning.PaymentRecord, error) {
	resp, err := c.ln.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
		MaxPayments: uint64(limit),
		Reversed:    true,
	})
	if err != nil {
		return nil, rpcError("ListPayments", err)
	}
	payments := resp.GetPayments()
	records := make([]lightning.PaymentRecord, 0, len(payments))
	for i := len(payments) - 1; i >= 0; i-- {
		p := payments[i]
		records = append(records, lightning.PaymentRecord{
			PaymentHash:    p.GetPaymentHash(),
			PaymentRequest: p.GetPaymentRequest(),
			Status:         p.GetStatus().String(),
			ValueSat:       p.GetValueSat(),
			FeeSat:         p.GetFeeSat(),
			CreatedAt:      time.Unix(0, p.GetCreationTimeNs()).UTC(),
		})
	}
	return records, nil
}

// ListInvoices 返回最近的 limit 张发票，最新的在前。
func (c *Client) ListInvoices(ctx context.Context, limit int, pendingOnly bool) ([]lightning.InvoiceRecord, error) {
	resp, err := c.ln.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
		NumMaxInvoices: uint64(limit),
		PendingOnly:    pendingOnly,
		Reversed:       true,
	})
	if err != nil {
		return nil, rpcError("ListInvoices", err)
	}
	invoices := resp.GetInvoices()
	records := make([]lightning.InvoiceRecord, 0, len(invoices))
	for i := len(invoices) - 1; i >= 0; i-- {
		inv := invoices[i]
		records = append(records, lightning.InvoiceRecord{
			Memo:           inv.GetMemo(),
			PaymentHash:    hex.EncodeToString(inv.GetRHash()),
			PaymentRequest: inv.GetPaymentRequest(),
			State:          inv.GetState().String(),
			ValueSat:       inv.GetValue(),
			AmtPaidSat:     inv.GetAmtPaidSat(),
			CreatedAt:      time.Unix(inv.GetCreationDate(), 0).UTC(),
		})
	}
	return records, nil
}

// DecodeInvoice 解析 bolt11 发票。
func (c *Client) DecodeInvoice(ctx context.Context, invoice string) (*lightning.DecodedInvoice, error) {
	resp, err := c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: strings.TrimSpace(invoice)})
	if err != nil {
		return nil, rpcError("DecodePayReq", err)
	}
	return &lightning.DecodedInvoice{
		Destination: resp.GetDestination(),
		PaymentHash: resp.GetPaymentHash(),
		AmountSat:   resp.GetNumSatoshis(),
		Description: resp.GetDescription(),
		Timestamp:   time.Unix(resp.GetTimestamp(), 0).UTC(),
		Expiry:      resp.GetExpiry(),
	}, nil
}

// CreateInvoice 开出一张新发票。
func (c *Client) CreateInvoice(ctx context.Context, amountSat int64, memo string) (*lightning.CreatedInvoice, error) {
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{Value: amountSat, Memo: memo})
	if err != nil {
		return nil, rpcError("AddInvoice", err)
	}
	return &lightning.CreatedInvoice{
		PaymentHash:    hex.EncodeToString(resp.GetRHash()),
		PaymentRequest: resp.GetPaymentRequest(),
		AddIndex:       resp.GetAddIndex(),
	}, nil
}

// rpcError 把 gRPC 错误映射为节点错误码。
func rpcError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, op+" canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return lightning.NewNodeError(lightning.CodeNodeUnavailable, op, err)
	}

	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return lightning.NewNodeError(lightning.CodeNodeAuth, op, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return lightning.NewNodeError(lightning.CodeNodeUnavailable, op, err)
	case codes.Canceled:
		return xerrors.Wrap(xerrors.CodeCanceled, err, op+" canceled")
	}

	// LND 以 codes.Unknown 返回宏凭证校验失败。
	msg := strings.ToLower(status.Convert(err).Message())
	for _, marker := range []string{"verification failed", "permission denied", "cannot get macaroon", "invalid macaroon"} {
		if strings.Contains(msg, marker) {
			return lightning.NewNodeError(lightning.CodeNodeAuth, op, err)
		}
	}
	return lightning.NewNodeError(lightning.CodeNodeRPC, op, err)
}

var (
	_ lightning.Node  = (*Client)(nil)
	_ lightning.Payer = (*Client)(nil)
)
