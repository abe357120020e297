package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	xerrors "L402-Agent/internal/errors"
	"L402-Agent/internal/lightning"
	"L402-Agent/internal/proofs"
	"L402-Agent/pkg/logger"
)

// Pay 解码并支付发票，返回经过校验的支付原像。
func (c *Client) Pay(ctx context.Context, invoice string) (*lightning.Payment, error) {
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return nil, lightning.NewPaymentError(lightning.PaymentFailed, "", errors.New("empty invoice"))
	}

	decoded, err := c.DecodeInvoice(ctx, invoice)
	if err != nil {
		if xerrors.CodeOf(err) == lightning.CodeNodeRPC {
			// 节点可达但拒绝解码，发票本身无效，没有发起付款。
			return nil, lightning.NewPaymentError(lightning.PaymentFailed, "", fmt.Errorf("invalid invoice: %w", err))
		}
		return nil, err
	}
	hash := decoded.PaymentHash
	if c.maxPaymentSat > 0 && decoded.AmountSat > c.maxPaymentSat {
		return nil, lightning.NewPaymentError(lightning.PaymentAmountExceeded, hash,
			fmt.Errorf("invoice amount %d sat exceeds limit %d sat", decoded.AmountSat, c.maxPaymentSat))
	}

	audit := logger.Audit().With(slog.String("payment_hash", hash), slog.Int64("amount_sat", decoded.AmountSat))
	audit.Info("payment started")

	payCtx, cancel := context.WithTimeout(ctx, c.paymentTimeout)
	defer cancel()

	stream, err := c.router.SendPayment(payCtx, &routerrpc.SendPaymentRequest{
		PaymentRequest:    invoice,
		TimeoutSeconds:    int32(c.paymentTimeout.Seconds()),
		FeeLimitSat:       c.feeLimitSat,
		NoInflightUpdates: true,
	})
	if err != nil {
		if payCtx.Err() == nil && notStarted(err) {
			// 连接或鉴权失败，节点没有收到付款请求。
			audit.Warn("payment not started", slog.String("error", err.Error()))
			return nil, rpcError("SendPaymentV2", err)
		}
		return c.resolve(ctx, audit, decoded, payCtx.Err(), err)
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			return c.resolve(ctx, audit, decoded, payCtx.Err(), err)
		}
		payment, final, err := c.settle(decoded, update, nil)
		if !final {
			continue
		}
		logOutcome(audit, payment, err)
		return payment, err
	}
}

// resolve 在付款流被中断后追踪付款的最终状态，保证调用方得到确定的结论。
func (c *Client) resolve(ctx context.Context, audit *slog.Logger, decoded *lightning.DecodedInvoice, interrupted, cause error) (*lightning.Payment, error) {
	hash := decoded.PaymentHash
	audit.Warn("payment interrupted, tracking outcome", slog.String("error", cause.Error()))

	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return nil, lightning.NewPaymentError(lightning.PaymentUnknownOutcome, hash, cause)
	}

	trackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.trackTimeout)
	defer cancel()

	stream, err := c.router.TrackPayment(trackCtx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       hashBytes,
		NoInflightUpdates: true,
	})
	for err == nil {
		var update *lnrpc.Payment
		update, err = stream.Recv()
		if err != nil {
			break
		}
		payment, final, perr := c.settle(decoded, update, interrupted)
		if final {
			logOutcome(audit, payment, perr)
			return payment, perr
		}
	}

	if status.Code(err) == codes.NotFound {
		// 节点从未登记过这笔付款。
		kind := lightning.PaymentFailed
		if interrupted != nil {
			kind = lightning.PaymentTimeout
		}
		perr := lightning.NewPaymentError(kind, hash, cause)
		logOutcome(audit, nil, perr)
		return nil, perr
	}

	perr := lightning.NewPaymentError(lightning.PaymentUnknownOutcome, hash, errors.Join(cause, err))
	logOutcome(audit, nil, perr)
	return nil, perr
}

// settle 解释一次付款状态更新，final 为 false 表示付款仍在进行。
func (c *Client) settle(decoded *lightning.DecodedInvoice, update *lnrpc.Payment, interrupted error) (*lightning.Payment, bool, error) {
	hash := decoded.PaymentHash
	switch update.GetStatus() {
	case lnrpc.Payment_SUCCEEDED:
		preimage, err := hex.DecodeString(update.GetPaymentPreimage())
		if err != nil {
			return nil, true, lightning.NewPaymentError(lightning.PaymentFailed, hash, fmt.Errorf("decode preimage: %w", err))
		}
		if err := proofs.VerifyPreimage(hash, preimage); err != nil {
			return nil, true, lightning.NewPaymentError(lightning.PaymentFailed, hash, err)
		}
		return &lightning.Payment{
			PaymentHash: hash,
			Preimage:    preimage,
			AmountSat:   update.GetValueSat(),
			FeeSat:      update.GetFeeSat(),
		}, true, nil
	case lnrpc.Payment_FAILED:
		reason := update.GetFailureReason()
		kind := failureKind(reason)
		if interrupted != nil && kind == lightning.PaymentFailed {
			kind = lightning.PaymentTimeout
		}
		return nil, true, lightning.NewPaymentError(kind, hash, errors.New(reason.String()))
	default:
		return nil, false, nil
	}
}

func notStarted(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

func failureKind(reason lnrpc.PaymentFailureReason) lightning.PaymentKind {
	switch reason {
	case lnrpc.PaymentFailureReason_FAILURE_REASON_INSUFFICIENT_BALANCE:
		return lightning.PaymentInsufficientFunds
	case lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE:
		return lightning.PaymentNoRoute
	case lnrpc.PaymentFailureReason_FAILURE_REASON_TIMEOUT:
		return lightning.PaymentTimeout
	default:
		return lightning.PaymentFailed
	}
}

func logOutcome(audit *slog.Logger, payment *lightning.Payment, err error) {
	if err != nil {
		audit.Warn("payment failed",
			slog.String("kind", string(lightning.PaymentKindOf(err))),
			slog.String("error", err.Error()))
		return
	}
	audit.Info("payment succeeded", slog.Int64("fee_sat", payment.FeeSat))
}
