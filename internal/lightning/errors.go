package lightning

import (
	"net/http"

	xerrors "L402-Agent/internal/errors"
)

// 节点与支付相关的错误码。
const (
	CodeNodeAuth        xerrors.Code = "NODE_AUTH_FAILED"
	CodeNodeUnavailable xerrors.Code = "NODE_UNAVAILABLE"
	CodeNodeRPC         xerrors.Code = "NODE_RPC_FAILED"
	CodePaymentFailed   xerrors.Code = "PAYMENT_FAILED"
)

// PaymentKind 区分支付失败的原因。
type PaymentKind string

const (
	PaymentInsufficientFunds PaymentKind = "INSUFFICIENT_FUNDS"
	PaymentNoRoute           PaymentKind = "NO_ROUTE"
	PaymentTimeout           PaymentKind = "TIMEOUT"
	PaymentAmountExceeded    PaymentKind = "AMOUNT_EXCEEDED"
	PaymentFailed            PaymentKind = "FAILED"
	// PaymentUnknownOutcome 表示付款被取消后仍无法确认最终状态，需要人工核对。
	PaymentUnknownOutcome PaymentKind = "UNKNOWN_OUTCOME"
)

// 错误附加信息的键。
const (
	MetaKind        = "kind"
	MetaPaymentHash = "payment_hash"
	MetaOperation   = "operation"
)

func init() {
	xerrors.Register(CodeNodeAuth, xerrors.Attributes{
		Message:    "node rejected credentials",
		Severity:   xerrors.SeverityCritical,
		Retryable:  false,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeNodeUnavailable, xerrors.Attributes{
		Message:    "node unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeNodeRPC, xerrors.Attributes{
		Message:    "node rpc failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodePaymentFailed, xerrors.Attributes{
		Message:    "payment failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		HTTPStatus: http.StatusPaymentRequired,
	})
}

// NewNodeError 构造节点错误。code 必须是三个 NODE_* 错误码之一。
func NewNodeError(code xerrors.Code, op string, cause error) *xerrors.Error {
	return xerrors.Wrap(code, cause, "", xerrors.WithMetadata(MetaOperation, op))
}

// NewPaymentError 构造带有失败种类的支付错误。
func NewPaymentError(kind PaymentKind, paymentHash string, cause error) *xerrors.Error {
	opts := []xerrors.Option{xerrors.WithMetadata(MetaKind, string(kind))}
	if paymentHash != "" {
		opts = append(opts, xerrors.WithMetadata(MetaPaymentHash, paymentHash))
	}
	if kind == PaymentUnknownOutcome {
		opts = append(opts, xerrors.WithAlert(true), xerrors.WithSeverity(xerrors.SeverityCritical))
	}
	return xerrors.Wrap(CodePaymentFailed, cause, "payment failed: "+string(kind), opts...)
}

// PaymentKindOf 返回支付错误的种类，非支付错误返回空串。
func PaymentKindOf(err error) PaymentKind {
	e, ok := xerrors.From(err)
	if !ok || e.Code() != CodePaymentFailed {
		return ""
	}
	return PaymentKind(e.Metadata()[MetaKind])
}

// IsNodeError 判断错误是否来自节点连接。
func IsNodeError(err error) bool {
	return xerrors.HasCode(err, CodeNodeAuth) ||
		xerrors.HasCode(err, CodeNodeUnavailable) ||
		xerrors.HasCode(err, CodeNodeRPC)
}

// IsFatalNodeError 判断错误是否应终止当前的智能体执行。
func IsFatalNodeError(err error) bool {
	return xerrors.HasCode(err, CodeNodeAuth)
}
