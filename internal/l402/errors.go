package l402

import (
	"net/http"

	xerrors "L402-Agent/internal/errors"
)

// L402 调用链的错误码。付款相关错误都不可重试，避免重复付款。
const (
	CodeRequestConstruction xerrors.Code = "REQUEST_CONSTRUCTION_FAILED"
	CodeChallengeParse      xerrors.Code = "CHALLENGE_PARSE_FAILED"
	CodePaymentRejected     xerrors.Code = "PAYMENT_REJECTED"
	CodePaidRequestFailed   xerrors.Code = "PAID_REQUEST_FAILED"
)

func init() {
	xerrors.Register(CodeRequestConstruction, xerrors.Attributes{
		Message:    "could not build API request",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeChallengeParse, xerrors.Attributes{
		Message:    "malformed payment challenge",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodePaymentRejected, xerrors.Attributes{
		Message:    "server rejected proof of payment",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodePaidRequestFailed, xerrors.Attributes{
		Message:    "request failed after payment",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}
