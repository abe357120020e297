package agent

import (
	"net/http"

	xerrors "L402-Agent/internal/errors"
)

// 智能体执行相关的错误码。
const (
	CodePlanParse     xerrors.Code = "PLAN_PARSE_FAILED"
	CodeMaxIterations xerrors.Code = "MAX_ITERATIONS_EXCEEDED"
)

func init() {
	xerrors.Register(CodePlanParse, xerrors.Attributes{
		Message:    "could not parse agent plan",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeMaxIterations, xerrors.Attributes{
		Message:    "agent stopped after reaching the iteration limit",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}
