package tools

import (
	"net/http"

	xerrors "L402-Agent/internal/errors"
)

// CodeToolInput 表示工具参数不符合其 schema。
const CodeToolInput xerrors.Code = "TOOL_INPUT_INVALID"

func init() {
	xerrors.Register(CodeToolInput, xerrors.Attributes{
		Message:    "tool input does not match schema",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// IsInputError 判断错误是否为工具参数错误。
func IsInputError(err error) bool {
	return xerrors.HasCode(err, CodeToolInput)
}
