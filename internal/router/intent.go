package router

import (
	"fmt"
	"net/http"
	"strings"

	xerrors "L402-Agent/internal/errors"
)

// Intent 是问题的分类结果，每个问题只分类一次。
type Intent string

const (
	IntentNodeInfo  Intent = "NODE_INFO"
	IntentKnowledge Intent = "KNOWLEDGE"
	IntentFAQ       Intent = "FAQ"
	IntentPaidAPI   Intent = "PAID_API"
	IntentOther     Intent = "OTHER"
)

// CodeClassification 表示分类器返回了五个标签之外的结果。
const CodeClassification xerrors.Code = "CLASSIFICATION_FAILED"

func init() {
	xerrors.Register(CodeClassification, xerrors.Attributes{
		Message:    "question could not be classified",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
}

// Intents 按分类提示词中的优先级返回全部意图。
func Intents() []Intent {
	return []Intent{IntentNodeInfo, IntentPaidAPI, IntentFAQ, IntentKnowledge, IntentOther}
}

// ParseIntent 把分类器输出规整后映射为 Intent。
func ParseIntent(label string) (Intent, error) {
	normalized := strings.Trim(strings.TrimSpace(label), "`'\". \n\t")
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToUpper(normalized))
	switch intent := Intent(normalized); intent {
	case IntentNodeInfo, IntentKnowledge, IntentFAQ, IntentPaidAPI, IntentOther:
		return intent, nil
	default:
		return "", xerrors.New(CodeClassification, fmt.Sprintf("classifier returned unknown label %q", truncate(label, 64)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
