package l402

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	macaroon "gopkg.in/macaroon.v2"

	xerrors "L402-Agent/internal/errors"
)

// 认证方案名称，LSAT 是 L402 的旧名。
const (
	SchemeL402 = "L402"
	SchemeLSAT = "LSAT"
)

// Challenge 是 402 响应中携带的付款挑战，只对产生它的那一次调用有效。
type Challenge struct {
	Scheme   string
	Macaroon string
	Invoice  string
}

// ParseChallenge 从 WWW-Authenticate 头中解析第一个 L402/LSAT 挑战。
func ParseChallenge(header http.Header) (*Challenge, error) {
	values := header.Values("WWW-Authenticate")
	if len(values) == 0 {
		return nil, challengeError("missing WWW-Authenticate header", nil)
	}
	var lastErr error
	for _, value := range values {
		ch, err := parseChallengeValue(value)
		if err == nil {
			return ch, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func parseChallengeValue(value string) (*Challenge, error) {
	value = strings.TrimSpace(value)
	scheme, rest, ok := strings.Cut(value, " ")
	if !ok {
		return nil, challengeError("challenge has no parameters", nil)
	}
	switch strings.ToUpper(scheme) {
	case SchemeL402, SchemeLSAT:
		scheme = strings.ToUpper(scheme)
	default:
		return nil, challengeError("unsupported auth scheme "+scheme, nil)
	}

	params := parseParams(rest)
	mac := params["macaroon"]
	invoice := params["invoice"]
	if mac == "" || invoice == "" {
		return nil, challengeError("challenge must contain macaroon and invoice", nil)
	}
	if !isToken(mac) {
		return nil, challengeError("malformed macaroon", nil)
	}
	if !looksLikeInvoice(invoice) {
		return nil, challengeError("malformed invoice", nil)
	}
	return &Challenge{Scheme: scheme, Macaroon: mac, Invoice: invoice}, nil
}

// parseParams 解析 key="value", key=value 形式的参数列表。
func parseParams(s string) map[string]string {
	params := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,\t")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				val, s = s, ""
			} else {
				val, s = s[:end], s[end:]
			}
		}
		params[key] = strings.TrimSpace(val)
	}
	return params
}

// isToken 只要求宏凭证是不含空白与引号的非空串，其编码由服务端决定。
func isToken(v string) bool {
	return v != "" && !strings.ContainsAny(v, " \t\r\n\"")
}

// MacaroonID 尝试把宏凭证按 base64 编码的二进制 macaroon 解码并返回其标识，仅用于审计日志。
// 其他编码的宏凭证返回 false。
func (c *Challenge) MacaroonID() (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		raw, err := enc.DecodeString(c.Macaroon)
		if err != nil {
			continue
		}
		var mac macaroon.Macaroon
		if err := mac.UnmarshalBinary(raw); err != nil {
			return "", false
		}
		return hex.EncodeToString(mac.Id()), true
	}
	return "", false
}

func looksLikeInvoice(invoice string) bool {
	lower := strings.ToLower(invoice)
	return strings.HasPrefix(lower, "ln") && !strings.ContainsAny(lower, " \t\r\n")
}

// Authorization 返回携带支付证明的 Authorization 头：<scheme> <macaroon>:<preimage hex>。
func (c *Challenge) Authorization(preimage []byte) string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = SchemeL402
	}
	return fmt.Sprintf("%s %s:%s", scheme, c.Macaroon, hex.EncodeToString(preimage))
}

func challengeError(msg string, cause error) error {
	if cause == nil {
		cause = errors.New(msg)
		return xerrors.Wrap(CodeChallengeParse, cause, "")
	}
	return xerrors.Wrap(CodeChallengeParse, cause, msg)
}
