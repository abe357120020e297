package guard

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	xerrors "L402-Agent/internal/errors"
)

// CodeDomainNotAllowed 表示目标主机不在白名单中，请求不会被发出。
const CodeDomainNotAllowed xerrors.Code = "DOMAIN_NOT_ALLOWED"

func init() {
	xerrors.Register(CodeDomainNotAllowed, xerrors.Attributes{
		Message:    "domain not allowed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		HTTPStatus: http.StatusForbidden,
	})
}

// AllowList 检查主机名是否允许访问。构造后只读，可被并发使用。
//
// 模式为精确主机名（"api.example.com"），或以 "." / "*." 开头的后缀
// （".example.com" 匹配 example.com 的任意子域名，但不匹配 example.com 本身）。
type AllowList struct {
	exact    map[string]struct{}
	suffixes []string
}

// New 根据模式列表构造白名单。模式可以带协议或端口，匹配时只比较主机名。
func New(patterns []string) *AllowList {
	a := &AllowList{exact: make(map[string]struct{}, len(patterns))}
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(p, "*."):
			a.suffixes = append(a.suffixes, p[1:])
		case strings.HasPrefix(p, "."):
			a.suffixes = append(a.suffixes, p)
		default:
			if h := normalize(p); h != "" {
				a.exact[h] = struct{}{}
			}
		}
	}
	return a
}

// Allows 判断主机名是否匹配白名单。
func (a *AllowList) Allows(host string) bool {
	if a == nil {
		return false
	}
	h := normalize(host)
	if h == "" {
		return false
	}
	if _, ok := a.exact[h]; ok {
		return true
	}
	for _, s := range a.suffixes {
		if strings.HasSuffix(h, s) && len(h) > len(s) {
			return true
		}
	}
	return false
}

// Check 校验 URL 的主机，不允许时返回 DOMAIN_NOT_ALLOWED 错误。
func (a *AllowList) Check(u *url.URL) error {
	if u == nil || !a.Allows(u.Hostname()) {
		host := ""
		if u != nil {
			host = u.Host
		}
		return xerrors.New(CodeDomainNotAllowed, "host "+host+" is not in the allow-list",
			xerrors.WithMetadata("host", host))
	}
	return nil
}

// Patterns 返回白名单的规范化内容，用于日志。
func (a *AllowList) Patterns() []string {
	out := make([]string, 0, len(a.exact)+len(a.suffixes))
	for h := range a.exact {
		out = append(out, h)
	}
	return append(out, a.suffixes...)
}

func normalize(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Host
		}
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.TrimSuffix(host, ".")
}
