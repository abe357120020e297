package l402

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// DefaultParamPattern 限制路径参数只能包含安全字符，防止模型注入额外路径或查询。
const DefaultParamPattern = `^[A-Za-z0-9_-]+$`

// Param 描述端点路径中的一个占位参数。
type Param struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern"`
	Example     string `yaml:"example"`

	re *regexp.Regexp
}

// Documentation 描述一个目标 API 的基础地址与一个参数化端点。
type Documentation struct {
	BaseURL  string  `yaml:"base_url"`
	Method   string  `yaml:"method"`
	Path     string  `yaml:"path"`
	Summary  string  `yaml:"summary"`
	Request  string  `yaml:"request"`
	Response string  `yaml:"response"`
	Params   []Param `yaml:"params"`

	base *url.URL
}

// LoadDocumentation 从 YAML 文件读取 API 文档。
func LoadDocumentation(path string) (*Documentation, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 API 文档失败: %w", err)
	}
	var doc Documentation
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析 API 文档失败: %w", err)
	}
	if err := doc.Compile(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DefaultQuoteDocs 返回付费名言 API 的默认文档。
func DefaultQuoteDocs(targetHost string) (*Documentation, error) {
	doc := &Documentation{
		BaseURL:  targetHost,
		Method:   "GET",
		Path:     "/quote/{number}",
		Summary:  "The API endpoint /quote/ can be used to fetch inspirational quotes. Currently 5 quotes are available, 1 through 5.",
		Request:  "The number of the quote needs to be included in the URL, example /quote/2.",
		Response: "The response from the /quote/ endpoint is text.",
		Params: []Param{{
			Name:        "number",
			Description: "number of the quote, 1 through 5",
			Pattern:     `^[1-5]$`,
			Example:     "2",
		}},
	}
	if err := doc.Compile(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Compile 校验文档并预编译参数正则。
func (d *Documentation) Compile() error {
	base := strings.TrimSpace(d.BaseURL)
	if base == "" {
		return fmt.Errorf("API 文档缺少 base_url")
	}
	if !strings.Contains(base, "://") {
		scheme := "https"
		if strings.HasPrefix(base, "localhost") || strings.HasPrefix(base, "127.0.0.1") {
			scheme = "http"
		}
		base = scheme + "://" + base
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Host == "" {
		return fmt.Errorf("API 文档 base_url 不合法: %q", d.BaseURL)
	}
	d.base = u
	d.BaseURL = u.String()

	if d.Method == "" {
		d.Method = "GET"
	}
	d.Method = strings.ToUpper(d.Method)
	if !strings.HasPrefix(d.Path, "/") {
		d.Path = "/" + d.Path
	}

	for i := range d.Params {
		p := &d.Params[i]
		if p.Pattern == "" {
			p.Pattern = DefaultParamPattern
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("参数 %s 的正则不合法: %w", p.Name, err)
		}
		p.re = re
		if !strings.Contains(d.Path, "{"+p.Name+"}") {
			return fmt.Errorf("端点 %s 中没有参数 {%s}", d.Path, p.Name)
		}
	}
	return nil
}

// Host 返回目标 API 的主机名。
func (d *Documentation) Host() string {
	if d.base == nil {
		return ""
	}
	return d.base.Hostname()
}

var docsTemplate = template.Must(template.New("docs").Parse(`BASE URL: {{.BaseURL}}

API Documentation
{{.Summary}}

Endpoint: {{.Method}} {{.Path}}
{{- range .Params}}
  {{"{"}}{{.Name}}{{"}"}}: {{.Description}}{{if .Example}} (example: {{.Example}}){{end}}
{{- end}}

Request:
{{.Request}}

Response:
{{.Response}}
`))

// Text 返回供大模型阅读的文档文本。
func (d *Documentation) Text() string {
	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, d); err != nil {
		return d.BaseURL + d.Path
	}
	return buf.String()
}
