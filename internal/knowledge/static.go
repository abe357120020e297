package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(question string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 通过内置条目或文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目，按扩展名选择格式。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 按关键词与标签匹配问题，最多返回 maxResults 条。
func (p *StaticProvider) Query(question string) []Snippet {
	if p == nil {
		return nil
	}

	question = strings.ToLower(strings.TrimSpace(question))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, question) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, question string) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	for _, term := range append(append([]string(nil), snippet.Keywords...), snippet.Tags...) {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized != "" && strings.Contains(question, normalized) {
			return true
		}
	}
	return false
}

// Render 把知识条目整理成提示词中的参考资料段落。
func Render(snippets []Snippet) string {
	var b strings.Builder
	for _, s := range snippets {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		if s.Title != "" {
			fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Content)
		} else {
			fmt.Fprintf(&b, "- %s\n", s.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
