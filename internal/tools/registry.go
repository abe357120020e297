package tools

import (
	"fmt"
	"strings"
)

// Registry 是启动时静态声明的工具集合，创建后只读，可并发使用。
type Registry struct {
	specs  []*Spec
	byName map[string]*Spec
}

// NewRegistry 按给定顺序注册工具，名称必须唯一。
func NewRegistry(specs ...*Spec) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Spec, len(specs))}
	for _, s := range specs {
		if s == nil {
			continue
		}
		if _, exists := r.byName[s.Name]; exists {
			return nil, fmt.Errorf("tools: duplicate tool %q", s.Name)
		}
		r.byName[s.Name] = s
		r.specs = append(r.specs, s)
	}
	return r, nil
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (*Spec, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.byName[strings.TrimSpace(name)]
	return s, ok
}

// Specs 返回注册顺序下的全部工具。
func (r *Registry) Specs() []*Spec {
	if r == nil {
		return nil
	}
	out := make([]*Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Names 返回全部工具名。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		names = append(names, s.Name)
	}
	return names
}

// Len 返回工具数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.specs)
}

// Describe 生成写入规划提示词的工具清单。
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, s := range r.Specs() {
		fmt.Fprintf(&b, "%s: %s\n  input schema: %s\n", s.Name, s.Description, s.Schema())
	}
	return strings.TrimRight(b.String(), "\n")
}
