package domain

import (
	"regexp"
	"strings"
)

// addressPattern 收件地址语法：本地部分为任意非 '@' 字符，
// 域名部分只允许小写字母、数字以及 '.'、'_'、'-'。
var addressPattern = regexp.MustCompile(`^([^@]+)@([a-z0-9_.-]+)$`)

// Address 是解析后的收件地址。
type Address struct {
	LocalPart string
	Domain    string
}

// String 返回 local@domain 形式。
func (a Address) String() string {
	return a.LocalPart + "@" + a.Domain
}

// ParseAddress 解析 SMTP 收件地址。
//
// 只去除首尾空白和尖括号，不做大小写转换：大写域名按原语法视为格式错误。
func ParseAddress(raw string) (Address, error) {
	addr := strings.TrimSpace(raw)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")

	m := addressPattern.FindStringSubmatch(addr)
	if m == nil {
		return Address{}, ErrMalformedAddress
	}
	return Address{LocalPart: m[1], Domain: m[2]}, nil
}

// DomainSet 是启动时加载、之后不可变的域名白名单，保留配置顺序。
type DomainSet struct {
	ordered []string
	index   map[string]struct{}
}

// NewDomainSet 创建域名白名单，域名统一转小写并去重。
func NewDomainSet(domains []string) *DomainSet {
	set := &DomainSet{
		ordered: make([]string, 0, len(domains)),
		index:   make(map[string]struct{}, len(domains)),
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, ok := set.index[d]; ok {
			continue
		}
		set.index[d] = struct{}{}
		set.ordered = append(set.ordered, d)
	}
	return set
}

// Contains 判断域名是否在白名单中（大小写敏感，白名单本身均为小写）。
func (s *DomainSet) Contains(domain string) bool {
	_, ok := s.index[domain]
	return ok
}

// List 返回白名单副本。
func (s *DomainSet) List() []string {
	out := make([]string, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len 返回域名数量。
func (s *DomainSet) Len() int {
	return len(s.ordered)
}
