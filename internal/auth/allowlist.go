package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher は認証を免除するパスの判定条件。
type Matcher interface {
	// Match はパスが条件に一致する場合にtrueを返す。
	Match(path string) bool
	// String は設定ファイルと同じ表記を返す。
	String() string
}

// ExactPath はパスの完全一致。
type ExactPath string

// Match はパスが完全に一致する場合にtrueを返す。
func (p ExactPath) Match(path string) bool { return path == string(p) }

func (p ExactPath) String() string { return string(p) }

// PrefixPath はパスの前方一致。"/user/login" は "/user/login/2fa" にも一致する。
type PrefixPath string

// Match はパスがプレフィックスで始まる場合にtrueを返す。
func (p PrefixPath) Match(path string) bool { return strings.HasPrefix(path, string(p)) }

func (p PrefixPath) String() string { return string(p) + "*" }

// PatternPath は正規表現による一致。
type PatternPath struct {
	re *regexp.Regexp
}

// NewPatternPath は正規表現をコンパイルしてPatternPathを生成する。
func NewPatternPath(expr string) (PatternPath, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return PatternPath{}, fmt.Errorf("正規表現 %q のコンパイルに失敗: %w", expr, err)
	}
	return PatternPath{re: re}, nil
}

// Match はパスが正規表現に一致する場合にtrueを返す。
func (p PatternPath) Match(path string) bool { return p.re.MatchString(path) }

func (p PatternPath) String() string { return "~" + p.re.String() }

// ParseMatcher は設定値の表記からMatcherを生成する。
//
//	"/health"      完全一致
//	"/user/login*" 前方一致
//	"~^/user/\d+$" 正規表現
func ParseMatcher(raw string) (Matcher, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil, fmt.Errorf("空のパス指定は使用できません")
	case strings.HasPrefix(raw, "~"):
		return NewPatternPath(raw[1:])
	case strings.HasSuffix(raw, "*"):
		return PrefixPath(strings.TrimSuffix(raw, "*")), nil
	default:
		return ExactPath(raw), nil
	}
}

// AllowList は認証を免除するパスの一覧。起動後は変更しない。
type AllowList []Matcher

// ParseAllowList は表記の一覧からAllowListを生成する。
func ParseAllowList(entries []string) (AllowList, error) {
	list := make(AllowList, 0, len(entries))
	for _, raw := range entries {
		m, err := ParseMatcher(raw)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, nil
}

// DefaultAllowList はヘルスチェックとログイン・サインアップ・疎通確認用のパスを返す。
func DefaultAllowList() AllowList {
	return AllowList{
		ExactPath("/health"),
		PrefixPath("/user/login"),
		PrefixPath("/user/signup"),
		PrefixPath("/user/test"),
		PrefixPath("/watchlist/test"),
		PrefixPath("/review/test"),
	}
}

// Allows はパスがいずれかの条件に一致する場合にtrueを返す。
func (a AllowList) Allows(path string) bool {
	for _, m := range a {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Strings は各条件の表記を返す。
func (a AllowList) Strings() []string {
	out := make([]string, len(a))
	for i, m := range a {
		out[i] = m.String()
	}
	return out
}
