// Package accesslog はリクエストごとに1行のアクセスログを記録する。
//
// クライアントエージェント文字列の解析は Parser として差し替え可能にしており、
// 解析できなかった項目は省略せず Unknown として記録する。
package accesslog

import (
	"strings"

	"github.com/ua-parser/uap-go/uaparser"
)

// Unknown は解析できなかった項目に記録する値。
const Unknown = "Unknown"

// Agent はUser-Agentから導出したクライアント情報。
type Agent struct {
	OSName         string
	OSVersion      string
	BrowserName    string
	BrowserVersion string
	DeviceVendor   string
	DeviceModel    string
}

// UnknownAgent はすべての項目がUnknownのAgentを返す。
func UnknownAgent() Agent {
	return Agent{
		OSName:         Unknown,
		OSVersion:      Unknown,
		BrowserName:    Unknown,
		BrowserVersion: Unknown,
		DeviceVendor:   Unknown,
		DeviceModel:    Unknown,
	}
}

// OS は "名前 バージョン" 形式の文字列を返す。
func (a Agent) OS() string { return a.OSName + " " + a.OSVersion }

// Browser は "名前 バージョン" 形式の文字列を返す。
func (a Agent) Browser() string { return a.BrowserName + " " + a.BrowserVersion }

// Device は "ベンダー モデル" 形式の文字列を返す。
func (a Agent) Device() string { return a.DeviceVendor + " " + a.DeviceModel }

// Parser はUser-Agent文字列をAgentに変換する。
// 実装はパニックやエラーを外に漏らしてはならない。
type Parser interface {
	Parse(raw string) Agent
}

// ParserFunc は関数をParserとして扱うためのアダプタ。
type ParserFunc func(raw string) Agent

// Parse はfを呼び出す。
func (f ParserFunc) Parse(raw string) Agent { return f(raw) }

// UAParser はua-parserの定義を使うParser。
type UAParser struct {
	parser *uaparser.Parser
}

// NewUAParser は組み込みの定義でUAParserを生成する。
func NewUAParser() *UAParser {
	return &UAParser{parser: uaparser.NewFromSaved()}
}

// Parse はUser-Agent文字列を解析する。解析中のパニックはUnknownとして扱う。
func (p *UAParser) Parse(raw string) (agent Agent) {
	agent = UnknownAgent()
	if strings.TrimSpace(raw) == "" {
		return agent
	}
	defer func() {
		if r := recover(); r != nil {
			agent = UnknownAgent()
		}
	}()

	client := p.parser.Parse(raw)
	if client.Os != nil {
		agent.OSName = family(client.Os.Family)
		agent.OSVersion = version(client.Os.Major, client.Os.Minor, client.Os.Patch)
	}
	if client.UserAgent != nil {
		agent.BrowserName = family(client.UserAgent.Family)
		agent.BrowserVersion = version(client.UserAgent.Major, client.UserAgent.Minor, client.UserAgent.Patch)
	}
	if client.Device != nil {
		agent.DeviceVendor = orUnknown(client.Device.Brand)
		agent.DeviceModel = orUnknown(client.Device.Model)
	}
	return agent
}

// family はua-parserが不明時に返す "Other" をUnknownに置き換える。
func family(s string) string {
	if s == "Other" {
		return Unknown
	}
	return orUnknown(s)
}

// version はメジャー・マイナー・パッチを "." で連結する。
func version(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p == "" {
			break
		}
		out = append(out, p)
	}
	return orUnknown(strings.Join(out, "."))
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}
