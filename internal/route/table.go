// Package route はURLプレフィックスから上流サービスのベースURLを解決するルートテーブルを提供する。
//
// ルートテーブルは起動時に一度だけ構築され、以降は読み取り専用となる。
// そのため並行アクセスに対する同期は不要である。
package route

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrNotFound はどのプレフィックスにも一致しないパスが渡されたことを表す。
var ErrNotFound = errors.New("一致するルートがありません")

// Entry はプレフィックスと上流サービスの対応を表す。
type Entry struct {
	// Prefix は "/user" のような先頭スラッシュ付きのパスプレフィックス。
	Prefix string
	// Upstream は転送先サービスのベースURL。
	Upstream *url.URL
}

// NewEntry はプレフィックスと上流URL文字列からEntryを生成する。
func NewEntry(prefix, rawURL string) (Entry, error) {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if !strings.HasPrefix(prefix, "/") || prefix == "" {
		return Entry{}, fmt.Errorf("プレフィックス %q は / で始まる必要があります", prefix)
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Entry{}, fmt.Errorf("上流URL %q の解析に失敗: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Entry{}, fmt.Errorf("上流URL %q のスキームはhttpまたはhttpsである必要があります", rawURL)
	}
	if u.Host == "" {
		return Entry{}, fmt.Errorf("上流URL %q にホストがありません", rawURL)
	}
	u.RawQuery = ""
	u.Fragment = ""

	return Entry{Prefix: prefix, Upstream: u}, nil
}

// Target は残りのパス（エスケープ済み）とクエリ文字列から転送先URLを組み立てる。
// remainder が空の場合は "/" として扱う。
func (e Entry) Target(remainder, rawQuery string) string {
	if remainder == "" {
		remainder = "/"
	}
	target := strings.TrimSuffix(e.Upstream.String(), "/") + remainder
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// match はパスがプレフィックスにセグメント境界で一致する場合に残りのパスを返す。
func (e Entry) match(path string) (string, bool) {
	if path == e.Prefix {
		return "/", true
	}
	rest, ok := strings.CutPrefix(path, e.Prefix)
	if !ok || !strings.HasPrefix(rest, "/") {
		return "", false
	}
	return rest, true
}

// Table は不変のルートテーブル。
type Table struct {
	// entries は最長一致のためプレフィックス長の降順に並べたルート。
	entries []Entry
}

// NewTable はルートの一覧からテーブルを生成する。
// 同じプレフィックスが重複している場合はエラーを返す。
func NewTable(entries []Entry) (*Table, error) {
	seen := make(map[string]struct{}, len(entries))
	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Upstream == nil {
			return nil, fmt.Errorf("プレフィックス %q に上流URLがありません", e.Prefix)
		}
		if _, dup := seen[e.Prefix]; dup {
			return nil, fmt.Errorf("プレフィックス %q が重複しています", e.Prefix)
		}
		seen[e.Prefix] = struct{}{}
		sorted = append(sorted, e)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Table{entries: sorted}, nil
}

// Resolve はパスに一致するルートと、プレフィックスを取り除いた残りのパスを返す。
// 一致するルートがなければ ErrNotFound を返す。
func (t *Table) Resolve(path string) (Entry, string, error) {
	for _, e := range t.entries {
		if rest, ok := e.match(path); ok {
			return e, rest, nil
		}
	}
	return Entry{}, "", fmt.Errorf("%s: %w", path, ErrNotFound)
}

// Entries は登録済みルートのコピーを返す。
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
