package relay

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL 把用户输入的中继地址规范成唯一形式，
// 例如 "Relay.Example.com/" 与 "wss://relay.example.com" 视为同一个中继。
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty relay url")
	}
	if !strings.Contains(s, "://") {
		s = "wss://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse relay url %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
		u.Scheme = "wss"
	case "ws", "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", raw)
	}

	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// NormalizeURLs 规范化并去重，保持首次出现的顺序。
func NormalizeURLs(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		u, err := NormalizeURL(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}
