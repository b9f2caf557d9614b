package service

import (
	"net/url"
	"strings"
)

// ParseQuery splits a raw query string into values the way browsers do.
// Pairs are separated by "&" only, so ";" stays part of a value. "+" decodes
// to a space, and a "%" that does not start a valid escape is kept as is.
// Unlike url.ParseQuery no pair is ever dropped. Repeated keys keep their
// order, so q.Get returns the first occurrence.
func ParseQuery(raw string) url.Values {
	q := make(url.Values)
	for pair := range strings.SplitSeq(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k, v = unescapeLenient(k), unescapeLenient(v)
		q[k] = append(q[k], v)
	}
	return q
}

func unescapeLenient(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if !strings.Contains(s, "%") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return strings.ToValidUTF8(b.String(), "�")
}

// escapeStrayPercent rewrites every "%" that does not start a valid escape
// as "%25", so url.Parse accepts a URL a browser would.
func escapeStrayPercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && !(i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
