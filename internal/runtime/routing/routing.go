// Package routing matches destinations against subscription patterns.
//
//	"orders.created"  matches "orders.created"        (exact)
//	"orders.*"        matches "orders.created"        (single level)
//	"orders.{kind}"   matches "orders.created"        (single level, captured as kind)
//	"payments.#"      matches "payments.us.created"   (multi level, RabbitMQ)
//	"payments.>"      matches "payments.us.created"   (multi level, NATS)
//	"test.{name}"     matches "test.name.useless"     (glob style, Redis)
package routing

import (
	"regexp"
	"strings"
)

// Style selects the wildcard grammar of a transport.
type Style int

const (
	// Exact compares keys verbatim.
	Exact Style = iota
	// Segments splits on "." and supports "*", "{name}" and a trailing multi level token.
	Segments
	// Glob follows Redis PSUBSCRIBE patterns where "*" spans separators.
	Glob
)

const separator = "."

// Pattern is a compiled subscription key.
type Pattern struct {
	raw   string
	style Style
	multi string
	// multiEmpty allows the multi level token to match zero segments.
	multiEmpty bool
	parts      []string
	glob       *regexp.Regexp
	names      []string
}

// Option tunes Compile.
type Option func(*Pattern)

// WithMultiWildcard declares the multi level token of a Segments pattern.
// allowEmpty lets it match zero segments ("#" in AMQP, not ">" in NATS).
func WithMultiWildcard(token string, allowEmpty bool) Option {
	return func(p *Pattern) {
		p.multi = token
		p.multiEmpty = allowEmpty
	}
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Compile parses raw for the given style.
func Compile(raw string, style Style, opts ...Option) Pattern {
	p := Pattern{raw: raw, style: style}
	for _, opt := range opts {
		opt(&p)
	}
	switch style {
	case Segments:
		p.parts = strings.Split(raw, separator)
	case Glob:
		p.glob, p.names = compileGlob(raw)
	}
	return p
}

func compileGlob(raw string) (*regexp.Regexp, []string) {
	var (
		b     strings.Builder
		names []string
	)
	b.WriteString("^")
	for i := 0; i < len(raw); {
		if loc := placeholder.FindStringSubmatchIndex(raw[i:]); loc != nil && loc[0] == 0 {
			name := raw[i+loc[2] : i+loc[3]]
			names = append(names, name)
			b.WriteString("(?P<" + name + ">.+)")
			i += loc[1]
			continue
		}
		switch c := raw[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
		i++
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String()), names
}

// Raw returns the pattern as declared.
func (p Pattern) Raw() string {
	return p.raw
}

// Key is the form handed to the transport: placeholders become "*".
func (p Pattern) Key() string {
	if p.style == Exact {
		return p.raw
	}
	return placeholder.ReplaceAllString(p.raw, "*")
}

// Wildcard reports whether the pattern can match more than one key.
func (p Pattern) Wildcard() bool {
	switch p.style {
	case Segments:
		for _, part := range p.parts {
			if part == "*" || (p.multi != "" && part == p.multi) || isPlaceholder(part) {
				return true
			}
		}
	case Glob:
		return strings.ContainsAny(p.raw, "*?") || len(p.names) > 0
	}
	return false
}

// Match reports whether dest matches and returns the named captures.
func (p Pattern) Match(dest string) (map[string]string, bool) {
	switch p.style {
	case Segments:
		path := map[string]string{}
		if !p.matchSegments(0, strings.Split(dest, separator), path) {
			return nil, false
		}
		return path, true
	case Glob:
		m := p.glob.FindStringSubmatch(dest)
		if m == nil {
			return nil, false
		}
		path := make(map[string]string, len(p.names))
		for i, name := range p.glob.SubexpNames() {
			if name != "" {
				path[name] = m[i]
			}
		}
		return path, true
	default:
		if dest != p.raw {
			return nil, false
		}
		return map[string]string{}, true
	}
}

func (p Pattern) matchSegments(pi int, topic []string, path map[string]string) bool {
	if pi == len(p.parts) {
		return len(topic) == 0
	}
	part := p.parts[pi]
	if p.multi != "" && part == p.multi {
		least := 1
		if p.multiEmpty {
			least = 0
		}
		for n := least; n <= len(topic); n++ {
			if n > 0 && topic[n-1] == "" {
				return false
			}
			if p.matchSegments(pi+1, topic[n:], path) {
				return true
			}
		}
		return false
	}
	if len(topic) == 0 {
		return false
	}
	switch {
	case (part == "*" || isPlaceholder(part)) && topic[0] == "":
		return false
	case part == "*":
	case isPlaceholder(part):
		path[part[1:len(part)-1]] = topic[0]
	case part != topic[0]:
		return false
	}
	return p.matchSegments(pi+1, topic[1:], path)
}

func isPlaceholder(part string) bool {
	return len(part) > 2 && placeholder.MatchString(part) && placeholder.FindString(part) == part
}

// Schemes select a delivery mode on transports that offer several for one
// key space, e.g. "list:orders" on Redis or "kv:config" on JetStream. DefaultScheme names the mode of
// plain keys, so "channel:orders" and "orders" are the same destination.
var schemes = []string{DefaultScheme, "list", "stream", "kv", "object"}

const DefaultScheme = "channel"

// SplitScheme separates a known scheme prefix from dest. The default scheme
// is reported as "".
func SplitScheme(dest string) (scheme, key string) {
	for _, s := range schemes {
		if rest, ok := strings.CutPrefix(dest, s+":"); ok {
			return NormalizeScheme(s), rest
		}
	}
	return "", dest
}

// NormalizeScheme maps the default scheme to "".
func NormalizeScheme(scheme string) string {
	if scheme == DefaultScheme {
		return ""
	}
	return scheme
}

// JoinScheme is the inverse of SplitScheme.
func JoinScheme(scheme, key string) string {
	if scheme == "" {
		return key
	}
	return scheme + ":" + key
}

// Prefix prepends prefix to the key part of dest, keeping its scheme.
func Prefix(prefix, dest string) string {
	scheme, key := SplitScheme(dest)
	return JoinScheme(scheme, prefix+key)
}
