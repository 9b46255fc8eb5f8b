package runtime

import (
	"time"

	"github.com/drblury/streamflow/internal/runtime/routing"
)

// Source describes what a subscriber consumes.
type Source interface {
	// Key is the subscription key as declared, including placeholders.
	Key() string
	// Topic is the name handed to the transport subscriber.
	Topic() string
	// Match reports whether a destination is consumed by this source and
	// returns the named wildcard captures.
	Match(dest string) (map[string]string, bool)
	// WithPrefix returns a copy whose key is prefixed.
	WithPrefix(prefix string) Source
}

// BatchSource is implemented by sources that consume several messages per
// handler call.
type BatchSource interface {
	Source
	BatchSize() (size int, wait time.Duration)
}

// SourceOption configures NewSource.
type SourceOption func(*PatternSource)

// WithStyle selects the wildcard grammar of the key.
func WithStyle(style routing.Style, opts ...routing.Option) SourceOption {
	return func(s *PatternSource) {
		s.style = style
		s.routing = opts
	}
}

// WithScheme tags the key with a delivery mode, see routing.SplitScheme.
func WithScheme(scheme string) SourceOption {
	return func(s *PatternSource) {
		s.scheme = routing.NormalizeScheme(scheme)
	}
}

// WithSourceBatch makes the source gather up to size messages within wait.
func WithSourceBatch(size int, wait time.Duration) SourceOption {
	return func(s *PatternSource) {
		s.batchMax = size
		s.batchWait = wait
	}
}

// PatternSource is the Source used by every built-in transport.
type PatternSource struct {
	key       string
	scheme    string
	style     routing.Style
	routing   []routing.Option
	pattern   routing.Pattern
	batchMax  int
	batchWait time.Duration
}

// NewSource compiles key. Without WithStyle the key is matched exactly.
func NewSource(key string, opts ...SourceOption) PatternSource {
	s := PatternSource{key: key}
	for _, opt := range opts {
		opt(&s)
	}
	s.pattern = routing.Compile(s.key, s.style, s.routing...)
	return s
}

// Topic returns an exact match source for name.
func Topic(name string) PatternSource {
	return NewSource(name)
}

func (s PatternSource) Key() string {
	return routing.JoinScheme(s.scheme, s.key)
}

func (s PatternSource) Topic() string {
	return routing.JoinScheme(s.scheme, s.pattern.Key())
}

func (s PatternSource) Scheme() string {
	return s.scheme
}

func (s PatternSource) Match(dest string) (map[string]string, bool) {
	scheme, key := routing.SplitScheme(dest)
	if scheme != s.scheme {
		return nil, false
	}
	return s.pattern.Match(key)
}

func (s PatternSource) WithPrefix(prefix string) Source {
	if prefix == "" {
		return s
	}
	out := s
	out.key = prefix + s.key
	out.pattern = routing.Compile(out.key, out.style, out.routing...)
	return out
}

func (s PatternSource) BatchSize() (int, time.Duration) {
	return s.batchMax, s.batchWait
}
