package metadata

import (
	"fmt"
	"maps"
	"slices"
	"unicode/utf8"
)

// Reserved header names understood by every transport.
const (
	CorrelationID = "correlation_id"
	ContentType   = "content-type"
	ReplyTo       = "reply_to"
	Batch         = "streamflow_batch"
	Destination   = "streamflow_destination"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	maps.Copy(cloned, m)
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
// Entries override existing keys.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	maps.Copy(cloned, entries)
	return cloned
}

// Without returns a clone with the given keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	cloned := m.Clone()
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// Get is nil safe.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Keys returns the header names in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

// Validate rejects header names or values that are not valid UTF-8 text.
func (m Metadata) Validate() error {
	for _, k := range m.Keys() {
		if !utf8.ValidString(k) {
			return fmt.Errorf("header name %q is not valid utf-8", k)
		}
		if !utf8.ValidString(m[k]) {
			return fmt.Errorf("header %q carries a binary value", k)
		}
	}
	return nil
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
