// Package envelope holds the transport independent view of a message.
package envelope

import (
	"reflect"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/codec"
	"github.com/drblury/streamflow/internal/runtime/ids"
	"github.com/drblury/streamflow/internal/runtime/metadata"
)

// Disposition is the settlement taken on an envelope.
type Disposition int

const (
	Pending Disposition = iota
	Acked
	Nacked
)

func (d Disposition) String() string {
	switch d {
	case Acked:
		return "acked"
	case Nacked:
		return "nacked"
	default:
		return "pending"
	}
}

// Item is one element of a batch envelope.
type Item struct {
	Body    []byte
	Headers metadata.Metadata
}

// ContentType returns the item's own content type or fallback.
func (i Item) ContentType(fallback string) string {
	if ct := i.Headers.Get(metadata.ContentType); ct != "" {
		return ct
	}
	return fallback
}

// Envelope wraps a raw transport message with decoded state and disposition.
type Envelope struct {
	Body          []byte
	Headers       metadata.Metadata
	CorrelationID string
	MessageID     string
	ContentType   string
	ReplyTo       string
	Destination   string
	Path          map[string]string

	Batch bool
	Items []Item

	codec codec.Codec
	raw   []*message.Message

	mu          sync.Mutex
	disposition Disposition

	decodeOnce sync.Once
	decoded    any
	decodeErr  error

	typedMu sync.Mutex
	typed   map[reflect.Type]typedResult
}

type typedResult struct {
	value any
	err   error
}

// New returns an outgoing envelope with fresh message and correlation ids.
func New(destination string) *Envelope {
	return &Envelope{
		Destination:   destination,
		MessageID:     ids.CreateULID(),
		CorrelationID: ids.NewCorrelationID(),
		Headers:       metadata.Metadata{},
	}
}

// WithCodec sets the codec used by Decode and As. It returns e.
func (e *Envelope) WithCodec(c codec.Codec) *Envelope {
	e.codec = c
	return e
}

func (e *Envelope) codecOrDefault() codec.Codec {
	if e.codec == nil {
		e.codec = codec.New()
	}
	return e.codec
}

// Raw returns the transport messages behind the envelope.
func (e *Envelope) Raw() []*message.Message {
	return e.raw
}

// Len is 1 for plain envelopes and the item count for batches.
func (e *Envelope) Len() int {
	if e.Batch {
		return len(e.Items)
	}
	return 1
}

// Size is the total payload size in bytes.
func (e *Envelope) Size() int {
	if !e.Batch {
		return len(e.Body)
	}
	size := 0
	for _, item := range e.Items {
		size += len(item.Body)
	}
	return size
}

// Ack settles the envelope positively. It returns false if the envelope was
// already settled; the underlying messages are touched at most once.
func (e *Envelope) Ack() bool {
	return e.settle(Acked)
}

// Nack settles the envelope negatively.
func (e *Envelope) Nack() bool {
	return e.settle(Nacked)
}

func (e *Envelope) settle(d Disposition) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposition != Pending {
		return false
	}
	e.disposition = d
	for _, msg := range e.raw {
		if d == Acked {
			msg.Ack()
		} else {
			msg.Nack()
		}
	}
	return true
}

// Release tells the transport the raw deliveries were consumed without
// recording a disposition. Settled envelopes are left alone.
func (e *Envelope) Release() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposition != Pending {
		return false
	}
	for _, msg := range e.raw {
		msg.Ack()
	}
	return true
}

// Settled reports whether Ack or Nack already ran.
func (e *Envelope) Settled() bool {
	return e.Disposition() != Pending
}

func (e *Envelope) Disposition() Disposition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposition
}

// Decode returns the generic decoded body. The result is computed once.
// Batches decode into []any.
func (e *Envelope) Decode() (any, error) {
	e.decodeOnce.Do(func() {
		c := e.codecOrDefault()
		if !e.Batch {
			e.decoded, e.decodeErr = c.Decode(e.Body, e.ContentType)
			return
		}
		values := make([]any, 0, len(e.Items))
		for _, item := range e.Items {
			v, err := c.Decode(item.Body, item.ContentType(e.ContentType))
			if err != nil {
				e.decodeErr = err
				return
			}
			values = append(values, v)
		}
		e.decoded = values
	})
	return e.decoded, e.decodeErr
}

func (e *Envelope) memo(t reflect.Type, fn func() (any, error)) (any, error) {
	e.typedMu.Lock()
	defer e.typedMu.Unlock()

	if r, ok := e.typed[t]; ok {
		return r.value, r.err
	}
	v, err := fn()
	if e.typed == nil {
		e.typed = make(map[reflect.Type]typedResult)
	}
	e.typed[t] = typedResult{value: v, err: err}
	return v, err
}

// As decodes the body into T once per type.
func As[T any](e *Envelope) (T, error) {
	v, err := e.memo(reflect.TypeFor[T](), func() (any, error) {
		var out T
		err := e.codecOrDefault().DecodeInto(e.Body, e.ContentType, &out)
		return out, err
	})
	out, _ := v.(T)
	return out, err
}

// AsBatch decodes every batch item into T. A plain envelope yields one element.
func AsBatch[T any](e *Envelope) ([]T, error) {
	v, err := e.memo(reflect.TypeFor[[]T](), func() (any, error) {
		c := e.codecOrDefault()
		items := e.Items
		if !e.Batch {
			items = []Item{{Body: e.Body, Headers: e.Headers}}
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			var value T
			if err := c.DecodeInto(item.Body, item.ContentType(e.ContentType), &value); err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil
	})
	out, _ := v.([]T)
	return out, err
}

// Derive returns a new outgoing envelope for destination that keeps the
// correlation id of e.
func (e *Envelope) Derive(destination string) *Envelope {
	out := New(destination)
	if e.CorrelationID != "" {
		out.CorrelationID = e.CorrelationID
	}
	out.codec = e.codec
	return out
}
