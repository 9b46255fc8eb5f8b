package codec

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

type order struct {
	ID    string            `json:"id" validate:"required"`
	Count int               `json:"count" validate:"gte=1"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func TestEncodeStrategies(t *testing.T) {
	c := New()

	tests := []struct {
		name  string
		value any
		body  string
		ctype string
	}{
		{"nil", nil, "", ""},
		{"bytes", []byte("raw"), "raw", ContentTypeBytes},
		{"string", "hello", "hello", ContentTypeText},
		{"int", 2, "2", ContentTypeJSON},
		{"struct", order{ID: "a", Count: 1}, `{"id":"a","count":1}`, ContentTypeJSON},
		{"map keys sorted", map[string]int{"z": 1, "a": 2}, `{"a":2,"z":1}`, ContentTypeJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct, err := c.Encode(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body))
			assert.Equal(t, tt.ctype, ct)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	c := New()
	value := order{ID: "x", Count: 3, Tags: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, _, err := c.Encode(value)
	require.NoError(t, err)
	for range 20 {
		again, _, err := c.Encode(value)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncodeRejectsValuesWithoutStrategy(t *testing.T) {
	c := New()
	x := 1
	for name, v := range map[string]any{
		"chan":    make(chan int),
		"func":    func() {},
		"complex": complex(1, 2),
		"unsafe":  unsafe.Pointer(&x),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := c.Encode(v)
			var encodeErr *errspkg.EncodeError
			require.True(t, errors.As(err, &encodeErr), "got %v", err)
		})
	}
}

func TestProtoRoundTrip(t *testing.T) {
	c := New()
	in := wrapperspb.String("payload")
	body, ct, err := c.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProto, ct)

	out := &wrapperspb.StringValue{}
	require.NoError(t, c.DecodeInto(body, ct, out))
	assert.True(t, proto.Equal(in, out))

	var notProto order
	err = c.DecodeInto(body, ct, &notProto)
	var decodeErr *errspkg.DecodeError
	assert.True(t, errors.As(err, &decodeErr))

	err = c.DecodeInto([]byte{0xff, 0xff, 0xff}, ct, &wrapperspb.StringValue{})
	assert.True(t, errors.As(err, &decodeErr))
}

func TestRoundTripTypedValues(t *testing.T) {
	c := New()

	t.Run("string", func(t *testing.T) {
		body, ct, err := c.Encode("hello")
		require.NoError(t, err)
		var out string
		require.NoError(t, c.DecodeInto(body, ct, &out))
		assert.Equal(t, "hello", out)
	})
	t.Run("bytes", func(t *testing.T) {
		body, ct, err := c.Encode([]byte{0, 1, 2})
		require.NoError(t, err)
		var out []byte
		require.NoError(t, c.DecodeInto(body, ct, &out))
		assert.Equal(t, []byte{0, 1, 2}, out)
	})
	t.Run("struct", func(t *testing.T) {
		in := order{ID: "a", Count: 2, Tags: map[string]string{"k": "v"}}
		body, ct, err := c.Encode(in)
		require.NoError(t, err)
		var out order
		require.NoError(t, c.DecodeInto(body, ct, &out))
		assert.Equal(t, in, out)
	})
	t.Run("json string", func(t *testing.T) {
		var out string
		require.NoError(t, c.DecodeInto([]byte(`"quoted"`), ContentTypeJSON, &out))
		assert.Equal(t, "quoted", out)
	})
}

func TestGenericDecode(t *testing.T) {
	c := New()

	v, err := c.Decode([]byte(`{"a":1}`), ContentTypeJSON)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	v, err = c.Decode([]byte("hi"), ContentTypeText)
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	v, err = c.Decode([]byte("1"), "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = c.Decode([]byte("not json"), "")
	require.NoError(t, err)
	assert.Equal(t, []byte("not json"), v)

	v, err = c.Decode(nil, ContentTypeJSON)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = c.Decode([]byte(`{"a":`), ContentTypeJSON)
	var decodeErr *errspkg.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestDecodeIntoFailures(t *testing.T) {
	c := New()
	var decodeErr *errspkg.DecodeError

	var n int
	err := c.DecodeInto([]byte(`"text"`), ContentTypeJSON, &n)
	assert.True(t, errors.As(err, &decodeErr), "type mismatch")

	err = c.DecodeInto([]byte("1"), ContentTypeJSON, n)
	assert.True(t, errors.As(err, &decodeErr), "non pointer target")

	require.NoError(t, c.DecodeInto(nil, ContentTypeJSON, &n))
	assert.Zero(t, n)
}

func TestValidatorRejectsDecodedValue(t *testing.T) {
	c := New(WithValidator(NewStructValidator()))

	var ok order
	require.NoError(t, c.DecodeInto([]byte(`{"id":"a","count":1}`), ContentTypeJSON, &ok))

	var bad order
	err := c.DecodeInto([]byte(`{"count":0}`), ContentTypeJSON, &bad)
	var decodeErr *errspkg.DecodeError
	require.True(t, errors.As(err, &decodeErr))

	var scalar int
	require.NoError(t, c.DecodeInto([]byte("5"), ContentTypeJSON, &scalar))
}

func TestStructValidatorIgnoresNonStructs(t *testing.T) {
	v := NewStructValidator()
	assert.NoError(t, v.Validate(nil))
	assert.NoError(t, v.Validate(3))
	assert.NoError(t, v.Validate((*order)(nil)))
	assert.Error(t, v.Validate(order{}))
}
