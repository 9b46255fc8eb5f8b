// Package codec turns handler values into message bodies and back.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
)

const (
	ContentTypeJSON  = "application/json"
	ContentTypeText  = "text/plain"
	ContentTypeBytes = "application/octet-stream"
	ContentTypeProto = "application/x-protobuf"
)

var errNoStrategy = errors.New("no encoding strategy for value")

// Codec encodes outgoing values and decodes incoming bodies.
type Codec interface {
	Encode(v any) (body []byte, contentType string, err error)
	Decode(body []byte, contentType string) (any, error)
	DecodeInto(body []byte, contentType string, target any) error
}

// Validator checks a decoded value. Failures surface as *DecodeError.
type Validator interface {
	Validate(v any) error
}

// Option configures the default codec.
type Option func(*Default)

// WithValidator runs v after every typed decode.
func WithValidator(v Validator) Option {
	return func(d *Default) {
		d.validator = v
	}
}

// Default picks a strategy from the runtime type of the value.
type Default struct {
	validator Validator
	proto     proto.MarshalOptions
}

// New returns the default codec.
func New(opts ...Option) *Default {
	d := &Default{proto: proto.MarshalOptions{Deterministic: true}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Encode is deterministic: equal values produce equal bodies.
func (d *Default) Encode(v any) ([]byte, string, error) {
	switch value := v.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.Clone(value), ContentTypeBytes, nil
	case string:
		return []byte(value), ContentTypeText, nil
	case proto.Message:
		body, err := d.proto.Marshal(value)
		if err != nil {
			return nil, "", errspkg.NewEncodeError(v, err)
		}
		return body, ContentTypeProto, nil
	}

	if !encodable(reflect.TypeOf(v)) {
		return nil, "", errspkg.NewEncodeError(v, errNoStrategy)
	}
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, "", errspkg.NewEncodeError(v, err)
	}
	return body, ContentTypeJSON, nil
}

func encodable(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return false
	}
	return true
}

// Decode returns a generic value: string for text, []byte for binary and
// any JSON value for JSON. Without a content type JSON is attempted first.
func (d *Default) Decode(body []byte, contentType string) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	switch {
	case isJSON(contentType):
		var out any
		if err := jsoncodec.Unmarshal(body, &out); err != nil {
			return nil, errspkg.NewDecodeError(contentType, nil, err)
		}
		return out, nil
	case strings.HasPrefix(contentType, ContentTypeText):
		if !utf8.Valid(body) {
			return nil, errspkg.NewDecodeError(contentType, nil, errors.New("body is not valid utf-8"))
		}
		return string(body), nil
	case contentType == "":
		var out any
		if jsoncodec.Valid(body) && jsoncodec.Unmarshal(body, &out) == nil {
			return out, nil
		}
		return bytes.Clone(body), nil
	default:
		return bytes.Clone(body), nil
	}
}

// DecodeInto fills target, which must be a non-nil pointer. An empty body
// leaves target at its zero value.
func (d *Default) DecodeInto(body []byte, contentType string, target any) error {
	rv := reflect.ValueOf(target)
	if target == nil || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errspkg.NewDecodeError(contentType, target, errors.New("target must be a non-nil pointer"))
	}
	if len(body) == 0 {
		return nil
	}

	if err := d.decodeInto(body, contentType, target); err != nil {
		return err
	}
	if d.validator == nil {
		return nil
	}
	if err := d.validator.Validate(target); err != nil {
		return errspkg.NewDecodeError(contentType, target, err)
	}
	return nil
}

func (d *Default) decodeInto(body []byte, contentType string, target any) error {
	switch t := target.(type) {
	case *[]byte:
		*t = bytes.Clone(body)
		return nil
	case *string:
		if isJSON(contentType) {
			break
		}
		*t = string(body)
		return nil
	case *any:
		v, err := d.Decode(body, contentType)
		if err != nil {
			return err
		}
		*t = v
		return nil
	case proto.Message:
		if err := proto.Unmarshal(body, t); err != nil {
			return errspkg.NewDecodeError(contentType, target, err)
		}
		return nil
	}

	if contentType == ContentTypeProto {
		return errspkg.NewDecodeError(contentType, target, fmt.Errorf("protobuf body requires a proto.Message target"))
	}
	if err := jsoncodec.Unmarshal(body, target); err != nil {
		return errspkg.NewDecodeError(contentType, target, err)
	}
	return nil
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "json")
}
