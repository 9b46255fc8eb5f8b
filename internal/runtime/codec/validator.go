package codec

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

// StructValidator validates `validate:"..."` struct tags. Non-struct values pass.
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator returns a validator with required struct checks enabled.
func NewStructValidator() *StructValidator {
	return &StructValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *StructValidator) Validate(value any) error {
	t := reflect.TypeOf(value)
	if t == nil {
		return nil
	}
	rv := reflect.ValueOf(value)
	for t.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		t = t.Elem()
		rv = rv.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return v.validate.Struct(rv.Interface())
}
