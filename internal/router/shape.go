package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/protocol"
)

var (
	ErrValueRequired   = errors.New("value is required")
	ErrValueNotAllowed = errors.New("value is not allowed")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type schema[T any] struct{}

// ShapeOf decodes the value into a *T, rejecting unknown fields, and runs the
// validate struct tags of T.
func ShapeOf[T any]() livesock.Shape {
	return schema[T]{}
}

func (schema[T]) Decode(raw json.RawMessage) (any, error) {
	if protocol.IsNull(raw) {
		return nil, ErrValueRequired
	}
	v := new(T)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", *v, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode %T: trailing data", *v)
	}
	if reflect.TypeOf(*v).Kind() == reflect.Struct {
		if err := validate.Struct(v); err != nil {
			return nil, fmt.Errorf("validate %T: %w", *v, err)
		}
	}
	return v, nil
}

type noValue struct{}

// NoValue accepts only an absent or null value.
func NoValue() livesock.Shape {
	return noValue{}
}

func (noValue) Decode(raw json.RawMessage) (any, error) {
	if !protocol.IsNull(raw) {
		return nil, ErrValueNotAllowed
	}
	return nil, nil
}
