// Package docmodel extracts typed fields from JSON documents into a
// destination record, driven by a declarative model.
//
// A Model lists up to MaxParams parameters. Parsing walks the model, not the
// document: each parameter is looked up once by its dotted key path, checked
// against its expected JSON type, converted and stored. A 32-bit received
// bitmap records which parameters were found, and parsing only succeeds when
// every required parameter was found exactly once.
package docmodel

import (
	"fmt"
)

const (
	// MaxParams is the largest number of parameters a model may hold. One
	// bit of the received and required bitmaps is used per parameter.
	MaxParams = 32
	// DefaultTokenBudget bounds the JSON tokens considered per parse.
	DefaultTokenBudget = 64
	// DefaultCopyBudget bounds the bytes copied out of one document.
	DefaultCopyBudget = 8 * 1024
)

// ParamType says how a value is converted before it is stored.
type ParamType int

const (
	// StringCopy copies the unescaped string into a *string.
	StringCopy ParamType = iota
	// StringInDoc stores a []byte view into the caller's document. The view
	// is only valid while the document buffer is neither released nor reused.
	StringInDoc
	// Object stores a []byte span of a nested object for a second parse pass.
	Object
	// Array stores a []byte span of a nested array for a second parse pass.
	Array
	// UInt32 parses decimal digits into a *uint32.
	UInt32
	// SigBase64 decodes standard base64 into a *[]byte, reusing its capacity.
	SigBase64
	// Ident records presence in a *bool.
	Ident
	// ArrayCopy copies the raw array text into a *string.
	ArrayCopy
)

func (t ParamType) String() string {
	switch t {
	case StringCopy:
		return "string-copy"
	case StringInDoc:
		return "string-in-doc"
	case Object:
		return "object"
	case Array:
		return "array"
	case UInt32:
		return "uint32"
	case SigBase64:
		return "sig-base64"
	case Ident:
		return "ident"
	case ArrayCopy:
		return "array-copy"
	default:
		return fmt.Sprintf("ParamType(%d)", int(t))
	}
}

// JSONType is the token type a parameter expects in the document.
type JSONType int

const (
	JSONString JSONType = iota
	// JSONPrimitive covers numbers, booleans and null.
	JSONPrimitive
	JSONObject
	JSONArray
	// JSONAny accepts any token type.
	JSONAny
)

func (t JSONType) String() string {
	switch t {
	case JSONString:
		return "string"
	case JSONPrimitive:
		return "primitive"
	case JSONObject:
		return "object"
	case JSONArray:
		return "array"
	case JSONAny:
		return "any"
	default:
		return fmt.Sprintf("JSONType(%d)", int(t))
	}
}

// DestKind discriminates where a parameter's value is stored.
type DestKind int

const (
	// DestDontStore validates the value and records it as received only.
	DestDontStore DestKind = iota
	// DestInRecord stores into a field of the destination record.
	DestInRecord
	// DestAbsolute stores into a location outside the destination record.
	DestAbsolute
)

// Destination is where a parameter's value goes. The kind is fixed when the
// model is defined and never inferred from the value.
type Destination[T any] struct {
	kind  DestKind
	field func(*T) any
	ptr   any
}

// DontStore discards the value after validation.
func DontStore[T any]() Destination[T] {
	return Destination[T]{kind: DestDontStore}
}

// InRecord stores into the field selected by fn, e.g.
// func(r *Job) any { return &r.JobID }.
func InRecord[T any](fn func(*T) any) Destination[T] {
	return Destination[T]{kind: DestInRecord, field: fn}
}

// Absolute stores into ptr regardless of the destination record.
func Absolute[T any](ptr any) Destination[T] {
	return Destination[T]{kind: DestAbsolute, ptr: ptr}
}

// Kind reports the destination kind.
func (d Destination[T]) Kind() DestKind {
	return d.kind
}

func (d Destination[T]) resolve(rec *T) any {
	switch d.kind {
	case DestInRecord:
		return d.field(rec)
	case DestAbsolute:
		return d.ptr
	default:
		return nil
	}
}

// Param describes one field of a model.
type Param[T any] struct {
	Key      string
	Required bool
	Dest     Destination[T]
	Type     ParamType
	JSONType JSONType
}

type options struct {
	tokenBudget int
	copyBudget  int
}

// Option configures a Model.
type Option func(*options)

// WithTokenBudget overrides the per-parse token budget.
func WithTokenBudget(n int) Option {
	return func(o *options) {
		o.tokenBudget = n
	}
}

// WithCopyBudget overrides the bytes StringCopy and ArrayCopy may copy per parse.
func WithCopyBudget(n int) Option {
	return func(o *options) {
		o.copyBudget = n
	}
}

// Model is a validated list of parameters. A Model keeps the received bitmap
// of its last parse and must not be used from more than one goroutine at a time.
type Model[T any] struct {
	params   []Param[T]
	keys     map[string]int
	required uint32
	received uint32
	opts     options
}

// NewModel validates params and precomputes the required bitmap.
func NewModel[T any](params []Param[T], opts ...Option) (*Model[T], error) {
	if len(params) == 0 {
		return nil, newError(ErrNullBodyPointer, nil)
	}
	if len(params) > MaxParams {
		return nil, newError(ErrTooManyParams, fmt.Errorf("%d parameters, max %d", len(params), MaxParams))
	}

	m := &Model[T]{
		params: make([]Param[T], len(params)),
		keys:   make(map[string]int, len(params)),
		opts: options{
			tokenBudget: DefaultTokenBudget,
			copyBudget:  DefaultCopyBudget,
		},
	}
	for _, opt := range opts {
		opt(&m.opts)
	}
	copy(m.params, params)

	var zero T
	for i, p := range m.params {
		if p.Key == "" {
			return nil, newError(ErrInvalidModelParamType, fmt.Errorf("parameter %d has no key", i))
		}
		if _, dup := m.keys[p.Key]; dup {
			return nil, newError(ErrDuplicatesNotAllowed, nil, p.Key)
		}
		if err := checkParam(p, &zero); err != nil {
			return nil, newError(ErrInvalidModelParamType, err, p.Key)
		}
		m.keys[p.Key] = i
		if p.Required {
			m.required |= 1 << uint(i)
		}
	}
	return m, nil
}

func checkParam[T any](p Param[T], zero *T) error {
	var tokenOK bool
	switch p.Type {
	case StringCopy, StringInDoc, SigBase64:
		tokenOK = p.JSONType == JSONString
	case Object:
		tokenOK = p.JSONType == JSONObject
	case Array, ArrayCopy:
		tokenOK = p.JSONType == JSONArray
	case UInt32:
		tokenOK = p.JSONType == JSONString || p.JSONType == JSONPrimitive
	case Ident:
		tokenOK = true
	default:
		return fmt.Errorf("unknown parameter type %d", int(p.Type))
	}
	if !tokenOK {
		return fmt.Errorf("%s cannot be read from a %s token", p.Type, p.JSONType)
	}

	switch p.Dest.kind {
	case DestDontStore:
		return nil
	case DestInRecord:
		if p.Dest.field == nil {
			return fmt.Errorf("in-record destination has no field selector")
		}
		return checkPointer(p.Type, p.Dest.field(zero))
	case DestAbsolute:
		return checkPointer(p.Type, p.Dest.ptr)
	default:
		return fmt.Errorf("unknown destination kind %d", int(p.Dest.kind))
	}
}

func checkPointer(t ParamType, ptr any) error {
	var ok bool
	switch t {
	case StringCopy, ArrayCopy:
		_, ok = ptr.(*string)
	case StringInDoc, Object, Array, SigBase64:
		_, ok = ptr.(*[]byte)
	case UInt32:
		_, ok = ptr.(*uint32)
	case Ident:
		_, ok = ptr.(*bool)
	}
	if !ok {
		return fmt.Errorf("%s cannot be stored in %T", t, ptr)
	}
	return nil
}

// Required returns the bitmap of required parameters.
func (m *Model[T]) Required() uint32 {
	return m.required
}

// Received returns the bitmap of parameters found by the last parse.
func (m *Model[T]) Received() uint32 {
	return m.received
}

// Len returns the number of parameters.
func (m *Model[T]) Len() int {
	return len(m.params)
}

// IndexOf returns the bit index of key.
func (m *Model[T]) IndexOf(key string) (int, error) {
	i, ok := m.keys[key]
	if !ok {
		return -1, newError(ErrParamKeyNotInModel, nil, key)
	}
	return i, nil
}

// Has reports whether the last parse received key.
func (m *Model[T]) Has(key string) bool {
	i, err := m.IndexOf(key)
	return err == nil && m.received&(1<<uint(i)) != 0
}
