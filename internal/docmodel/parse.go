package docmodel

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Parse populates dst from doc.
//
// StringInDoc, Object and Array values are views into doc; they stay valid
// only while doc is not released or reused. SigBase64 destinations are
// cleared before parsing and again on any failure, so they never hold a
// value from an earlier document.
func (m *Model[T]) Parse(doc []byte, dst *T) error {
	if m == nil {
		return newError(ErrNullModelPointer, nil)
	}
	if len(m.params) == 0 {
		return newError(ErrNullBodyPointer, nil)
	}
	if len(doc) == 0 || dst == nil {
		return newError(ErrNullDocPointer, nil)
	}

	m.received = 0
	m.clearSignatures(dst)

	if err := m.parse(doc, dst); err != nil {
		m.clearSignatures(dst)
		return err
	}
	return nil
}

func (m *Model[T]) parse(doc []byte, dst *T) error {
	if !gjson.ValidBytes(doc) {
		return newError(ErrInvalidJSONBuffer, nil)
	}

	counts, err := m.scan(doc)
	if err != nil {
		return err
	}

	budget := m.opts.copyBudget
	var missing []string

	for i, p := range m.params {
		bit := uint32(1) << uint(i)

		r := gjson.GetBytes(doc, p.Key)
		if !r.Exists() {
			if p.Required {
				missing = append(missing, p.Key)
			}
			continue
		}

		if counts[p.Key] > 1 || m.received&bit != 0 {
			return newError(ErrDuplicatesNotAllowed, nil, p.Key)
		}
		if !matches(p.JSONType, r) {
			return newError(ErrFieldTypeMismatch,
				fmt.Errorf("expected %s, got %s", p.JSONType, tokenName(r)), p.Key)
		}

		span, err := locate(doc, r)
		if err != nil {
			return newError(ErrInvalidToken, err, p.Key)
		}

		if err := m.store(p, p.Dest.resolve(dst), r, span, &budget); err != nil {
			return err
		}
		m.received |= bit
	}

	if len(missing) > 0 {
		return newError(ErrMalformedDoc, fmt.Errorf("missing required parameters"), missing...)
	}
	if m.received&m.required != m.required {
		return newError(ErrMalformedDoc, nil)
	}
	return nil
}

// scan walks doc once, enforcing the token budget and counting how often
// each model key occurs so duplicate keys are caught.
func (m *Model[T]) scan(doc []byte) (map[string]int, error) {
	counts := make(map[string]int, len(m.params))
	tokens := 0

	var walk func(v gjson.Result, path string) bool
	walk = func(v gjson.Result, path string) bool {
		tokens++
		if tokens > m.opts.tokenBudget {
			return false
		}
		if !v.IsObject() && !v.IsArray() {
			return true
		}

		ok := true
		isObject := v.IsObject()
		idx := 0
		v.ForEach(func(k, val gjson.Result) bool {
			var child string
			if isObject {
				tokens++
				child = join(path, k.Str)
			} else {
				child = join(path, strconv.Itoa(idx))
				idx++
			}
			if _, tracked := m.keys[child]; tracked {
				counts[child]++
			}
			ok = walk(val, child)
			return ok
		})
		return ok
	}

	if !walk(gjson.ParseBytes(doc), "") {
		return nil, newError(ErrInvalidJSONBuffer,
			fmt.Errorf("document exceeds %d tokens", m.opts.tokenBudget))
	}
	return counts, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func (m *Model[T]) store(p Param[T], dest any, r gjson.Result, span []byte, budget *int) error {
	switch p.Type {
	case UInt32:
		digits := r.Raw
		if r.Type == gjson.String {
			digits = r.Str
		}
		v, err := parseUint32(digits)
		if err != nil {
			return newError(ErrInvalidNumChar, err, p.Key)
		}
		if ptr, ok := dest.(*uint32); ok {
			*ptr = v
		}

	case SigBase64:
		ptr, _ := dest.(*[]byte)
		var buf []byte
		if ptr != nil {
			buf = (*ptr)[:0]
		}
		n := base64.StdEncoding.DecodedLen(len(r.Str))
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		written, err := base64.StdEncoding.Decode(buf, []byte(r.Str))
		if err != nil {
			return newError(ErrBase64Decode, err, p.Key)
		}
		if ptr != nil {
			*ptr = buf[:written]
		}

	case StringCopy, ArrayCopy:
		value := r.Str
		if p.Type == ArrayCopy {
			value = r.Raw
		}
		*budget -= len(value)
		if *budget < 0 {
			return newError(ErrOutOfMemory, fmt.Errorf("copy budget of %d bytes exhausted", m.opts.copyBudget), p.Key)
		}
		if ptr, ok := dest.(*string); ok {
			*ptr = strings.Clone(value)
		}

	case StringInDoc:
		// strip the surrounding quotes; escapes are left as they appear in the document
		inner := span[1 : len(span)-1 : len(span)-1]
		if ptr, ok := dest.(*[]byte); ok {
			*ptr = inner
		}

	case Object, Array:
		if ptr, ok := dest.(*[]byte); ok {
			*ptr = span
		}

	case Ident:
		if ptr, ok := dest.(*bool); ok {
			*ptr = true
		}

	default:
		return newError(ErrInvalidModelParamType, nil, p.Key)
	}
	return nil
}

func (m *Model[T]) clearSignatures(dst *T) {
	for _, p := range m.params {
		if p.Type != SigBase64 {
			continue
		}
		if ptr, ok := p.Dest.resolve(dst).(*[]byte); ok && ptr != nil {
			*ptr = (*ptr)[:0]
		}
	}
}

// locate maps a lookup result back onto doc.
func locate(doc []byte, r gjson.Result) ([]byte, error) {
	start, end := r.Index, r.Index+len(r.Raw)
	if r.Index <= 0 || end > len(doc) || string(doc[start:end]) != r.Raw {
		return nil, fmt.Errorf("value at offset %d does not map into the document", r.Index)
	}
	return doc[start:end:end], nil
}

func parseUint32(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid character %q at position %d", s[i], i)
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func matches(want JSONType, r gjson.Result) bool {
	switch want {
	case JSONAny:
		return true
	case JSONString:
		return r.Type == gjson.String
	case JSONPrimitive:
		return r.Type == gjson.Number || r.Type == gjson.True || r.Type == gjson.False || r.Type == gjson.Null
	case JSONObject:
		return r.IsObject()
	case JSONArray:
		return r.IsArray()
	default:
		return false
	}
}

func tokenName(r gjson.Result) string {
	switch {
	case r.IsObject():
		return "object"
	case r.IsArray():
		return "array"
	case r.Type == gjson.String:
		return "string"
	default:
		return "primitive"
	}
}
