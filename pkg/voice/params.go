package voice

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Kind tags the value held by a ParamField.
type Kind int

const (
	KindFloat Kind = iota
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ParamField is one positional trigger parameter.
type ParamField struct {
	Kind Kind
	F    float64
	S    string
}

func FloatField(f float64) ParamField { return ParamField{Kind: KindFloat, F: f} }
func StringField(s string) ParamField { return ParamField{Kind: KindString, S: s} }

// ParseField reads a score token: quoted tokens are strings, with the
// escapes String writes undone, anything that parses as a number is a
// float, the rest stays a string.
func ParseField(token string) ParamField {
	if len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"' {
		if s, err := strconv.Unquote(token); err == nil {
			return StringField(s)
		}
		return StringField(token[1 : len(token)-1])
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return FloatField(f)
	}
	return StringField(token)
}

// String formats the field the way scores write it.
func (p ParamField) String() string {
	switch p.Kind {
	case KindFloat:
		return strconv.FormatFloat(p.F, 'g', -1, 64)
	case KindString:
		return strconv.Quote(p.S)
	default:
		return "?"
	}
}

// FormatFields joins fields for log messages and score lines.
func FormatFields(fields []ParamField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, " ")
}

// Parameter is a named trigger parameter owned by a voice. Values are read
// by the render goroutine while triggers write them, so storage is atomic.
type Parameter struct {
	Name string
	kind Kind
	f    atomic.Uint64
	s    atomic.Pointer[string]
}

// NewFloatParameter creates a float parameter with a default value.
func NewFloatParameter(name string, def float64) *Parameter {
	p := &Parameter{Name: name, kind: KindFloat}
	p.SetFloat(def)
	return p
}

// NewStringParameter creates a string parameter with a default value.
func NewStringParameter(name string, def string) *Parameter {
	p := &Parameter{Name: name, kind: KindString}
	p.SetString(def)
	return p
}

func (p *Parameter) Kind() Kind { return p.kind }

func (p *Parameter) Float() float64 { return math.Float64frombits(p.f.Load()) }

func (p *Parameter) SetFloat(f float64) { p.f.Store(math.Float64bits(f)) }

func (p *Parameter) String() string {
	if s := p.s.Load(); s != nil {
		return *s
	}
	return ""
}

func (p *Parameter) SetString(s string) { p.s.Store(&s) }

// Field returns the current value as a ParamField.
func (p *Parameter) Field() ParamField {
	if p.kind == KindString {
		return StringField(p.String())
	}
	return FloatField(p.Float())
}

// accepts reports whether f can be bound to p. Floats bind to string
// parameters as their text; strings never bind to float parameters.
func (p *Parameter) accepts(f ParamField) bool {
	switch p.kind {
	case KindFloat:
		return f.Kind == KindFloat
	case KindString:
		return f.Kind == KindString || f.Kind == KindFloat
	default:
		return false
	}
}

func (p *Parameter) set(f ParamField) {
	switch p.kind {
	case KindFloat:
		p.SetFloat(f.F)
	case KindString:
		if f.Kind == KindFloat {
			p.SetString(strconv.FormatFloat(f.F, 'g', -1, 64))
		} else {
			p.SetString(f.S)
		}
	}
}
