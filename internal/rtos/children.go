package rtos

import (
	"github.com/dshills/rtosview/internal/dap"
)

// Child describes one member of a composite value.
type Child struct {
	Name                string
	Value               string
	Reference           Reference
	EvaluableExpression string
}

func childFromDAP(v dap.Variable) Child {
	return Child{
		Name:                v.Name,
		Value:               v.Value,
		Reference:           Reference(v.VariablesReference),
		EvaluableExpression: v.EvaluateName,
	}
}

// ChildField holds the three projections of one child.
type ChildField struct {
	Value               string
	Reference           Reference
	EvaluableExpression string
}

// ChildMap is a lookup of a composite's children by name. Later children
// with a duplicate name replace earlier ones.
type ChildMap map[string]ChildField

// NewChildMap projects an ordered child list into a ChildMap.
func NewChildMap(children []Child) ChildMap {
	m := make(ChildMap, len(children))
	for _, c := range children {
		m[c.Name] = ChildField{
			Value:               c.Value,
			Reference:           c.Reference,
			EvaluableExpression: c.EvaluableExpression,
		}
	}
	return m
}

// Value returns the display value of a child, or "" if absent.
func (m ChildMap) Value(name string) string {
	return m[name].Value
}

// Ref returns the reference of a child, or zero if absent.
func (m ChildMap) Ref(name string) Reference {
	return m[name].Reference
}

// Expr returns the evaluable expression of a child, or "" if absent.
func (m ChildMap) Expr(name string) string {
	return m[name].EvaluableExpression
}

// Has reports whether a child with the given name exists.
func (m ChildMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Key suffixes used by Flatten.
const (
	SuffixValue      = "-val"
	SuffixReference  = "-ref"
	SuffixExpression = "-exp"
)

// Flatten returns the keyed form used by scripted variants:
// "<name>-val" (string), "<name>-ref" (int), "<name>-exp" (string).
func (m ChildMap) Flatten() map[string]any {
	out := make(map[string]any, len(m)*3)
	for name, f := range m {
		out[name+SuffixValue] = f.Value
		out[name+SuffixReference] = int(f.Reference)
		out[name+SuffixExpression] = f.EvaluableExpression
	}
	return out
}
