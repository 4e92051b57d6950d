package protocol

import (
	"errors"
	"strings"
)

var ErrInvalidQueryName = errors.New("query property names must be non-empty and must not contain '='")

// Operator compares a property against a value in a query condition.
type Operator string

const (
	OpEqual     Operator = ""
	OpGreater   Operator = ">"
	OpLess      Operator = "<"
	OpExists    Operator = "has"
	OpNotExists Operator = "-"
)

type combinator string

const (
	combAnd combinator = QueryAnd
	combOr  combinator = QueryOr
	combNot combinator = QueryNot
)

// Query is a filter expression attached to a print-like request. Leaves compare
// a single property; inner nodes combine their operands with and, or or not.
//
// The device evaluates query words on a stack, so a query serializes in
// post-order: operands first, then the word of the node combining them.
type Query struct {
	// leaf
	name  string
	op    Operator
	value string

	// inner node
	comb     combinator
	operands []*Query
}

// Where matches rows whose property name equals value.
func Where(name, value string) *Query {
	return &Query{name: name, op: OpEqual, value: value}
}

// WhereOp matches rows whose property name compares to value with op. value is
// ignored by OpExists and OpNotExists.
func WhereOp(name string, op Operator, value string) *Query {
	return &Query{name: name, op: op, value: value}
}

// Has matches rows that carry the property name.
func Has(name string) *Query {
	return &Query{name: name, op: OpExists}
}

// Lacks matches rows that do not carry the property name.
func Lacks(name string) *Query {
	return &Query{name: name, op: OpNotExists}
}

// And matches rows matched by every operand.
func And(a, b *Query, more ...*Query) *Query {
	return fold(combAnd, a, b, more)
}

// Or matches rows matched by any operand.
func Or(a, b *Query, more ...*Query) *Query {
	return fold(combOr, a, b, more)
}

// Not matches rows q does not match.
func Not(q *Query) *Query {
	return &Query{comb: combNot, operands: []*Query{q}}
}

func fold(comb combinator, a, b *Query, more []*Query) *Query {
	q := &Query{comb: comb, operands: []*Query{a, b}}

	for _, next := range more {
		q = &Query{comb: comb, operands: []*Query{q, next}}
	}

	return q
}

// Validate checks every condition of the query.
func (q *Query) Validate() error {
	if q == nil {
		return NewArgumentError("validate query", nil, errors.New("nil query operand"))
	}

	if q.comb != "" {
		for _, operand := range q.operands {
			if err := operand.Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if q.name == "" || strings.ContainsRune(q.name, '=') {
		return NewArgumentError("validate query", q.name, ErrInvalidQueryName)
	}

	switch q.op {
	case OpEqual, OpGreater, OpLess, OpExists, OpNotExists:
		return nil
	}

	return NewArgumentError("validate query", q.op, errors.New("unknown query operator"))
}

// Words returns the query words in post-order. Nil operands are left out, so
// the words of a query that does not pass Validate are not meaningful to a
// device.
func (q *Query) Words() []string {
	var words []string
	q.appendWords(&words)
	return words
}

func (q *Query) appendWords(words *[]string) {
	if q == nil {
		return
	}

	if q.comb != "" {
		for _, operand := range q.operands {
			operand.appendWords(words)
		}
		*words = append(*words, string(q.comb))
		return
	}

	switch q.op {
	case OpExists:
		*words = append(*words, QueryPrefix+q.name)

	case OpNotExists:
		*words = append(*words, QueryPrefix+"-"+q.name)

	default:
		*words = append(*words, QueryPrefix+string(q.op)+q.name+"="+q.value)
	}
}

func (q *Query) String() string {
	return strings.Join(q.Words(), " ")
}
