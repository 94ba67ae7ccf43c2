package query

import (
	"fmt"
	"strings"

	"github.com/drover-io/drover/pkg/types"
)

// Filter is a parsed target filter query. Filters are immutable and safe
// for concurrent use.
type Filter struct {
	root node
	raw  string
}

// String returns the original query text.
func (f *Filter) String() string {
	return f.raw
}

// Match reports whether the target satisfies the filter.
func (f *Filter) Match(t *types.Target) bool {
	return f.root.match(t)
}

// Parse parses an RSQL-style filter query over target attributes.
//
// Grammar:
//
//	or         := and ( ',' and )*
//	and        := comparison ( ';' comparison )*
//	comparison := '(' or ')' | field op value
//	op         := '==' | '!=' | '=in=' | '=out='
//
// Values may be bare tokens, quoted strings, or '(' v, v, ... ')' for the
// set operators. '*' acts as a wildcard in == and != values. Field names
// are validated here so a bad query never reaches the store.
func Parse(q string) (*Filter, error) {
	p := &parser{input: q}
	p.skipSpace()
	if p.eof() {
		return nil, fmt.Errorf("%w: empty query", types.ErrInvalidQuerySyntax)
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("%w: unexpected %q at position %d", types.ErrInvalidQuerySyntax, p.rest(), p.pos)
	}
	return &Filter{root: root, raw: q}, nil
}

type node interface {
	match(t *types.Target) bool
}

type orNode struct{ children []node }

func (n *orNode) match(t *types.Target) bool {
	for _, c := range n.children {
		if c.match(t) {
			return true
		}
	}
	return false
}

type andNode struct{ children []node }

func (n *andNode) match(t *types.Target) bool {
	for _, c := range n.children {
		if !c.match(t) {
			return false
		}
	}
	return true
}

type compareOp int

const (
	opEq compareOp = iota
	opNotEq
	opIn
	opOut
)

type comparison struct {
	field  string
	op     compareOp
	values []string
}

func (c *comparison) match(t *types.Target) bool {
	actual := fieldValue(t, c.field)
	switch c.op {
	case opEq:
		return matchValue(c.values[0], actual)
	case opNotEq:
		return !matchValue(c.values[0], actual)
	case opIn:
		for _, v := range c.values {
			if strings.EqualFold(v, actual) {
				return true
			}
		}
		return false
	case opOut:
		for _, v := range c.values {
			if strings.EqualFold(v, actual) {
				return false
			}
		}
		return true
	}
	return false
}

// matchValue compares case-insensitively with '*' wildcard support.
func matchValue(pattern, actual string) bool {
	pattern = strings.ToLower(pattern)
	actual = strings.ToLower(actual)
	if !strings.Contains(pattern, "*") {
		return pattern == actual
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(actual, parts[0]) {
		return false
	}
	actual = actual[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(actual, part)
		if idx < 0 {
			return false
		}
		actual = actual[idx+len(part):]
	}
	return strings.HasSuffix(actual, parts[len(parts)-1])
}

func fieldValue(t *types.Target, field string) string {
	if key, ok := strings.CutPrefix(field, "attribute."); ok {
		return t.Attributes[key]
	}
	switch field {
	case "id", "controllerid":
		return t.ID
	case "name":
		return t.Name
	case "description":
		return t.Description
	case "updatestatus":
		return string(t.UpdateStatus)
	case "assignedds":
		return t.AssignedSet
	case "installedds":
		return t.InstalledSet
	}
	return ""
}

func validField(field string) bool {
	if strings.HasPrefix(field, "attribute.") && len(field) > len("attribute.") {
		return true
	}
	switch field {
	case "id", "controllerid", "name", "description", "updatestatus", "assignedds", "installedds":
		return true
	}
	return false
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool { return p.pos >= len(p.input) }

func (p *parser) rest() string {
	if p.eof() {
		return ""
	}
	return p.input[p.pos:]
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []node{first}
	for {
		p.skipSpace()
		if p.peek() != ',' {
			break
		}
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &orNode{children: children}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	children := []node{first}
	for {
		p.skipSpace()
		if p.peek() != ';' {
			break
		}
		p.pos++
		next, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &andNode{children: children}, nil
}

func (p *parser) parseComparison() (node, error) {
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("%w: missing closing parenthesis", types.ErrInvalidQuerySyntax)
		}
		p.pos++
		return inner, nil
	}

	field, err := p.parseToken()
	if err != nil {
		return nil, err
	}
	field = strings.ToLower(field)
	if !validField(field) {
		return nil, fmt.Errorf("%w: unknown field %q", types.ErrInvalidQuerySyntax, field)
	}

	op, err := p.parseOperator()
	if err != nil {
		return nil, err
	}

	var values []string
	if op == opIn || op == opOut {
		values, err = p.parseValueList()
	} else {
		var v string
		v, err = p.parseValue()
		values = []string{v}
	}
	if err != nil {
		return nil, err
	}
	return &comparison{field: field, op: op, values: values}, nil
}

func (p *parser) parseOperator() (compareOp, error) {
	p.skipSpace()
	rest := p.rest()
	switch {
	case strings.HasPrefix(rest, "=="):
		p.pos += 2
		return opEq, nil
	case strings.HasPrefix(rest, "!="):
		p.pos += 2
		return opNotEq, nil
	case strings.HasPrefix(rest, "=in="):
		p.pos += 4
		return opIn, nil
	case strings.HasPrefix(rest, "=out="):
		p.pos += 5
		return opOut, nil
	}
	return 0, fmt.Errorf("%w: expected operator at position %d", types.ErrInvalidQuerySyntax, p.pos)
}

func (p *parser) parseValueList() ([]string, error) {
	p.skipSpace()
	if p.peek() != '(' {
		return nil, fmt.Errorf("%w: expected '(' after set operator", types.ErrInvalidQuerySyntax)
	}
	p.pos++
	var values []string
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return values, nil
		default:
			return nil, fmt.Errorf("%w: malformed value list", types.ErrInvalidQuerySyntax)
		}
	}
}

func (p *parser) parseValue() (string, error) {
	p.skipSpace()
	if p.peek() == '"' || p.peek() == '\'' {
		quote := p.peek()
		p.pos++
		start := p.pos
		for !p.eof() && p.input[p.pos] != quote {
			p.pos++
		}
		if p.eof() {
			return "", fmt.Errorf("%w: unterminated quoted value", types.ErrInvalidQuerySyntax)
		}
		v := p.input[start:p.pos]
		p.pos++
		return v, nil
	}
	return p.parseToken()
}

func (p *parser) parseToken() (string, error) {
	p.skipSpace()
	start := p.pos
	for !p.eof() {
		c := p.input[p.pos]
		if c == ',' || c == ';' || c == '(' || c == ')' || c == '=' || c == '!' || c == ' ' || c == '\t' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("%w: expected token at position %d", types.ErrInvalidQuerySyntax, p.pos)
	}
	return p.input[start:p.pos], nil
}
