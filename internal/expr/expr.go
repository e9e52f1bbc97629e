// Package expr evaluates the ${{ }} expression dialect used inside
// workflow definitions: single-quoted strings, numbers, booleans,
// null, ==/!= comparison, !, &&, || and dotted context lookups.
// String equality is case-insensitive, matching the dialect the
// definitions were written against.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is the result of evaluating an expression: nil, string,
// float64 or bool.
type Value interface{}

// Context holds the lookup roots visible to expressions. Leaves are
// strings. An unknown root is an error; an unknown leaf is null.
type Context map[string]map[string]string

// With returns a copy of the context with one root replaced.
func (c Context) With(root string, leaves map[string]string) Context {
	out := make(Context, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[root] = leaves
	return out
}

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// Eval parses and evaluates a bare expression (no ${{ }} markers).
func Eval(src string, ctx Context) (Value, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("offset %d: unexpected %q after expression", p.peek().pos, p.peek().text)
	}
	return node.eval(ctx)
}

// EvalBool evaluates a condition that may be written as a bare
// expression, a bare boolean, or a ${{ }} template, and reduces the
// result to a boolean by truthiness.
func EvalBool(src string, ctx Context) (bool, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return false, nil
	}
	if inner, ok, err := wholeExpression(s); err != nil {
		return false, err
	} else if ok {
		v, err := Eval(inner, ctx)
		if err != nil {
			return false, err
		}
		return Truthy(v), nil
	}
	if strings.Contains(s, openMarker) {
		rendered, err := Interpolate(s, ctx)
		if err != nil {
			return false, err
		}
		return strings.EqualFold(strings.TrimSpace(rendered), "true"), nil
	}
	v, err := Eval(s, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Interpolate replaces every ${{ }} region in template with the
// stringified value of the inner expression. Text outside the
// markers passes through untouched.
func Interpolate(template string, ctx Context) (string, error) {
	var out strings.Builder
	rest := template
	base := 0
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		end, err := findClose(rest, start+len(openMarker))
		if err != nil {
			return "", fmt.Errorf("offset %d: %w", base+start, err)
		}
		inner := rest[start+len(openMarker) : end]
		v, err := Eval(inner, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(Stringify(v))
		base += end + len(closeMarker)
		rest = rest[end+len(closeMarker):]
	}
}

// wholeExpression reports whether s is exactly one ${{ }} region and
// returns the inner source.
func wholeExpression(s string) (string, bool, error) {
	if !strings.HasPrefix(s, openMarker) {
		return "", false, nil
	}
	end, err := findClose(s, len(openMarker))
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(s[end+len(closeMarker):]) != "" {
		return "", false, nil
	}
	return s[len(openMarker):end], true, nil
}

// findClose locates the closing }} for a region opened before start,
// skipping marker text inside single-quoted strings.
func findClose(s string, start int) (int, error) {
	inString := false
	for i := start; i < len(s); i++ {
		switch {
		case inString:
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
		case s[i] == '\'':
			inString = true
		case s[i] == '}' && i+1 < len(s) && s[i+1] == '}':
			return i, nil
		}
	}
	return 0, fmt.Errorf("unterminated %s region", openMarker)
}

// Truthy applies the dialect truthiness rules: false, null, empty
// string and zero are false, everything else true.
func Truthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// Stringify renders a value the way interpolation does: null becomes
// the empty string, numbers drop a trailing .0.
func Stringify(v Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func equal(a, b Value) bool {
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af == bf
		}
	}
	if a == nil && b == nil {
		return true
	}
	return strings.EqualFold(Stringify(a), Stringify(b))
}

type node interface {
	eval(ctx Context) (Value, error)
}

type litNode struct {
	v Value
}

func (n litNode) eval(Context) (Value, error) { return n.v, nil }

type lookupNode struct {
	path []string
	pos  int
}

func (n lookupNode) eval(ctx Context) (Value, error) {
	root, ok := ctx[n.path[0]]
	if !ok {
		return nil, fmt.Errorf("offset %d: unknown context %q", n.pos, n.path[0])
	}
	if len(n.path) == 1 {
		return nil, fmt.Errorf("offset %d: incomplete reference %q", n.pos, n.path[0])
	}
	v, ok := root[n.path[1]]
	if !ok {
		return nil, nil
	}
	if len(n.path) > 2 {
		return nil, nil
	}
	return v, nil
}

type notNode struct {
	inner node
}

func (n notNode) eval(ctx Context) (Value, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type binNode struct {
	op          string
	left, right node
}

func (n binNode) eval(ctx Context) (Value, error) {
	left, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !Truthy(left) {
			return left, nil
		}
		return n.right.eval(ctx)
	case "||":
		if Truthy(left) {
			return left, nil
		}
		return n.right.eval(ctx)
	}
	right, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}
