// Package template implements the sandboxed expression renderer used for
// step parameters, `when` guards, and `returns` mappings. The grammar is
// deliberately small: dotted path lookups, literals, `not`, and comparison
// operators. There is no method invocation and no arbitrary evaluation;
// unknown identifiers fail loudly instead of substituting an empty value.
package template

import (
	"fmt"
	"strconv"
	"strings"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Scope resolves a dotted path to a value. The second return reports whether
// the path exists.
type Scope interface {
	Resolve(path []string) (any, bool)
}

// MapScope adapts a plain map to a Scope. Used for throwaway contexts.
type MapScope map[string]any

// Resolve walks the map by path segments.
func (m MapScope) Resolve(path []string) (any, bool) {
	return Walk(map[string]any(m), path)
}

// Walk descends into nested maps and slices following path segments. Numeric
// segments index slices.
func Walk(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Render evaluates a template string against the scope. A string that is
// exactly one `{{ expr }}` expression yields the raw value; mixed text
// interpolates each expression into the surrounding string.
func Render(s string, scope Scope) (any, error) {
	exprs := findExpressions(s)
	if len(exprs) == 0 {
		return s, nil
	}

	// Single whole-string expression keeps its native type.
	if len(exprs) == 1 && strings.TrimSpace(s) == s[exprs[0].start:exprs[0].end] {
		return eval(exprs[0].body, scope)
	}

	var sb strings.Builder
	last := 0
	for _, e := range exprs {
		sb.WriteString(s[last:e.start])
		v, err := eval(e.body, scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(v))
		last = e.end
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// RenderBool evaluates a guard expression to its truthiness.
func RenderBool(s string, scope Scope) (bool, error) {
	v, err := Render(s, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// RenderValue deep-renders strings inside maps and slices, leaving other
// values untouched. Used for step params and `returns` mappings.
func RenderValue(v any, scope Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return Render(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			rv, err := RenderValue(vv, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			rv, err := RenderValue(vv, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Truthy reports the boolean interpretation of a rendered value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

type exprSpan struct {
	start, end int // byte offsets including the braces
	body       string
}

func findExpressions(s string) []exprSpan {
	var spans []exprSpan
	for i := 0; i+1 < len(s); {
		open := strings.Index(s[i:], "{{")
		if open < 0 {
			break
		}
		open += i
		close := strings.Index(s[open:], "}}")
		if close < 0 {
			break
		}
		close += open
		spans = append(spans, exprSpan{
			start: open,
			end:   close + 2,
			body:  strings.TrimSpace(s[open+2 : close]),
		})
		i = close + 2
	}
	return spans
}

// eval parses and evaluates one expression body:
//
//	expr    := ["not"] operand [cmpop operand]
//	operand := path | literal
func eval(body string, scope Scope) (any, error) {
	toks, err := tokenize(body)
	if err != nil {
		return nil, &auraerr.RenderError{Expr: body, Message: err.Error()}
	}
	if len(toks) == 0 {
		return nil, &auraerr.RenderError{Expr: body, Message: "empty expression"}
	}

	negate := false
	if toks[0].kind == tokIdent && toks[0].text == "not" {
		negate = true
		toks = toks[1:]
		if len(toks) == 0 {
			return nil, &auraerr.RenderError{Expr: body, Message: "nothing to negate"}
		}
	}

	left, err := operand(toks[0], scope, body)
	if err != nil {
		return nil, err
	}

	var result any
	switch len(toks) {
	case 1:
		result = left
	case 3:
		if toks[1].kind != tokOp {
			return nil, &auraerr.RenderError{Expr: body, Message: fmt.Sprintf("expected operator, got %q", toks[1].text)}
		}
		right, err := operand(toks[2], scope, body)
		if err != nil {
			return nil, err
		}
		cmp, err := compare(toks[1].text, left, right)
		if err != nil {
			return nil, &auraerr.RenderError{Expr: body, Message: err.Error()}
		}
		result = cmp
	default:
		return nil, &auraerr.RenderError{Expr: body, Message: "malformed expression"}
	}

	if negate {
		return !Truthy(result), nil
	}
	return result, nil
}

func operand(t token, scope Scope, expr string) (any, error) {
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &auraerr.RenderError{Expr: expr, Message: "bad number " + t.text}
		}
		return f, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "none":
			return nil, nil
		}
		v, ok := scope.Resolve(strings.Split(t.text, "."))
		if !ok {
			return nil, &auraerr.RenderError{Expr: expr, Message: "unknown reference " + t.text}
		}
		return v, nil
	default:
		return nil, &auraerr.RenderError{Expr: expr, Message: "unexpected token " + t.text}
	}
}

func compare(op string, left, right any) (bool, error) {
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, rs := stringify(left), stringify(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, s[i+1 : j]})
			i = j + 1
		case c == '=' || c == '!' || c == '<' || c == '>':
			j := i + 1
			if j < len(s) && s[j] == '=' {
				j++
			}
			op := s[i:j]
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("bad operator %q", op)
			}
			toks = append(toks, token{tokOp, op})
			i = j
		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(s) && (isIdentByte(s[j]) || s[j] == '.' || s[j] >= '0' && s[j] <= '9') {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}
