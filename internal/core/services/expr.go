package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

// The workflow guard/value language is an allow-list micro-grammar:
// literals, name lookup, indexing into source/state, comparison and
// boolean operators. There are no function calls, no attribute access
// into arbitrary objects and no imports. A call expression is a parse
// error, not a blocked builtin.

var (
	// ErrUndefinedName fails a single step (skip), never a whole task.
	ErrUndefinedName = errors.New("undefined name")
	// ErrDisallowedCall rejects any call syntax outright.
	ErrDisallowedCall = errors.New("disallowed function call")
)

// ExprEnv is the evaluation context: the fetched source document, the
// task's persisted state, and step-local bindings made by "set".
type ExprEnv struct {
	Source gjson.Result
	State  map[string]any
	Locals map[string]any
}

// Eval parses and evaluates src against env.
func Eval(src string, env *ExprEnv) (any, error) {
	toks, err := exprTokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return node.eval(env)
}

// EvalBool evaluates src and coerces the result to a truth value.
func EvalBool(src string, env *ExprEnv) (bool, error) {
	v, err := Eval(src, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// --- tokenizer ---

type exprTokKind int

const (
	tokIdent exprTokKind = iota
	tokString
	tokNumber
	tokOp
	tokEOF
)

type exprToken struct {
	kind exprTokKind
	text string
}

func exprTokenize(src string) ([]exprToken, error) {
	var toks []exprToken
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, errors.New("unterminated string literal")
			}
			toks = append(toks, exprToken{tokString, sb.String()})
			i = j + 1
		case ch >= '0' && ch <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, exprToken{tokNumber, src[i:j]})
			i = j
		case isIdentStart(rune(ch)):
			j := i
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			toks = append(toks, exprToken{tokIdent, src[i:j]})
			i = j
		default:
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||":
				toks = append(toks, exprToken{tokOp, two})
				i += 2
				continue
			}
			switch ch {
			case '<', '>', '!', '(', ')', '[', ']', '.':
				toks = append(toks, exprToken{tokOp, string(ch)})
				i++
			default:
				return nil, fmt.Errorf("unexpected character %q", string(ch))
			}
		}
	}
	toks = append(toks, exprToken{tokEOF, ""})
	return toks, nil
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func isIdentPart(r rune) bool  { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

// --- parser ---

type exprNode interface {
	eval(env *ExprEnv) (any, error)
}

type exprParser struct {
	toks []exprToken
	pos  int
}

func (p *exprParser) peek() exprToken { return p.toks[p.pos] }
func (p *exprParser) next() exprToken { t := p.toks[p.pos]; p.pos++; return t }
func (p *exprParser) eof() bool       { return p.peek().kind == tokEOF }

func (p *exprParser) acceptOp(op string) bool {
	if t := p.peek(); t.kind == tokOp && t.text == op {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) acceptIdent(word string) bool {
	if t := p.peek(); t.kind == tokIdent && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("||") || p.acceptIdent("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("&&") || p.acceptIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &boolNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.acceptOp("!") || p.acceptIdent("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *exprParser) parseComparison() (exprNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parsePostfix()
			if err != nil {
				return nil, err
			}
			return &cmpNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *exprParser) parsePostfix() (exprNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("["):
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.acceptOp("]") {
				return nil, errors.New("expected ]")
			}
			node = &indexNode{base: node, key: key}
		case p.acceptOp("."):
			t := p.next()
			if t.kind != tokIdent {
				return nil, fmt.Errorf("expected attribute name, got %q", t.text)
			}
			node = &indexNode{base: node, key: &litNode{val: t.text}}
		case p.peek().kind == tokOp && p.peek().text == "(":
			return nil, ErrDisallowedCall
		default:
			return node, nil
		}
	}
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return &litNode{val: t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return &litNode{val: f}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &litNode{val: true}, nil
		case "false":
			return &litNode{val: false}, nil
		case "null", "none":
			return &litNode{val: nil}, nil
		}
		// A bare name followed by "(" is a call attempt.
		if p.peek().kind == tokOp && p.peek().text == "(" {
			return nil, ErrDisallowedCall
		}
		return &nameNode{name: t.text}, nil
	case tokOp:
		if t.text == "(" {
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.acceptOp(")") {
				return nil, errors.New("expected )")
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

// --- evaluation ---

type litNode struct{ val any }

func (n *litNode) eval(*ExprEnv) (any, error) { return n.val, nil }

type nameNode struct{ name string }

func (n *nameNode) eval(env *ExprEnv) (any, error) {
	switch n.name {
	case "source":
		return env.Source, nil
	case "state":
		return env.State, nil
	}
	if env.Locals != nil {
		if v, ok := env.Locals[n.name]; ok {
			return v, nil
		}
	}
	if env.State != nil {
		if v, ok := env.State[n.name]; ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUndefinedName, n.name)
}

type indexNode struct {
	base exprNode
	key  exprNode
}

func (n *indexNode) eval(env *ExprEnv) (any, error) {
	base, err := n.base.eval(env)
	if err != nil {
		return nil, err
	}
	key, err := n.key.eval(env)
	if err != nil {
		return nil, err
	}

	switch b := base.(type) {
	case gjson.Result:
		path, err := gjsonPath(key)
		if err != nil {
			return nil, err
		}
		res := b.Get(path)
		if !res.Exists() {
			return nil, fmt.Errorf("%w: %v", ErrUndefinedName, key)
		}
		// Keep composites as gjson results so chained indexing stays
		// cheap; scalars materialize to native values.
		if res.IsObject() || res.IsArray() {
			return res, nil
		}
		return res.Value(), nil
	case map[string]any:
		ks, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("map index must be a string, got %T", key)
		}
		v, ok := b[ks]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefinedName, ks)
		}
		return v, nil
	case []any:
		kf, ok := key.(float64)
		if !ok {
			return nil, fmt.Errorf("list index must be a number, got %T", key)
		}
		idx := int(kf)
		if idx < 0 || idx >= len(b) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrUndefinedName, idx)
		}
		return b[idx], nil
	case nil:
		return nil, fmt.Errorf("%w: index into null", ErrUndefinedName)
	default:
		return nil, fmt.Errorf("cannot index into %T", base)
	}
}

func gjsonPath(key any) (string, error) {
	switch k := key.(type) {
	case string:
		// Escape path metacharacters so keys are matched literally.
		r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
		return r.Replace(k), nil
	case float64:
		return strconv.Itoa(int(k)), nil
	default:
		return "", fmt.Errorf("index key must be a string or number, got %T", key)
	}
}

type cmpNode struct {
	op          string
	left, right exprNode
}

func (n *cmpNode) eval(env *ExprEnv) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	l, r = materialize(l), materialize(r)

	switch n.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	}

	if lf, lok := asNumber(l); lok {
		if rf, rok := asNumber(r); rok {
			switch n.op {
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
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch n.op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %T and %T with %s", l, r, n.op)
}

type boolNode struct {
	op          string
	left, right exprNode
}

func (n *boolNode) eval(env *ExprEnv) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if n.op == "and" {
		if !truthy(l) {
			return false, nil
		}
	} else {
		if truthy(l) {
			return true, nil
		}
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notNode struct{ inner exprNode }

func (n *notNode) eval(env *ExprEnv) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func truthy(v any) bool {
	switch t := materialize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func materialize(v any) any {
	if r, ok := v.(gjson.Result); ok {
		return r.Value()
	}
	return v
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func looseEqual(l, r any) bool {
	if lf, ok := asNumber(l); ok {
		if rf, ok := asNumber(r); ok {
			return lf == rf
		}
	}
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r) && fmt.Sprintf("%T", l) == fmt.Sprintf("%T", r)
}
