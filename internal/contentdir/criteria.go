package contentdir

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/mikey-austin/mupnp/pkg/didl"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// SearchCapabilities lists the properties Criteria can evaluate.
const SearchCapabilities = "@id,@parentID,@refID,dc:title,dc:creator,dc:date,dc:description,upnp:class,upnp:artist,upnp:album,upnp:genre,upnp:originalTrackNumber,res,res@protocolInfo,res@size,res@duration,res@bitrate"

// Criteria is a parsed search expression.
type Criteria interface {
	Match(obj didl.Object) bool
}

type matchAll struct{}

func (matchAll) Match(didl.Object) bool { return true }

type andExpr struct{ left, right Criteria }

func (e andExpr) Match(obj didl.Object) bool { return e.left.Match(obj) && e.right.Match(obj) }

type orExpr struct{ left, right Criteria }

func (e orExpr) Match(obj didl.Object) bool { return e.left.Match(obj) || e.right.Match(obj) }

type existsExpr struct {
	property string
	want     bool
}

func (e existsExpr) Match(obj didl.Object) bool {
	return (len(propertyValues(obj, e.property)) > 0) == e.want
}

type relExpr struct {
	property string
	op       string
	value    string
}

func (e relExpr) Match(obj didl.Object) bool {
	values := propertyValues(obj, e.property)
	if len(values) == 0 {
		return false
	}
	switch e.op {
	case "!=":
		for _, v := range values {
			if strings.EqualFold(v, e.value) {
				return false
			}
		}
		return true
	case "doesnotcontain":
		needle := strings.ToLower(e.value)
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), needle) {
				return false
			}
		}
		return true
	}
	for _, v := range values {
		if e.matchOne(v) {
			return true
		}
	}
	return false
}

func (e relExpr) matchOne(v string) bool {
	switch e.op {
	case "=":
		return strings.EqualFold(v, e.value)
	case "contains":
		return strings.Contains(strings.ToLower(v), strings.ToLower(e.value))
	case "startswith":
		return strings.HasPrefix(strings.ToLower(v), strings.ToLower(e.value))
	case "derivedfrom":
		return didl.DerivedFrom(strings.ToLower(v), strings.ToLower(e.value))
	}
	cmp := compare(v, e.value)
	switch e.op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// compare orders numerically when both sides are numbers.
func compare(a string, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func propertyValues(obj didl.Object, property string) []string {
	single := func(v string) []string {
		if v == "" {
			return nil
		}
		return []string{v}
	}
	switch property {
	case "@id":
		return single(obj.ID)
	case "@parentID":
		return single(obj.ParentID)
	case "@refID":
		return single(obj.RefID)
	case "dc:title":
		return single(obj.Title)
	case "dc:creator":
		return single(obj.Creator)
	case "dc:date":
		return single(obj.Date)
	case "dc:description":
		return single(obj.Description)
	case "upnp:class":
		return single(obj.Class)
	case "upnp:artist":
		return single(obj.Artist)
	case "upnp:album":
		return single(obj.Album)
	case "upnp:genre":
		return single(obj.Genre)
	case "upnp:originalTrackNumber":
		if obj.TrackNumber == 0 {
			return nil
		}
		return []string{strconv.Itoa(obj.TrackNumber)}
	}
	if property == "res" || strings.HasPrefix(property, "res@") {
		var out []string
		for _, res := range obj.Resources {
			var v string
			switch property {
			case "res":
				v = res.URL
			case "res@protocolInfo":
				v = res.ProtocolInfo
			case "res@size":
				if res.Size > 0 {
					v = strconv.FormatInt(res.Size, 10)
				}
			case "res@duration":
				v = res.Duration
			case "res@bitrate":
				if res.Bitrate > 0 {
					v = strconv.FormatInt(res.Bitrate, 10)
				}
			}
			if v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

// ParseCriteria parses a ContentDirectory search expression. Errors are
// UPnP 708 faults.
func ParseCriteria(input string) (Criteria, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || trimmed == "*" {
		return matchAll{}, nil
	}
	tokens, err := tokenize(trimmed)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, invalidCriteria("unexpected %q", p.tokens[p.pos].text)
	}
	return expr, nil
}

func invalidCriteria(format string, args ...any) error {
	return upnp.Errorf(upnp.CodeInvalidSearchCriteria, "Invalid search criteria: "+format, args...)
}

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenString
	tokenOp
	tokenOpen
	tokenClose
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokenOpen, "("})
			i++
		case r == ')':
			tokens = append(tokens, token{tokenClose, ")"})
			i++
		case r == '"':
			var b strings.Builder
			i++
			closed := false
			for i < len(runes) {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					b.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				b.WriteRune(c)
				i++
			}
			if !closed {
				return nil, invalidCriteria("unterminated string")
			}
			tokens = append(tokens, token{tokenString, b.String()})
		case r == '=' || r == '!' || r == '<' || r == '>':
			op := string(r)
			if i+1 < len(runes) && runes[i+1] == '=' {
				op += "="
			}
			if op == "!" {
				return nil, invalidCriteria("bad operator")
			}
			tokens = append(tokens, token{tokenOp, op})
			i += len(op)
		default:
			start := i
			for i < len(runes) && !unicode.IsSpace(runes[i]) && !strings.ContainsRune(`()"=!<>`, runes[i]) {
				i++
			}
			tokens = append(tokens, token{tokenWord, string(runes[start:i])})
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) keyword(word string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokenWord && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (Criteria, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Criteria, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = andExpr{left, right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Criteria, error) {
	t, ok := p.peek()
	if !ok {
		return nil, invalidCriteria("unexpected end")
	}
	if t.kind == tokenOpen {
		p.pos++
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing, ok := p.peek(); !ok || closing.kind != tokenClose {
			return nil, invalidCriteria("missing )")
		}
		p.pos++
		return expr, nil
	}
	if t.kind != tokenWord {
		return nil, invalidCriteria("expected property, got %q", t.text)
	}
	property := t.text
	p.pos++

	opTok, ok := p.peek()
	if !ok {
		return nil, invalidCriteria("missing operator after %s", property)
	}
	p.pos++
	op := strings.ToLower(opTok.text)
	switch {
	case opTok.kind == tokenOp:
	case opTok.kind == tokenWord && (op == "contains" || op == "doesnotcontain" || op == "derivedfrom" || op == "startswith" || op == "exists"):
	default:
		return nil, invalidCriteria("bad operator %q", opTok.text)
	}

	value, ok := p.peek()
	if !ok {
		return nil, invalidCriteria("missing value after %s", opTok.text)
	}
	p.pos++
	if op == "exists" {
		if value.kind != tokenWord {
			return nil, invalidCriteria("exists needs true or false")
		}
		switch strings.ToLower(value.text) {
		case "true":
			return existsExpr{property: property, want: true}, nil
		case "false":
			return existsExpr{property: property, want: false}, nil
		}
		return nil, invalidCriteria("exists needs true or false")
	}
	if value.kind != tokenString {
		return nil, invalidCriteria("expected quoted value, got %q", value.text)
	}
	return relExpr{property: property, op: op, value: value.text}, nil
}
