package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// urlProperties are the declarations whose url() values are resources.
var urlProperties = map[string]bool{
	"background":          true,
	"background-image":    true,
	"list-style":          true,
	"list-style-image":    true,
	"mask":                true,
	"mask-image":          true,
	"-webkit-mask":        true,
	"-webkit-mask-image":  true,
	"cursor":              true,
	"border-image":        true,
	"border-image-source": true,
}

// ruleListAtRules open blocks that hold rules rather than declarations.
var ruleListAtRules = map[string]bool{
	"media":             true,
	"supports":          true,
	"document":          true,
	"-moz-document":     true,
	"layer":             true,
	"container":         true,
	"scope":             true,
	"starting-style":    true,
	"keyframes":         true,
	"-webkit-keyframes": true,
	"-moz-keyframes":    true,
}

type blockKind int

const (
	ruleBlock blockKind = iota
	declBlock
	fontFaceBlock
)

type cssScanner struct {
	base   *url.URL
	fn     RewriteFunc
	blocks []blockKind

	atRule     string
	importOpen bool
	expectProp bool
	candidate  string
	prop       string

	rewritten int
}

// CSSReferences lists the resources a stylesheet refers to, resolved against
// base, which must be the stylesheet's own URL.
func CSSReferences(src []byte, base *url.URL) []Reference {
	var refs []Reference
	scanCSS(src, base, false, func(ref Reference) (string, bool) {
		refs = append(refs, ref)
		return "", false
	})
	return refs
}

// RewriteCSS replaces references for which fn returns true. Everything else is
// copied byte for byte.
func RewriteCSS(src []byte, base *url.URL, fn RewriteFunc) ([]byte, int) {
	return scanCSS(src, base, false, fn)
}

func RewriteDeclarations(style string, base *url.URL, fn RewriteFunc) (string, int) {
	out, n := scanCSS([]byte(style), base, true, fn)
	return string(out), n
}

func scanCSS(src []byte, base *url.URL, inline bool, fn RewriteFunc) ([]byte, int) {
	s := &cssScanner{base: base, fn: fn}
	if inline {
		s.blocks = append(s.blocks, declBlock)
		s.expectProp = true
	}

	lexer := css.NewLexer(parse.NewInputString(string(src)))
	var out bytes.Buffer
	out.Grow(len(src))

	for {
		tt, data := lexer.Next()
		if tt == css.ErrorToken {
			break
		}
		out.Write(s.token(tt, data))
	}
	return out.Bytes(), s.rewritten
}

func (s *cssScanner) top() blockKind {
	if len(s.blocks) == 0 {
		return ruleBlock
	}
	return s.blocks[len(s.blocks)-1]
}

func (s *cssScanner) inDeclarations() bool {
	k := s.top()
	return k == declBlock || k == fontFaceBlock
}

func (s *cssScanner) token(tt css.TokenType, data []byte) []byte {
	switch tt {
	case css.WhitespaceToken, css.CommentToken:
		return data

	case css.AtKeywordToken:
		s.atRule = strings.ToLower(string(data[1:]))
		s.importOpen = s.atRule == "import"
		return data

	case css.LeftBraceToken:
		kind := declBlock
		switch {
		case ruleListAtRules[s.atRule]:
			kind = ruleBlock
		case s.atRule == "font-face":
			kind = fontFaceBlock
		}
		s.blocks = append(s.blocks, kind)
		s.resetStatement()
		return data

	case css.RightBraceToken:
		if len(s.blocks) > 0 {
			s.blocks = s.blocks[:len(s.blocks)-1]
		}
		s.resetStatement()
		return data

	case css.SemicolonToken:
		s.resetStatement()
		return data

	case css.IdentToken, css.CustomPropertyNameToken:
		if s.inDeclarations() && s.expectProp {
			s.candidate = strings.ToLower(string(data))
		}
		return data

	case css.ColonToken:
		if s.inDeclarations() && s.expectProp && s.candidate != "" {
			s.prop = s.candidate
			s.expectProp = false
		}
		return data

	case css.URLToken:
		if s.wantsURL() {
			s.importOpen = false
			return s.replace(data, unwrapURL(data), formatURLToken)
		}
		return data

	case css.StringToken:
		if s.importOpen {
			s.importOpen = false
			return s.replace(data, unquote(data), formatStringToken)
		}
		return data
	}

	if s.expectProp {
		s.candidate = ""
	}
	return data
}

func (s *cssScanner) resetStatement() {
	s.atRule = ""
	s.importOpen = false
	s.prop = ""
	s.candidate = ""
	s.expectProp = s.inDeclarations()
}

func (s *cssScanner) wantsURL() bool {
	if s.importOpen {
		return true
	}
	if !s.inDeclarations() || s.prop == "" {
		return false
	}
	if s.top() == fontFaceBlock && s.prop == "src" {
		return true
	}
	return urlProperties[s.prop]
}

func (s *cssScanner) replace(token []byte, raw string, format func(orig []byte, value string) []byte) []byte {
	abs, ok := resolve(raw, s.base)
	if !ok {
		return token
	}
	repl, ok := s.fn(Reference{Original: raw, URL: abs})
	if !ok {
		return token
	}
	s.rewritten++
	return format(token, repl)
}

// unwrapURL returns the reference inside a url(...) token.
func unwrapURL(tok []byte) string {
	s := string(tok)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return ""
	}
	s = strings.TrimSuffix(s[open+1:], ")")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	return unescape(s)
}

func unquote(tok []byte) string {
	s := string(tok)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	return unescape(s)
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func quoteChar(tok []byte) byte {
	for _, c := range tok {
		if c == '"' || c == '\'' {
			return c
		}
	}
	return 0
}

func formatURLToken(orig []byte, value string) []byte {
	q := quoteChar(orig)
	if q == 0 && strings.ContainsAny(value, " \t\n\"'()\\") {
		q = '"'
	}
	if q == 0 {
		return []byte("url(" + value + ")")
	}
	return []byte("url(" + string(q) + escapeQuote(value, q) + string(q) + ")")
}

func formatStringToken(orig []byte, value string) []byte {
	q := quoteChar(orig)
	if q == 0 {
		q = '"'
	}
	return []byte(string(q) + escapeQuote(value, q) + string(q))
}

func escapeQuote(value string, q byte) string {
	return strings.ReplaceAll(value, string(q), `\`+string(q))
}
