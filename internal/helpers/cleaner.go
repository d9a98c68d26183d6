package helpers

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON payload of the wanted shape can be
// recovered from model output.
var ErrNoJSON = errors.New("no JSON payload found")

// JSONShape selects which bracket pair ExtractJSON looks for.
type JSONShape int

const (
	AnyShape JSONShape = iota
	ObjectShape
	ArrayShape
)

func (s JSONShape) openers() string {
	switch s {
	case ObjectShape:
		return "{"
	case ArrayShape:
		return "["
	default:
		return "{["
	}
}

// ExtractJSON recovers a JSON value of the given shape from free-form model
// output. Code fences are unwrapped first. The first balanced value of the
// right shape wins; brackets inside string literals are ignored. As a last
// resort the text between the first opener and the last matching closer is
// tried.
func ExtractJSON(s string, shape JSONShape) (string, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}
	if s == "" {
		return "", ErrNoJSON
	}

	openers := shape.openers()
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(openers, rune(s[i])) {
			continue
		}
		if out, ok := balancedFrom(s, i); ok && json.Valid([]byte(out)) {
			return out, nil
		}
	}

	for _, open := range openers {
		closer := '}'
		if open == '[' {
			closer = ']'
		}
		first := strings.IndexRune(s, open)
		last := strings.LastIndexFunc(s, func(r rune) bool { return r == closer })
		if first >= 0 && last > first {
			candidate := s[first : last+1]
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
	}
	return "", ErrNoJSON
}

// stripCodeFence unwraps the first ``` or ~~~ fenced block, dropping an
// optional language tag.
func stripCodeFence(s string) (string, bool) {
	for _, fence := range []string{"```", "~~~"} {
		start := strings.Index(s, fence)
		if start == -1 {
			continue
		}
		rest := s[start+len(fence):]
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			return "", false
		}
		rest = rest[nl+1:]
		end := strings.Index(rest, fence)
		if end == -1 {
			return "", false
		}
		return rest[:end], true
	}
	return "", false
}

// balancedFrom returns the balanced object or array starting at idx.
func balancedFrom(s string, idx int) (string, bool) {
	var (
		stack    []byte
		inString bool
		escape   bool
	)
	for i := idx; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[idx : i+1], true
			}
		}
	}
	return "", false
}
