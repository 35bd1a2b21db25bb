// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"fmt"
	"strings"
)

// Kind identifies a wire type in the signature grammar.
type Kind int

const (
	KindVoid Kind = iota
	KindInt8
	KindUInt8
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindFloat
	KindDouble
	KindBool
	KindString
	KindRaw
	KindDynamic
	KindObject
	KindList
	KindMap
	KindTuple
)

// Type is a parsed signature node.
//
// The textual grammar is compact: i=int32, I=uint32, l=int64, L=uint64,
// f=float32, d=float64, s=string, b=bool, c=int8, C=uint8, r=raw bytes,
// v=void, m=dynamic, o=object, [T]=list, {KV}=map, (T...)=tuple.
type Type struct {
	Kind    Kind
	Elem    *Type   // list element
	Key     *Type   // map key
	Value   *Type   // map value
	Members []*Type // tuple members
}

var scalarKinds = map[byte]Kind{
	'v': KindVoid,
	'c': KindInt8,
	'C': KindUInt8,
	'i': KindInt32,
	'I': KindUInt32,
	'l': KindInt64,
	'L': KindUInt64,
	'f': KindFloat,
	'd': KindDouble,
	'b': KindBool,
	's': KindString,
	'r': KindRaw,
	'm': KindDynamic,
	'o': KindObject,
}

var kindChars = map[Kind]string{
	KindVoid:    "v",
	KindInt8:    "c",
	KindUInt8:   "C",
	KindInt32:   "i",
	KindUInt32:  "I",
	KindInt64:   "l",
	KindUInt64:  "L",
	KindFloat:   "f",
	KindDouble:  "d",
	KindBool:    "b",
	KindString:  "s",
	KindRaw:     "r",
	KindDynamic: "m",
	KindObject:  "o",
}

// ParseSignature parses a single type from s. The whole string must be
// consumed.
func ParseSignature(s string) (*Type, error) {
	t, rest, err := parseType(s)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w: trailing %q in signature %q", ErrDecode, rest, s)
	}
	return t, nil
}

// ParseSignatureList parses a sequence of types, e.g. a parameter list
// written without tuple parentheses.
func ParseSignatureList(s string) ([]*Type, error) {
	var out []*Type
	for s != "" {
		t, rest, err := parseType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		s = rest
	}
	return out, nil
}

func parseType(s string) (*Type, string, error) {
	if s == "" {
		return nil, "", fmt.Errorf("%w: empty signature", ErrDecode)
	}
	c := s[0]
	if k, ok := scalarKinds[c]; ok {
		return &Type{Kind: k}, s[1:], nil
	}
	switch c {
	case '[':
		elem, rest, err := parseType(s[1:])
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != ']' {
			return nil, "", fmt.Errorf("%w: unterminated list in %q", ErrDecode, s)
		}
		return &Type{Kind: KindList, Elem: elem}, rest[1:], nil
	case '{':
		key, rest, err := parseType(s[1:])
		if err != nil {
			return nil, "", err
		}
		val, rest, err := parseType(rest)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", fmt.Errorf("%w: unterminated map in %q", ErrDecode, s)
		}
		return &Type{Kind: KindMap, Key: key, Value: val}, rest[1:], nil
	case '(':
		var members []*Type
		rest := s[1:]
		for {
			if rest == "" {
				return nil, "", fmt.Errorf("%w: unterminated tuple in %q", ErrDecode, s)
			}
			if rest[0] == ')' {
				return &Type{Kind: KindTuple, Members: members}, rest[1:], nil
			}
			var m *Type
			var err error
			m, rest, err = parseType(rest)
			if err != nil {
				return nil, "", err
			}
			members = append(members, m)
		}
	}
	return nil, "", fmt.Errorf("%w: unknown signature character %q in %q", ErrDecode, c, s)
}

// String renders the node back to its textual form.
func (t *Type) String() string {
	if t == nil {
		return "v"
	}
	if c, ok := kindChars[t.Kind]; ok {
		return c
	}
	switch t.Kind {
	case KindList:
		return "[" + t.Elem.String() + "]"
	case KindMap:
		return "{" + t.Key.String() + t.Value.String() + "}"
	case KindTuple:
		var sb strings.Builder
		sb.WriteByte('(')
		for _, m := range t.Members {
			sb.WriteString(m.String())
		}
		sb.WriteByte(')')
		return sb.String()
	}
	return "?"
}
