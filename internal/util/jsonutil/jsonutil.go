package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
)

var ErrNoJSON = errors.New("no json value found")

// Extract returns the JSON value inside a model reply. It accepts plain
// JSON, JSON wrapped in a markdown code fence, a JSON document encoded as
// a JSON string, and JSON surrounded by prose.
func Extract(raw []byte) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrNoJSON
	}
	if v, ok := valid(raw); ok {
		return v, nil
	}
	if inner, ok := unfence(raw); ok {
		if v, ok := valid(inner); ok {
			return v, nil
		}
		raw = inner
	}
	if span, ok := outermost(raw); ok {
		if v, ok := valid(span); ok {
			return v, nil
		}
	}
	return nil, ErrNoJSON
}

// UnmarshalFlex is json.Unmarshal over Extract.
func UnmarshalFlex(raw []byte, v any) error {
	doc, err := Extract(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, v)
}

// valid reports whether raw is an object or array, unwrapping up to two
// levels of string encoding.
func valid(raw []byte) (json.RawMessage, bool) {
	for i := 0; i < 3; i++ {
		if !json.Valid(raw) {
			return nil, false
		}
		switch raw[0] {
		case '{', '[':
			return json.RawMessage(raw), true
		case '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, false
			}
			raw = bytes.TrimSpace([]byte(s))
			if len(raw) == 0 {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return nil, false
}

func unfence(raw []byte) ([]byte, bool) {
	start := bytes.Index(raw, []byte("```"))
	if start < 0 {
		return nil, false
	}
	rest := raw[start+3:]
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := bytes.Index(rest, []byte("```"))
	if end < 0 {
		return bytes.TrimSpace(rest), true
	}
	return bytes.TrimSpace(rest[:end]), true
}

func outermost(raw []byte) ([]byte, bool) {
	open := bytes.IndexAny(raw, "{[")
	if open < 0 {
		return nil, false
	}
	closer := byte('}')
	if raw[open] == '[' {
		closer = ']'
	}
	end := bytes.LastIndexByte(raw, closer)
	if end <= open {
		return nil, false
	}
	return raw[open : end+1], true
}
