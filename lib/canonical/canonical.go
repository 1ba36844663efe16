// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"
)

// maxCanonicalInt is the largest integer representable exactly in
// canonical JSON: 2^53 − 1. The same bound applies negated.
const maxCanonicalInt = 1<<53 - 1

// JSON encodes v as Matrix canonical JSON. v may be any combination
// of json.RawMessage, map[string]any, []any, string, json.Number,
// integer types, bool, and nil — the shapes produced by decoding
// JSON and by the pdu package's event envelopes. Structs are first
// round-tripped through encoding/json so their tags apply.
//
// Returns an error for floats, integers outside ±(2^53−1), invalid
// UTF-8, and malformed raw JSON.
func JSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buffer bytes.Buffer
	if err := writeValue(&buffer, normalized); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// normalize converts v into the tree shape writeValue understands:
// map[string]any, []any, string, json.Number, bool, nil. RawMessage
// and struct inputs are decoded with UseNumber so numeric precision
// survives the round trip.
func normalize(v any) (any, error) {
	switch value := v.(type) {
	case nil, bool, string, json.Number,
		map[string]any, []any,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return value, nil
	case json.RawMessage:
		return decodeRaw(value)
	case []byte:
		return decodeRaw(value)
	default:
		// Anything else (structs, typed maps) goes through its JSON
		// marshaller first so struct tags and TextMarshalers apply.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: marshalling %T: %w", v, err)
		}
		return decodeRaw(raw)
	}
}

func decodeRaw(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonical: invalid JSON: %w", err)
	}
	// Reject trailing garbage after the first value.
	if decoder.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return value, nil
}

func writeValue(buffer *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buffer.WriteString("null")
	case bool:
		if value {
			buffer.WriteString("true")
		} else {
			buffer.WriteString("false")
		}
	case string:
		return writeString(buffer, value)
	case json.Number:
		return writeNumber(buffer, value)
	case int:
		return writeInt(buffer, int64(value))
	case int8:
		return writeInt(buffer, int64(value))
	case int16:
		return writeInt(buffer, int64(value))
	case int32:
		return writeInt(buffer, int64(value))
	case int64:
		return writeInt(buffer, value)
	case uint:
		return writeUint(buffer, uint64(value))
	case uint8:
		return writeUint(buffer, uint64(value))
	case uint16:
		return writeUint(buffer, uint64(value))
	case uint32:
		return writeUint(buffer, uint64(value))
	case uint64:
		return writeUint(buffer, value)
	case []any:
		buffer.WriteByte('[')
		for i, element := range value {
			if i > 0 {
				buffer.WriteByte(',')
			}
			normalized, err := normalize(element)
			if err != nil {
				return err
			}
			if err := writeValue(buffer, normalized); err != nil {
				return err
			}
		}
		buffer.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		// Sort by code point. Matrix keys are UTF-8, and UTF-8 byte
		// order equals code point order, so plain string comparison
		// is correct.
		sort.Strings(keys)
		buffer.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buffer.WriteByte(',')
			}
			if err := writeString(buffer, key); err != nil {
				return err
			}
			buffer.WriteByte(':')
			normalized, err := normalize(value[key])
			if err != nil {
				return err
			}
			if err := writeValue(buffer, normalized); err != nil {
				return err
			}
		}
		buffer.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}

// writeNumber validates that a json.Number is an integer within the
// canonical range and writes it in its shortest decimal form. Floats
// are rejected outright: room versions 6 and later forbid them.
func writeNumber(buffer *bytes.Buffer, number json.Number) error {
	integer, err := strconv.ParseInt(number.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("canonical: number %q is not a plain integer", number)
	}
	return writeInt(buffer, integer)
}

func writeInt(buffer *bytes.Buffer, integer int64) error {
	if integer > maxCanonicalInt || integer < -maxCanonicalInt {
		return fmt.Errorf("canonical: integer %d outside ±(2^53−1)", integer)
	}
	buffer.WriteString(strconv.FormatInt(integer, 10))
	return nil
}

func writeUint(buffer *bytes.Buffer, integer uint64) error {
	if integer > maxCanonicalInt {
		return fmt.Errorf("canonical: integer %d outside ±(2^53−1)", integer)
	}
	buffer.WriteString(strconv.FormatUint(integer, 10))
	return nil
}

// writeString writes a JSON string with shortest-form escapes: the
// two-character escapes for quote, backslash, and the common control
// characters, \u00XX for remaining control characters, and literal
// UTF-8 for everything else. encoding/json is not usable here — it
// escapes <, >, & and U+2028/U+2029, which canonical JSON forbids.
func writeString(buffer *bytes.Buffer, s string) error {
	buffer.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return fmt.Errorf("canonical: string %q contains invalid UTF-8 at byte %d", s, i)
		}
		switch r {
		case '"':
			buffer.WriteString(`\"`)
		case '\\':
			buffer.WriteString(`\\`)
		case '\b':
			buffer.WriteString(`\b`)
		case '\f':
			buffer.WriteString(`\f`)
		case '\n':
			buffer.WriteString(`\n`)
		case '\r':
			buffer.WriteString(`\r`)
		case '\t':
			buffer.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buffer, `\u%04x`, r)
			} else {
				buffer.WriteRune(r)
			}
		}
		i += size
	}
	buffer.WriteByte('"')
	return nil
}
