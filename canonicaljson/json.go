/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package canonicaljson produces the canonical JSON encoding used as the
// signed byte string for Matrix objects: object keys sorted, no
// insignificant whitespace and the smallest possible string escapes.
// https://spec.matrix.org/v1.9/appendices/#canonical-json
package canonicaljson

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible. Objects are encoded in sorted key order.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !json.Valid(input) {
		return nil, fmt.Errorf("invalid json")
	}
	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid is the same as CanonicalJSON, but assumes the
// input is valid JSON.
func CanonicalJSONAssumeValid(input []byte) []byte {
	input = CompactJSON(input, make([]byte, 0, len(input)))
	return SortJSON(input, make([]byte, 0, len(input)))
}

// SortJSON reorders the members of all the objects in the JSON so that the
// keys are in lexicographic order. The JSON is written to the output slice,
// which is returned.
func SortJSON(input, output []byte) []byte {
	return sortJSONValue(gjson.ParseBytes(input), output)
}

func sortJSONValue(input gjson.Result, output []byte) []byte {
	if input.IsArray() {
		return sortJSONArray(input, output)
	}
	if input.IsObject() {
		return sortJSONObject(input, output)
	}
	// Numbers, strings, booleans and null are written unchanged.
	return append(output, input.Raw...)
}

func sortJSONArray(input gjson.Result, output []byte) []byte {
	sep := byte('[')
	input.ForEach(func(_, value gjson.Result) bool {
		output = append(output, sep)
		sep = ','
		output = sortJSONValue(value, output)
		return true
	})
	if sep == '[' {
		output = append(output, sep)
	}
	return append(output, ']')
}

type jsonEntry struct {
	key      string
	rawKey   string
	rawValue gjson.Result
}

func sortJSONObject(input gjson.Result, output []byte) []byte {
	var entries []jsonEntry
	input.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, jsonEntry{
			key:      key.Str,
			rawKey:   key.Raw,
			rawValue: value,
		})
		return true
	})
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].key < entries[b].key
	})
	sep := byte('{')
	for _, entry := range entries {
		output = append(output, sep)
		sep = ','
		output = append(output, entry.rawKey...)
		output = append(output, ':')
		output = sortJSONValue(entry.rawValue, output)
	}
	if sep == '{' {
		output = append(output, sep)
	}
	return append(output, '}')
}

// CompactJSON makes the encoded JSON as small as possible by removing
// whitespace and unneeded unicode escapes. The JSON is written to the output
// slice, which is returned.
func CompactJSON(input, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		// Skip insignificant whitespace.
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		output = append(output, c)
		// Strings need their escapes rewritten, everything else passes
		// through as-is.
		if c == '"' {
			i, output = compactStringBody(input, i, output)
		}
	}
	return output
}

// compactStringBody reads a JSON string body starting just after the opening
// quote, resolving every escape sequence and re-escaping only what canonical
// JSON requires. It returns the index just past the closing quote.
func compactStringBody(input []byte, i int, output []byte) (int, []byte) {
	for i < len(input) {
		c := input[i]
		i++
		if c == '"' {
			return i, append(output, '"')
		}
		if c != '\\' || i >= len(input) {
			output = append(output, c)
			continue
		}
		escape := input[i]
		i++
		switch escape {
		case 'b':
			output = appendStringRune(output, '\b')
		case 'f':
			output = appendStringRune(output, '\f')
		case 'n':
			output = appendStringRune(output, '\n')
		case 'r':
			output = appendStringRune(output, '\r')
		case 't':
			output = appendStringRune(output, '\t')
		case '"', '\\', '/':
			output = appendStringRune(output, rune(escape))
		case 'u':
			i, output = compactUnicodeEscape(input, i, output)
		default:
			// Not valid JSON, pass the escape through untouched.
			output = append(output, '\\', escape)
		}
	}
	return i, output
}

// compactUnicodeEscape reads a \uXXXX escape (and the second half of a
// surrogate pair if there is one) starting just after the "\u" and writes
// the character it denotes to the output.
func compactUnicodeEscape(input []byte, i int, output []byte) (int, []byte) {
	if len(input)-i < 4 {
		return len(input), output
	}
	c := rune(readHexDigits(input[i:]))
	i += 4
	if utf16.IsSurrogate(c) {
		combined := utf8.RuneError
		if len(input)-i >= 6 && input[i] == '\\' && input[i+1] == 'u' {
			c2 := rune(readHexDigits(input[i+2:]))
			if combined = utf16.DecodeRune(c, c2); combined != utf8.RuneError {
				i += 6
			}
		}
		c = combined
	}
	return i, appendStringRune(output, c)
}

const hexDigits = "0123456789ABCDEF"

// appendStringRune writes a single character of a JSON string body to the
// output, escaping it if canonical JSON requires an escape.
func appendStringRune(output []byte, c rune) []byte {
	switch c {
	case '"':
		return append(output, '\\', '"')
	case '\\':
		return append(output, '\\', '\\')
	case '\b':
		return append(output, '\\', 'b')
	case '\f':
		return append(output, '\\', 'f')
	case '\n':
		return append(output, '\\', 'n')
	case '\r':
		return append(output, '\\', 'r')
	case '\t':
		return append(output, '\\', 't')
	}
	if c < 0x20 {
		return append(output, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF])
	}
	return utf8.AppendRune(output, c)
}

// readHexDigits decodes a 4 character hex string like "1A2B" into an integer.
func readHexDigits(input []byte) (value uint32) {
	for i := 0; i < 4; i++ {
		c := input[i]
		value <<= 4
		switch {
		case c >= '0' && c <= '9':
			value |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			value |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			value |= uint32(c-'A') + 10
		}
	}
	return
}
