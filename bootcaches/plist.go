// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package bootcaches

import (
	"encoding/xml"
	"io"

	"github.com/pkg/errors"
)

// ErrPlistRoot is returned when a descriptor's root element is not a <dict>.
var ErrPlistRoot = errors.New("bootcaches: plist root is not a dictionary")

// decodePlist parses the minimal subset of the Apple XML property list
// format this descriptor format uses: a <plist> wrapping one <dict> of
// <key>/value pairs, where a value is a <string>, <true/>, <false/>, an
// <array> of such values, or a nested <dict>. No plist library exists anywhere in the reference
// corpus for this spec's domain (see DESIGN.md); this is a small
// stdlib-only encoding/xml token walk, not a general plist implementation.
func decodePlist(r io.Reader) (map[string]interface{}, error) {
	dec := xml.NewDecoder(r)

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "bootcaches: reading plist")
		}
		if se, ok := tok.(xml.StartElement); ok {
			switch se.Name.Local {
			case "plist":
				continue
			case "dict":
				return decodeDict(dec)
			default:
				return nil, errors.Wrapf(ErrPlistRoot, "found <%s>", se.Name.Local)
			}
		}
	}
}

// decodeDict consumes a <dict>...</dict> body (the opening tag already
// read) and returns its key/value pairs.
func decodeDict(dec *xml.Decoder) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	var pendingKey string
	haveKey := false

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "bootcaches: reading dict")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "key" {
				text, err := readCharData(dec)
				if err != nil {
					return nil, err
				}
				pendingKey = text
				haveKey = true
				continue
			}
			if !haveKey {
				return nil, errors.New("bootcaches: plist value without a preceding key")
			}
			value, err := decodeValue(dec, t)
			if err != nil {
				return nil, err
			}
			result[pendingKey] = value
			haveKey = false
		case xml.EndElement:
			if t.Name.Local == "dict" {
				return result, nil
			}
		}
	}
}

// decodeValue decodes the element opened by start (already consumed as a
// StartElement) into a string, bool, []interface{}, or
// map[string]interface{}.
func decodeValue(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	switch start.Name.Local {
	case "string":
		return readCharData(dec)
	case "true":
		if err := skipToEnd(dec, start.Name.Local); err != nil {
			return nil, err
		}
		return true, nil
	case "false":
		if err := skipToEnd(dec, start.Name.Local); err != nil {
			return nil, err
		}
		return false, nil
	case "dict":
		return decodeDict(dec)
	case "array":
		return decodeArray(dec)
	default:
		return nil, errors.Errorf("bootcaches: unsupported plist value type <%s>", start.Name.Local)
	}
}

func decodeArray(dec *xml.Decoder) ([]interface{}, error) {
	var result []interface{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "bootcaches: reading array")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeValue(dec, t)
			if err != nil {
				return nil, err
			}
			result = append(result, v)
		case xml.EndElement:
			if t.Name.Local == "array" {
				return result, nil
			}
		}
	}
}

// readCharData reads character data up to the matching end element
// (assumes no nested elements, true for <string> and <key>).
func readCharData(dec *xml.Decoder) (string, error) {
	var text string
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", errors.Wrap(err, "bootcaches: reading character data")
		}
		switch t := tok.(type) {
		case xml.CharData:
			text += string(t)
		case xml.EndElement:
			return text, nil
		}
	}
}

func skipToEnd(dec *xml.Decoder, name string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return errors.Wrap(err, "bootcaches: skipping element")
		}
		if end, ok := tok.(xml.EndElement); ok && end.Name.Local == name {
			return nil
		}
	}
}

// asString / asStringArray / asDict narrow a decoded plist value, returning
// ok=false (not an error) when absent or of the wrong shape -- callers
// decide whether that's acceptable.
func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asStringArray(v interface{}) ([]string, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func asDict(v interface{}) (map[string]interface{}, bool) {
	d, ok := v.(map[string]interface{})
	return d, ok
}
