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
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// VolumeUUIDKey is the well-known boot-configuration-plist key the staging
// step inserts the host volume's UUID under (spec.md §4.1 step 2).
const VolumeUUIDKey = "BootVolumeUUID"

// EncodeBootConfigWithVolUUID reads the boot configuration plist at src and
// returns it re-encoded with volUUID inserted under VolumeUUIDKey. Unlike
// every other RPS path, BootConfig is never byte-copied (spec.md §4.1 step
// 2) -- callers write the returned bytes through their own destination
// (helperupdate writes it through a safepath-scoped descriptor).
func EncodeBootConfigWithVolUUID(src, volUUID string) ([]byte, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, errors.Wrapf(err, "bootcaches: opening boot config %s", src)
	}
	dict, err := decodePlist(in)
	in.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "bootcaches: parsing boot config %s", src)
	}

	dict[VolumeUUIDKey] = volUUID

	var buf bytes.Buffer
	if err := encodePlist(&buf, dict); err != nil {
		return nil, errors.Wrap(err, "bootcaches: encoding mutated boot config")
	}
	return buf.Bytes(), nil
}

// RewriteBootConfig is EncodeBootConfigWithVolUUID followed by a plain write
// to dst, for callers outside a safepath scope (e.g. tests).
func RewriteBootConfig(src, dst, volUUID string) error {
	b, err := EncodeBootConfigWithVolUUID(src, volUUID)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}

// encodePlist writes dict as a minimal Apple XML property list, the
// counterpart to decodePlist. Key order is sorted for determinism. Only
// strings, booleans, arrays and dictionaries are supported; other scalar
// types (integers, reals, dates, data) are rejected, matching what
// decodeValue accepts.
func encodePlist(w *bytes.Buffer, dict map[string]interface{}) error {
	w.WriteString(xmlHeader)
	w.WriteString("<plist version=\"1.0\">\n")
	if err := encodeDict(w, dict, 0); err != nil {
		return err
	}
	w.WriteString("</plist>\n")
	return nil
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>
`

func encodeDict(w *bytes.Buffer, dict map[string]interface{}, indent int) error {
	pad := indentStr(indent)
	writeLine(w, indent, "<dict>")
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeLine(w, indent+1, fmt.Sprintf("<key>%s</key>", escape(k)))
		if err := encodeValue(w, dict[k], indent+1); err != nil {
			return err
		}
	}
	w.WriteString(pad)
	w.WriteString("</dict>\n")
	return nil
}

func encodeValue(w *bytes.Buffer, v interface{}, indent int) error {
	switch val := v.(type) {
	case string:
		writeLine(w, indent, fmt.Sprintf("<string>%s</string>", escape(val)))
	case bool:
		if val {
			writeLine(w, indent, "<true/>")
		} else {
			writeLine(w, indent, "<false/>")
		}
	case []string:
		writeLine(w, indent, "<array>")
		for _, s := range val {
			writeLine(w, indent+1, fmt.Sprintf("<string>%s</string>", escape(s)))
		}
		writeLine(w, indent, "</array>")
	case []interface{}:
		writeLine(w, indent, "<array>")
		for _, e := range val {
			if err := encodeValue(w, e, indent+1); err != nil {
				return err
			}
		}
		writeLine(w, indent, "</array>")
	case map[string]interface{}:
		return encodeDict(w, val, indent)
	default:
		return errors.Errorf("bootcaches: unsupported plist value type %T", v)
	}
	return nil
}

func writeLine(w *bytes.Buffer, indent int, s string) {
	w.WriteString(indentStr(indent))
	w.WriteString(s)
	w.WriteString("\n")
}

func indentStr(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = '\t'
	}
	return string(out)
}

func escape(s string) string {
	var buf bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		default:
			buf.WriteRune(r)
		}
	}
	return buf.String()
}
