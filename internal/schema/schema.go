/*
 *
 * Copyright 2025 pylabhub authors.
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
 *
 */

// Package schema derives a canonical structural description (BLDS) of
// a record type and a content hash over it. Two processes may attach
// to the same channel only if their compiled types hash identically.
//
// The description is a deterministic text form listing, per field:
// path, kind tag, byte offset and byte size, recursing into nested
// structs and fixed-size arrays. It contains no pointer values and no
// padding bytes, so the hash is reproducible across builds and
// platforms of the same word size.
package schema

import (
	"crypto/sha256"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// HashSize is the byte length of a schema hash.
const HashSize = sha256.Size

// Hash is a schema content hash.
type Hash [HashSize]byte

// String returns the hash in hex form.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// kindTag returns the canonical tag for a reflect kind. Tags are part
// of the cross-process contract; never renumber or rename them.
func kindTag(k reflect.Kind) (string, bool) {
	switch k {
	case reflect.Bool:
		return "bool", true
	case reflect.Int8:
		return "i8", true
	case reflect.Int16:
		return "i16", true
	case reflect.Int32:
		return "i32", true
	case reflect.Int64:
		return "i64", true
	case reflect.Uint8:
		return "u8", true
	case reflect.Uint16:
		return "u16", true
	case reflect.Uint32:
		return "u32", true
	case reflect.Uint64:
		return "u64", true
	case reflect.Float32:
		return "f32", true
	case reflect.Float64:
		return "f64", true
	case reflect.Complex64:
		return "c64", true
	case reflect.Complex128:
		return "c128", true
	default:
		return "", false
	}
}

// variableKindTag returns the tag for kinds permitted only in flex-zone
// descriptions, where the payload travels in serialized form and has no
// fixed in-memory layout.
func variableKindTag(k reflect.Kind) (string, bool) {
	switch k {
	case reflect.String:
		return "str", true
	case reflect.Slice:
		return "seq", true
	case reflect.Map:
		return "map", true
	default:
		return "", false
	}
}

// DescribeFixed derives the canonical description of a fixed-layout
// record type. The type must be a struct composed of scalar fields,
// nested fixed-layout structs and fixed-size arrays thereof. Types
// containing pointers, strings, slices, maps, interfaces or channels
// are rejected: they have no stable cross-process byte layout.
func DescribeFixed(t reflect.Type) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "blds/1 fixed size=%d align=%d\n", t.Size(), t.Align())
	if err := describeFixedInto(&b, t, "", 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

func describeFixedInto(b *strings.Builder, t reflect.Type, path string, base uintptr) error {
	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			p := f.Name
			if path != "" {
				p = path + "." + f.Name
			}
			if err := describeFixedInto(b, f.Type, p, base+f.Offset); err != nil {
				return err
			}
		}
		return nil
	case reflect.Array:
		elem := t.Elem()
		// A fixed-size buffer is described once with its element shape
		// and length; identical element layouts repeated n times.
		fmt.Fprintf(b, "%s array len=%d off=%d size=%d\n", path, t.Len(), base, t.Size())
		return describeFixedInto(b, elem, path+"[]", base)
	default:
		tag, ok := kindTag(t.Kind())
		if !ok {
			return fmt.Errorf("field %q: kind %s has no fixed cross-process layout", path, t.Kind())
		}
		fmt.Fprintf(b, "%s %s off=%d size=%d\n", path, tag, base, t.Size())
		return nil
	}
}

// DescribeFlex derives the canonical description of a flex-zone record
// type. Flex payloads are serialized, so variable-size kinds (strings,
// slices, maps) are permitted; offsets and sizes are structural, not
// byte-exact.
func DescribeFlex(t reflect.Type) (string, error) {
	var b strings.Builder
	b.WriteString("blds/1 flex\n")
	if err := describeFlexInto(&b, t, ""); err != nil {
		return "", err
	}
	return b.String(), nil
}

func describeFlexInto(b *strings.Builder, t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			p := f.Name
			if path != "" {
				p = path + "." + f.Name
			}
			if err := describeFlexInto(b, f.Type, p); err != nil {
				return err
			}
		}
		return nil
	case reflect.Array:
		fmt.Fprintf(b, "%s array len=%d\n", path, t.Len())
		return describeFlexInto(b, t.Elem(), path+"[]")
	case reflect.Slice:
		fmt.Fprintf(b, "%s seq\n", path)
		return describeFlexInto(b, t.Elem(), path+"[]")
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return fmt.Errorf("field %q: map keys must be strings", path)
		}
		fmt.Fprintf(b, "%s map\n", path)
		return describeFlexInto(b, t.Elem(), path+"{}")
	default:
		if tag, ok := kindTag(t.Kind()); ok {
			fmt.Fprintf(b, "%s %s size=%d\n", path, tag, t.Size())
			return nil
		}
		if tag, ok := variableKindTag(t.Kind()); ok {
			fmt.Fprintf(b, "%s %s\n", path, tag)
			return nil
		}
		return fmt.Errorf("field %q: kind %s is not serializable", path, t.Kind())
	}
}

// HashOf hashes a canonical description.
func HashOf(desc string) Hash {
	return sha256.Sum256([]byte(desc))
}

// HashFixed is DescribeFixed followed by HashOf.
func HashFixed(t reflect.Type) (Hash, error) {
	desc, err := DescribeFixed(t)
	if err != nil {
		return Hash{}, err
	}
	return HashOf(desc), nil
}

// HashFlex is DescribeFlex followed by HashOf.
func HashFlex(t reflect.Type) (Hash, error) {
	desc, err := DescribeFlex(t)
	if err != nil {
		return Hash{}, err
	}
	return HashOf(desc), nil
}

// Version is a semantic schema version packed into 32 bits as
// major<<24 | minor<<16 | patch.
type Version uint32

// PackVersion packs a semantic version. Values are masked to their
// field widths (8/8/16 bits).
func PackVersion(major, minor uint8, patch uint16) Version {
	return Version(uint32(major)<<24 | uint32(minor)<<16 | uint32(patch))
}

// Major returns the major component.
func (v Version) Major() uint8 { return uint8(v >> 24) }

// Minor returns the minor component.
func (v Version) Minor() uint8 { return uint8(v >> 16) }

// Patch returns the patch component.
func (v Version) Patch() uint16 { return uint16(v) }

// String returns the dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// Compatible reports whether a consumer compiled against cv can attach
// to a channel declaring pv: identical major, consumer minor not newer
// than producer minor.
func Compatible(pv, cv Version) bool {
	if pv.Major() != cv.Major() {
		return false
	}
	return cv.Minor() <= pv.Minor()
}

// FieldNames lists the top-level field paths of a description, sorted.
// Diagnostic output only.
func FieldNames(desc string) []string {
	seen := map[string]bool{}
	for _, line := range strings.Split(desc, "\n") {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 || strings.HasPrefix(parts[0], "blds/") || parts[0] == "" {
			continue
		}
		top := strings.SplitN(parts[0], ".", 2)[0]
		top = strings.SplitN(top, "[", 2)[0]
		seen[top] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
