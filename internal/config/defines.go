// Package config parses the linker's command-line configuration: the
// -D name[=value] define mechanism (spec.md §6) that pre-seeds absolute
// global symbols before linking. Numeric literal parsing follows the
// same decimal/0x/$/% forms the cross-assembler itself accepts (see
// gmofishsauce-wut4/asm/lexer.go's parseNumber for the 0x-hex case this
// extends with the 65816-toolchain-flavored $ and % prefixes).
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Define is one parsed -D name[=value] entry. A bare "-D NAME" (no "=")
// defines NAME with value 1, matching the cross-assembler's own .equ
// shorthand for flag-style defines.
type Define struct {
	Name  string
	Value uint32
}

// ParseDefine parses one raw -D argument ("NAME" or "NAME=VALUE") into a
// Define. VALUE accepts decimal ("42"), 0x/0X-prefixed or $-prefixed hex
// ("0x2a", "$2a"), and %-prefixed binary ("%101010").
func ParseDefine(raw string) (Define, error) {
	name, value, hasValue := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return Define{}, fmt.Errorf("define %q: missing name", raw)
	}
	if !hasValue {
		return Define{Name: name, Value: 1}, nil
	}
	v, err := ParseNumber(value)
	if err != nil {
		return Define{}, fmt.Errorf("define %q: %w", raw, err)
	}
	return Define{Name: name, Value: v}, nil
}

// ParseNumber parses a single numeric literal in decimal, 0x/0X or $ hex,
// or % binary form into a uint32.
func ParseNumber(s string) (uint32, error) {
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err := strconv.ParseUint(s[2:], 16, 32)
		return uint32(v), err
	case strings.HasPrefix(s, "$"):
		v, err := strconv.ParseUint(s[1:], 16, 32)
		return uint32(v), err
	case strings.HasPrefix(s, "%"):
		v, err := strconv.ParseUint(s[1:], 2, 32)
		return uint32(v), err
	default:
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	}
}

// ParseDefines parses every raw -D argument in order, preserving
// first-to-last precedence when the same name repeats (last wins): a
// repeated name keeps the position of its first occurrence and takes the
// value of its last.
func ParseDefines(raws []string) ([]Define, error) {
	defs := make([]Define, 0, len(raws))
	index := map[string]int{}
	for _, raw := range raws {
		d, err := ParseDefine(raw)
		if err != nil {
			return nil, err
		}
		if i, ok := index[d.Name]; ok {
			defs[i].Value = d.Value
			continue
		}
		index[d.Name] = len(defs)
		defs = append(defs, d)
	}
	return defs, nil
}
