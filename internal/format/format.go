// Package format models DRM pixel formats, modifiers and dma-buf format sets
package format

import (
	"fmt"
	"sort"
	"strings"
)

// Fourcc is a DRM pixel format code (drm_fourcc.h)
type Fourcc uint32

func fourcc(a, b, c, d byte) Fourcc {
	return Fourcc(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	XRGB8888 = fourcc('X', 'R', '2', '4')
	ARGB8888 = fourcc('A', 'R', '2', '4')
	XBGR8888 = fourcc('X', 'B', '2', '4')
	ABGR8888 = fourcc('A', 'B', '2', '4')
	RGB565   = fourcc('R', 'G', '1', '6')
)

func (f Fourcc) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	return strings.TrimRight(string(b), " \x00")
}

// Modifier is a DRM format modifier describing buffer tiling/compression
type Modifier uint64

const (
	ModifierLinear Modifier = 0
	// ModifierInvalid stands for "implicit modifier chosen by the driver"
	ModifierInvalid Modifier = 0x00ffffffffffffff
)

func (m Modifier) String() string {
	switch m {
	case ModifierLinear:
		return "linear"
	case ModifierInvalid:
		return "implicit"
	default:
		return fmt.Sprintf("0x%016x", uint64(m))
	}
}

// Format is one fourcc/modifier pair
type Format struct {
	Code     Fourcc
	Modifier Modifier
}

func (f Format) String() string {
	return f.Code.String() + ":" + f.Modifier.String()
}

// Set is an unordered set of formats
type Set map[Format]struct{}

// NewSet builds a set from the given formats
func NewSet(formats ...Format) Set {
	s := make(Set, len(formats))
	for _, f := range formats {
		s[f] = struct{}{}
	}
	return s
}

// Linear builds a set with the linear modifier for every code
func Linear(codes ...Fourcc) Set {
	s := make(Set, len(codes))
	for _, c := range codes {
		s[Format{Code: c, Modifier: ModifierLinear}] = struct{}{}
	}
	return s
}

func (s Set) Contains(f Format) bool {
	_, ok := s[f]
	return ok
}

func (s Set) Add(f Format) {
	s[f] = struct{}{}
}

// Union returns a new set holding the formats of both sets
func (s Set) Union(o Set) Set {
	out := make(Set, len(s)+len(o))
	for f := range s {
		out[f] = struct{}{}
	}
	for f := range o {
		out[f] = struct{}{}
	}
	return out
}

// Intersect returns a new set holding the formats present in both sets
func (s Set) Intersect(o Set) Set {
	out := make(Set)
	for f := range s {
		if _, ok := o[f]; ok {
			out[f] = struct{}{}
		}
	}
	return out
}

// Codes returns the distinct fourcc codes of the set
func (s Set) Codes() []Fourcc {
	seen := make(map[Fourcc]struct{})
	var codes []Fourcc
	for f := range s {
		if _, ok := seen[f.Code]; ok {
			continue
		}
		seen[f.Code] = struct{}{}
		codes = append(codes, f.Code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// HasCode reports whether any modifier of the given code is in the set
func (s Set) HasCode(code Fourcc) bool {
	for f := range s {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Sorted returns the set as a slice ordered by code, then modifier
func (s Set) Sorted() []Format {
	out := make([]Format, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Modifier < out[j].Modifier
	})
	return out
}
