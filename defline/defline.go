// Copyright 2026 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package defline renders FASTA/FASTQ deflines from small substitution
// templates. A template mixes literal text with $-tokens:
//
//	$ac accession   $si spot row id   $ri read id (1-based)
//	$sn spot name   $sg spot group    $rl read length
//
// For example "@$ac.$si/$ri $sn length=$rl".
package defline

import (
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	gunsafe "github.com/grailbio/base/unsafe"
)

type tokenKind int

const (
	tokLiteral tokenKind = iota
	tokAccession
	tokSpotID
	tokReadID
	tokSpotName
	tokSpotGroup
	tokReadLen
)

var tokenNames = map[string]tokenKind{
	"ac": tokAccession,
	"si": tokSpotID,
	"ri": tokReadID,
	"sn": tokSpotName,
	"sg": tokSpotGroup,
	"rl": tokReadLen,
}

type part struct {
	kind tokenKind
	lit  string
}

// Template is a parsed defline template. Templates are immutable and safe
// for concurrent use.
type Template struct {
	parts []part
	src   string
}

// Parse compiles a template. leader is the required first non-whitespace
// character: '@' or '>' for sequence deflines, '+' for quality deflines.
func Parse(src string, leader byte) (*Template, error) {
	trimmed := strings.TrimLeft(src, " \t")
	if len(trimmed) == 0 || trimmed[0] != leader {
		return nil, errors.E(errors.Invalid,
			"defline template must start with "+string(leader)+": "+src)
	}
	t := &Template{src: src}
	lit := strings.Builder{}
	for i := 0; i < len(src); {
		if src[i] == '$' && i+3 <= len(src) {
			if kind, ok := tokenNames[src[i+1:i+3]]; ok {
				if lit.Len() > 0 {
					t.parts = append(t.parts, part{kind: tokLiteral, lit: lit.String()})
					lit.Reset()
				}
				t.parts = append(t.parts, part{kind: kind})
				i += 3
				continue
			}
		}
		lit.WriteByte(src[i])
		i++
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, part{kind: tokLiteral, lit: lit.String()})
	}
	return t, nil
}

// String returns the template source.
func (t *Template) String() string { return t.src }

// UsesSpotGroup reports whether the template references $sg, so callers can
// skip reading the spot-group column when it is never printed.
func (t *Template) UsesSpotGroup() bool {
	for _, p := range t.parts {
		if p.kind == tokSpotGroup {
			return true
		}
	}
	return false
}

// UsesSpotName reports whether the template references $sn.
func (t *Template) UsesSpotName() bool {
	for _, p := range t.parts {
		if p.kind == tokSpotName {
			return true
		}
	}
	return false
}

// Fields is the value bundle a template renders against.
type Fields struct {
	Accession   string
	SpotID      uint64
	ReadID      uint32
	Name        string
	SpotGroup   string
	ReadLen     int
	RowIDAsName bool
}

// Render appends the rendered defline (no trailing newline) to dst and
// returns the extended slice.
func (t *Template) Render(dst []byte, f *Fields) []byte {
	for _, p := range t.parts {
		switch p.kind {
		case tokLiteral:
			dst = append(dst, gunsafe.StringToBytes(p.lit)...)
		case tokAccession:
			dst = append(dst, f.Accession...)
		case tokSpotID:
			dst = strconv.AppendUint(dst, f.SpotID, 10)
		case tokReadID:
			dst = strconv.AppendUint(dst, uint64(f.ReadID), 10)
		case tokSpotName:
			if f.RowIDAsName || f.Name == "" {
				dst = strconv.AppendUint(dst, f.SpotID, 10)
			} else {
				dst = append(dst, f.Name...)
			}
		case tokSpotGroup:
			dst = append(dst, f.SpotGroup...)
		case tokReadLen:
			dst = strconv.AppendInt(dst, int64(f.ReadLen), 10)
		}
	}
	return dst
}

func digits(n uint64) int {
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}

// EstimateLen predicts the average rendered length, replacing each token
// with its expected expansion. Used by the preflight disk-space check.
func (t *Template) EstimateLen(accession string, maxSpotID uint64, avgNameLen, avgSpotGroupLen, avgReadLen int) int {
	n := 0
	for _, p := range t.parts {
		switch p.kind {
		case tokLiteral:
			n += len(p.lit)
		case tokAccession:
			n += len(accession)
		case tokSpotID:
			n += digits(maxSpotID)
		case tokReadID:
			n++
		case tokSpotName:
			n += avgNameLen
		case tokSpotGroup:
			n += avgSpotGroupLen
		case tokReadLen:
			n += digits(uint64(avgReadLen))
		}
	}
	return n
}
