// Package util holds small helpers shared by the bus packages.
package util

import (
	"strings"
)

// CloneSlice returns a copy of src. A nil or empty src yields nil, so a
// cloned "no payload" compares equal to an absent one.
func CloneSlice[T any](src []T) []T {
	if len(src) == 0 {
		return nil
	}

	clone := make([]T, len(src))
	copy(clone, src)

	return clone
}

const hexDigits = "0123456789ABCDEF"

// HexBytes renders b as space separated upper-case hex pairs, e.g. "AA 55 04 00".
// It is used for wire dumps in debug logs.
func HexBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(hexDigits[v>>4])
		sb.WriteByte(hexDigits[v&0x0F])
	}

	return sb.String()
}
