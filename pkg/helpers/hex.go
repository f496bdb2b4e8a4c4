// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
// Surrounding whitespace is ignored.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// HexToFixed decodes a hex string that must decode to exactly size bytes.
func HexToFixed(s string, size int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}

// BytesToHex converts bytes to a lowercase hex string without prefix.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// ShortHex returns the first n hex characters of b, for log lines.
func ShortHex(b []byte, n int) string {
	s := hex.EncodeToString(b)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
