package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

func loadBytecode(hexArg, fileArg string) ([]byte, error) {
	if hexArg != "" {
		return decodeHexString(hexArg)
	}
	data, err := os.ReadFile(fileArg)
	if err != nil {
		return nil, err
	}
	return decodeHexString(string(data))
}

// decodeHexString accepts hex with an optional 0x prefix and any whitespace.
func decodeHexString(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		return nil, fmt.Errorf("hex string has odd length: %d", len(s))
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return data, nil
}
