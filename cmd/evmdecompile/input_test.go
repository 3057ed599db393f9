package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHexString(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []byte
		err  bool
	}{
		{"0x6000", []byte{0x60, 0x00}, false},
		{"6000", []byte{0x60, 0x00}, false},
		{"  0x60 00\r\n55\n", []byte{0x60, 0x00, 0x55}, false},
		{"0x600", nil, true},
		{"0xzz", nil, true},
	} {
		got, err := decodeHexString(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestLoadBytecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.hex")
	require.NoError(t, os.WriteFile(path, []byte("0x6000\n6000\nfd\n"), 0o644))

	code, err := loadBytecode("", path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x00, 0x60, 0x00, 0xfd}, code)

	_, err = loadBytecode("", filepath.Join(t.TempDir(), "missing.hex"))
	assert.Error(t, err)
}

func TestGraphFormat(t *testing.T) {
	assert.Equal(t, "dot", graphFormat("", ""))
	assert.Equal(t, "svg", graphFormat("", "out.SVG"))
	assert.Equal(t, "dot", graphFormat("dot", "out.svg"))
}
