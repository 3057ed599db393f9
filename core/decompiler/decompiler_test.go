package decompiler

import (
	"bytes"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompileDeterministic(t *testing.T) {
	config := testConfig()
	config.Inline = true
	config.PropagateConstants = true
	for _, code := range [][]byte{splitCode, callCode, joinCode, dispatchCode, memoryCode, selectorCode} {
		a := mustDecompile(t, code, config)
		b := mustDecompile(t, code, config)
		if diff := pretty.Compare(a.String(), b.String()); diff != "" {
			t.Errorf("listing differs between runs:\n%s", diff)
		}
		if diff := pretty.Compare(a.MethodInfos(), b.MethodInfos()); diff != "" {
			t.Errorf("methods differ between runs:\n%s", diff)
		}
	}
}

func TestDecompileCache(t *testing.T) {
	PurgeCache()
	defer PurgeCache()

	a := mustDecompile(t, callCode, nil)
	b := mustDecompile(t, callCode, nil)
	assert.Same(t, a, b)
	assert.Equal(t, 1, CacheLen())

	// a different configuration is a different entry
	config := DefaultConfig
	config.Inline = true
	c := mustDecompile(t, callCode, &config)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, CacheLen())

	// custom predicates bypass the cache
	config.ReturnPredicate = JumpNotAfterPush
	d := mustDecompile(t, callCode, &config)
	assert.NotSame(t, c, d)
	assert.Equal(t, 2, CacheLen())
}

func TestDecompileNilConfig(t *testing.T) {
	PurgeCache()
	defer PurgeCache()

	prog := mustDecompile(t, dispatchCode, nil)
	assert.True(t, prog.Fallback)
}

func TestDecompileFailures(t *testing.T) {
	for _, tc := range []struct {
		name string
		code []byte
		want error
	}{
		{"truncated push", []byte{0x60}, ErrMalformedBytecode},
		{"opaque jump", []byte{0x34, 0x56}, ErrAmbiguousControlFlow},
	} {
		t.Run(tc.name, func(t *testing.T) {
			prog, err := Decompile(tc.code, testConfig())
			require.Error(t, err)
			assert.Nil(t, prog)

			var derr *DecompileError
			require.ErrorAs(t, err, &derr)
			assert.Nil(t, derr.Fallback)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.want, FailureClass(err))
			assert.Contains(t, err.Error(), "not decompilable")
		})
	}
	assert.Nil(t, FailureClass(nil))
}

func TestDecompileErrorMessage(t *testing.T) {
	err := &DecompileError{Trusted: ErrAmbiguousControlFlow, Fallback: ErrMergeInconsistency}
	assert.Equal(t, "not decompilable: ambiguous control flow (fallback: merge inconsistency)", err.Error())
	assert.ErrorIs(t, err, ErrMergeInconsistency)
	assert.Equal(t, ErrAmbiguousControlFlow, FailureClass(err))
}

// Arbitrary input must never crash the front end.
func TestParseRandomBytecode(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 64)
	for i := 0; i < 500; i++ {
		var code []byte
		f.Fuzz(&code)
		require.NotPanics(t, func() {
			stream, err := ParseBytecode(code)
			if err != nil {
				assert.ErrorIs(t, err, ErrMalformedBytecode)
				return
			}
			var buf bytes.Buffer
			require.NoError(t, Disassemble(&buf, stream))
			if cfg, err := BuildControlFlowGraph(stream, 10000); err == nil {
				require.NoError(t, WriteDOT(&buf, cfg, "fuzz"))
			}
		}, "code %x", code)
	}
}

// Every program built from arbitrary input only reads defined variables.
func TestDecompileRandomBytecode(t *testing.T) {
	config := testConfig()
	config.Inline = true
	config.PropagateConstants = true
	config.MaxSteps = 10000
	f := fuzz.New().NilChance(0).NumElements(1, 96)
	for i := 0; i < 500; i++ {
		var code []byte
		f.Fuzz(&code)
		require.NotPanics(t, func() {
			prog, err := Decompile(code, config)
			if err != nil {
				assert.NotNil(t, FailureClass(err), "code %x: %v", code, err)
				return
			}
			for _, ins := range prog.Instructions() {
				for _, v := range ins.Inputs {
					assert.NotEmpty(t, prog.producers(ins, v), "code %x: %s reads %s", code, prog.Format(ins), varName(v))
				}
			}
			_ = prog.String()
		}, "code %x", code)
	}
}

func TestDebugLogsDoNotChangeResults(t *testing.T) {
	defer EnableDebugLogs(DebugLogsEnabled())

	EnableDebugLogs(false)
	quiet := mustDecompile(t, dispatchCode, testConfig())
	EnableDebugLogs(true)
	require.True(t, DebugLogsEnabled())
	loud := mustDecompile(t, dispatchCode, testConfig())
	assert.Equal(t, quiet.String(), loud.String())
}
