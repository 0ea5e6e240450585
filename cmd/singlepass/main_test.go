package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func section(id byte, contents ...byte) []byte {
	return append([]byte{id, byte(len(contents))}, contents...)
}

// testWasm exports "add" (i32, i32) -> i32 and "trap" () -> (), which hits unreachable.
var testWasm = bytes.Join([][]byte{
	{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
	section(1, 2, 0x60, 2, 0x7f, 0x7f, 1, 0x7f, 0x60, 0, 0),
	section(3, 2, 0, 1),
	section(7, 2, 3, 'a', 'd', 'd', 0, 0, 4, 't', 'r', 'a', 'p', 0, 1),
	section(10, 2,
		7, 0, 0x20, 0, 0x20, 1, 0x6a, 0x0b,
		3, 0, 0x00, 0x0b),
}, nil)

func writeTestWasm(t *testing.T) string {
	wasmPath := filepath.Join(t.TempDir(), "test.wasm")
	require.NoError(t, os.WriteFile(wasmPath, testWasm, 0o600))
	return wasmPath
}

func TestRun(t *testing.T) {
	wasmPath := writeTestWasm(t)

	tests := []struct {
		name   string
		args   []string
		stdOut string
	}{
		{name: "add", args: []string{"run", wasmPath, "add", "40", "2"}, stdOut: "42\n"},
		{name: "negative", args: []string{"run", wasmPath, "add", "--", "-1", "3"}, stdOut: "2\n"},
		{name: "wraps", args: []string{"run", wasmPath, "add", "4294967295", "1"}, stdOut: "0\n"},
		{name: "fastcall", args: []string{"run", "-conv=fastcall", wasmPath, "add", "1", "2"}, stdOut: "3\n"},
	}

	for _, tc := range tests {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			exitCode, stdOut, stdErr := runMain(t, tt.args)
			require.Equal(t, 0, exitCode, stdErr)
			require.Equal(t, tt.stdOut, stdOut)
		})
	}
}

func TestCompile(t *testing.T) {
	wasmPath := writeTestWasm(t)

	for _, target := range []string{"emu", "x64"} {
		target := target
		t.Run(target, func(t *testing.T) {
			exitCode, stdOut, stdErr := runMain(t, []string{"compile", "-machine=" + target, wasmPath})
			require.Equal(t, 0, exitCode, stdErr)
			require.Contains(t, stdOut, "func[0] i32i32_i32: ")
			require.Contains(t, stdOut, "func[1] null_null: ")
		})
	}

	t.Run("disasm", func(t *testing.T) {
		exitCode, stdOut, stdErr := runMain(t, []string{"compile", "-machine=emu", "-disasm", wasmPath})
		require.Equal(t, 0, exitCode, stdErr)
		require.True(t, len(stdOut) > len("func[0] i32i32_i32: "))
	})

	t.Run("verbose", func(t *testing.T) {
		exitCode, _, _ := runMain(t, []string{"compile", "-machine=emu", "-v", wasmPath})
		require.Equal(t, 0, exitCode)
	})
}

func TestHelp(t *testing.T) {
	exitCode, _, stdErr := runMain(t, []string{"-h"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdErr, "singlepass CLI\n\nUsage:")
}

func TestErrors(t *testing.T) {
	wasmPath := writeTestWasm(t)
	notWasmPath := filepath.Join(t.TempDir(), "bears.wasm")
	require.NoError(t, os.WriteFile(notWasmPath, []byte("pooh"), 0o600))

	tests := []struct {
		message string
		args    []string
	}{
		{message: "invalid command", args: []string{"jump"}},
		{message: "missing path to wasm file", args: []string{"compile"}},
		{message: "missing path to wasm file or function name", args: []string{"run", wasmPath}},
		{message: "error reading wasm binary", args: []string{"compile", "non-existent.wasm"}},
		{message: "error decoding wasm binary: invalid magic number", args: []string{"compile", notWasmPath}},
		{message: "invalid machine: arm64", args: []string{"compile", "-machine=arm64", wasmPath}},
		{message: "disasm is only supported by the emu machine", args: []string{"compile", "-disasm", wasmPath}},
		{message: "invalid calling convention: cdecl", args: []string{"run", "-conv=cdecl", wasmPath, "add"}},
		{message: `function "sub" is not exported`, args: []string{"run", wasmPath, "sub"}},
		{message: `function "add" expects 2 arguments, got 1`, args: []string{"run", wasmPath, "add", "1"}},
		{message: "invalid argument 1", args: []string{"run", wasmPath, "add", "1", "one"}},
		{message: "error running trap: wasm trap: unreachable", args: []string{"run", wasmPath, "trap"}},
	}

	for _, tc := range tests {
		tt := tc
		t.Run(tt.message, func(t *testing.T) {
			exitCode, _, stdErr := runMain(t, tt.args)

			require.Equal(t, 1, exitCode)
			require.Contains(t, stdErr, tt.message)
		})
	}
}

func runMain(t *testing.T, args []string) (int, string, string) {
	t.Helper()
	oldArgs := os.Args
	t.Cleanup(func() {
		os.Args = oldArgs
	})
	os.Args = append([]string{"singlepass"}, args...)

	var exitCode int
	stdOut := &bytes.Buffer{}
	stdErr := &bytes.Buffer{}
	var exited bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				exited = true
			}
		}()
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		doMain(stdOut, stdErr, func(code int) {
			exitCode = code
			panic(code)
		})
	}()

	require.True(t, exited)

	return exitCode, stdOut.String(), stdErr.String()
}
