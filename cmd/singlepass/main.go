package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/machine/emu"
	"github.com/tetratelabs/singlepass/internal/machine/x64"
	"github.com/tetratelabs/singlepass/internal/singlepass"
	"github.com/tetratelabs/singlepass/internal/wasm"
	"github.com/tetratelabs/singlepass/internal/wasm/binary"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut io.Writer, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "compile":
		doCompile(flag.Args()[1:], stdOut, stdErr, exit)
	case "run":
		doRun(flag.Args()[1:], stdOut, stdErr, exit)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

// codegenFlags are the code generation options shared by every command.
type codegenFlags struct {
	conv     *string
	nanCanon *bool
	verbose  *bool
}

func registerCodegenFlags(flags *flag.FlagSet) *codegenFlags {
	return &codegenFlags{
		conv:     flags.String("conv", "systemv", "calling convention of generated code: systemv or fastcall"),
		nanCanon: flags.Bool("nancanon", true, "canonicalize NaNs observable outside of arithmetic"),
		verbose:  flags.Bool("v", false, "log code generation to stderr"),
	}
}

func (f *codegenFlags) config(stdErr io.Writer) (*singlepass.Config, error) {
	cfg := singlepass.NewConfig().WithNaNCanonicalization(*f.nanCanon)
	switch *f.conv {
	case "systemv":
		cfg = cfg.WithCallingConvention(machine.CallingConventionSystemV)
	case "fastcall":
		cfg = cfg.WithCallingConvention(machine.CallingConventionWindowsFastcall)
	default:
		return nil, fmt.Errorf("invalid calling convention: %s", *f.conv)
	}
	if *f.verbose {
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(stdErr), zap.DebugLevel)
		cfg = cfg.WithLogger(zap.New(core))
	}
	return cfg, nil
}

func newEmuMachine() machine.Machine { return emu.NewMachine() }

func newX64Machine() machine.Machine {
	m, err := x64.NewMachine()
	if err != nil {
		// The builder only fails for unknown architectures.
		panic(err)
	}
	return m
}

func doCompile(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("compile", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	target := flags.String("machine", "x64", "target machine: x64 or emu")
	disasm := flags.Bool("disasm", false, "print the generated code of the emu machine")
	parallelism := flags.Int("j", 4, "number of functions compiled concurrently")
	codegen := registerCodegenFlags(flags)

	_ = flags.Parse(args)

	if help {
		printCompileUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing path to wasm file")
		printCompileUsage(stdErr, flags)
		exit(1)
	}

	var newMachine func() machine.Machine
	switch *target {
	case "x64":
		newMachine = newX64Machine
	case "emu":
		newMachine = newEmuMachine
	default:
		fmt.Fprintf(stdErr, "invalid machine: %s\n", *target)
		exit(1)
	}
	if *disasm && *target != "emu" {
		fmt.Fprintln(stdErr, "disasm is only supported by the emu machine")
		exit(1)
	}

	cfg, err := codegen.config(stdErr)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		exit(1)
	}

	m := readModule(flags.Arg(0), stdErr, exit)
	compiled, err := singlepass.CompileModule(context.Background(), m.Info, m.Codes, newMachine, cfg.WithParallelism(*parallelism))
	if err != nil {
		fmt.Fprintf(stdErr, "error compiling wasm binary: %v\n", err)
		exit(1)
	}

	for i, imp := range importedFunctions(m) {
		fmt.Fprintf(stdOut, "trampoline[%d] %s.%s: %d bytes\n", i, imp.Module, imp.Name, len(compiled.CustomSections[i].Bytes))
	}
	for i, f := range compiled.Functions {
		idx := m.Info.ImportedFunctionCount + uint32(i)
		ft, _ := m.Info.FunctionType(idx)
		fmt.Fprintf(stdOut, "func[%d] %s: %d bytes, %d relocations, %d traps\n",
			idx, ft.String(), len(f.Body), len(f.Relocations), len(f.FrameInfo.Traps))
		if *disasm {
			text, err := emu.Disassemble(f.Body)
			if err != nil {
				fmt.Fprintf(stdErr, "error disassembling func[%d]: %v\n", idx, err)
				exit(1)
			}
			fmt.Fprint(stdOut, text)
		}
	}
	exit(0)
}

func doRun(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	stepLimit := flags.Int("steps", 0, "maximum number of emulated instructions per call, 0 for the default")
	codegen := registerCodegenFlags(flags)

	_ = flags.Parse(args)

	if help {
		printRunUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 2 {
		fmt.Fprintln(stdErr, "missing path to wasm file or function name")
		printRunUsage(stdErr, flags)
		exit(1)
	}
	funcName := flags.Arg(1)
	funcArgs := flags.Args()[2:]
	if len(funcArgs) > 0 && funcArgs[0] == "--" {
		funcArgs = funcArgs[1:]
	}

	cfg, err := codegen.config(stdErr)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		exit(1)
	}

	m := readModule(flags.Arg(0), stdErr, exit)
	idx, ok := m.ExportedFunction(funcName)
	if !ok {
		fmt.Fprintf(stdErr, "function %q is not exported\n", funcName)
		exit(1)
	}
	ft, _ := m.Info.FunctionType(idx)
	if len(funcArgs) != len(ft.Params) {
		fmt.Fprintf(stdErr, "function %q expects %d arguments, got %d\n", funcName, len(ft.Params), len(funcArgs))
		exit(1)
	}
	params := make([]uint64, len(funcArgs))
	for i, a := range funcArgs {
		if params[i], err = parseValue(ft.Params[i], a); err != nil {
			fmt.Fprintf(stdErr, "invalid argument %d: %v\n", i, err)
			exit(1)
		}
	}

	compiled, err := singlepass.CompileModule(context.Background(), m.Info, m.Codes, newEmuMachine, cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "error compiling wasm binary: %v\n", err)
		exit(1)
	}

	var hosts []emu.HostFunction
	for _, imp := range importedFunctions(m) {
		imp := imp
		hosts = append(hosts, func(*emu.Instance, []uint64) (uint64, error) {
			return 0, fmt.Errorf("import %s.%s is not available", imp.Module, imp.Name)
		})
	}
	in, err := emu.InstantiateModule(m, compiled, hosts, make([]uint64, m.Info.ImportedGlobalCount))
	if err != nil {
		fmt.Fprintf(stdErr, "error instantiating wasm binary: %v\n", err)
		exit(1)
	}
	if *stepLimit > 0 {
		in.SetStepLimit(*stepLimit)
	}

	results, err := in.Call(idx, params...)
	if err != nil {
		var trap *emu.TrapError
		if errors.As(err, &trap) {
			fmt.Fprintf(stdErr, "error running %s: %v (function %d, offset %#x)\n", funcName, err, trap.Function, trap.Offset)
		} else {
			fmt.Fprintf(stdErr, "error running %s: %v\n", funcName, err)
		}
		exit(1)
	}
	for i, r := range results {
		fmt.Fprintln(stdOut, formatValue(ft.Results[i], r))
	}
	exit(0)
}

func readModule(path string, stdErr io.Writer, exit func(code int)) *wasm.Module {
	bin, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading wasm binary: %v\n", err)
		exit(1)
	}
	m, err := binary.DecodeModule(bin)
	if err != nil {
		fmt.Fprintf(stdErr, "error decoding wasm binary: %v\n", err)
		exit(1)
	}
	return m
}

func importedFunctions(m *wasm.Module) (ret []*wasm.Import) {
	for _, imp := range m.Imports {
		if imp.Kind == wasm.ExportKindFunc {
			ret = append(ret, imp)
		}
	}
	return
}

// parseValue returns the raw bits of a value of type t written in decimal.
func parseValue(t wasm.ValueType, s string) (uint64, error) {
	switch t {
	case wasm.ValueTypeI32:
		if v, err := strconv.ParseInt(s, 10, 32); err == nil {
			return uint64(uint32(v)), nil
		}
		v, err := strconv.ParseUint(s, 10, 32)
		return v, err
	case wasm.ValueTypeI64:
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return uint64(v), nil
		}
		return strconv.ParseUint(s, 10, 64)
	case wasm.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		return uint64(math.Float32bits(float32(v))), err
	case wasm.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		return math.Float64bits(v), err
	}
	return 0, fmt.Errorf("unsupported parameter type %s", wasm.ValueTypeName(t))
}

func formatValue(t wasm.ValueType, v uint64) string {
	switch t {
	case wasm.ValueTypeI32:
		return strconv.FormatInt(int64(int32(v)), 10)
	case wasm.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case wasm.ValueTypeF32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v))), 'g', -1, 32)
	case wasm.ValueTypeF64:
		return strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64)
	}
	return fmt.Sprintf("%#x", v)
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "singlepass CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  singlepass <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  compile\tCompiles a WebAssembly binary and prints the size of each function")
	fmt.Fprintln(stdErr, "  run\t\tRuns an exported function of a WebAssembly binary on the emulator")
}

func printCompileUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "singlepass CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  singlepass compile <options> <path to wasm file>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}

func printRunUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "singlepass CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  singlepass run <options> <path to wasm file> <function> [--] <args>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
