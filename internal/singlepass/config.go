package singlepass

import (
	"go.uber.org/zap"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// Config controls code generation, with the default implementation as NewConfig.
type Config struct {
	enableNaNCanonicalization bool
	enableStateTracking       bool
	callingConvention         machine.CallingConvention
	logger                    *zap.Logger
	invariantChecks           bool
	parallelism               int
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &Config{
	enableNaNCanonicalization: true,
	enableStateTracking:       true,
	callingConvention:         machine.CallingConventionSystemV,
	parallelism:               4,
}

// clone ensures all fields are copied even if nil.
func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// NewConfig returns the default configuration: NaN canonicalization and state tracking enabled,
// System V calling convention.
func NewConfig() *Config {
	return defaultConfig.clone()
}

// WithNaNCanonicalization toggles the canonicalization of NaNs observed by memory, locals,
// globals, calls and reinterpretations. It has no effect when the machine cannot canonicalize.
func (c *Config) WithNaNCanonicalization(enabled bool) *Config {
	ret := c.clone()
	ret.enableNaNCanonicalization = enabled
	return ret
}

// WithStateTracking toggles the recording of machine state diffs. When disabled every
// OffsetInfo.Diff is NoStateDiff.
func (c *Config) WithStateTracking(enabled bool) *Config {
	ret := c.clone()
	ret.enableStateTracking = enabled
	return ret
}

// WithCallingConvention sets the calling convention of generated functions and of the calls they make.
func (c *Config) WithCallingConvention(cc machine.CallingConvention) *Config {
	ret := c.clone()
	ret.callingConvention = cc
	return ret
}

// WithLogger sets the logger of code generation. Defaults to Logger if nil.
func (c *Config) WithLogger(l *zap.Logger) *Config {
	ret := c.clone()
	ret.logger = l
	return ret
}

// WithInvariantChecks toggles the verification of the operand stack, float stack and control
// frame bookkeeping after every operator. It slows down compilation and is meant for tests.
func (c *Config) WithInvariantChecks(enabled bool) *Config {
	ret := c.clone()
	ret.invariantChecks = enabled
	return ret
}

// WithParallelism sets how many functions CompileModule compiles concurrently. Values below one
// are treated as one.
func (c *Config) WithParallelism(n int) *Config {
	ret := c.clone()
	if n < 1 {
		n = 1
	}
	ret.parallelism = n
	return ret
}

// CallingConvention returns the configured calling convention.
func (c *Config) CallingConvention() machine.CallingConvention { return c.callingConvention }

func (c *Config) getLogger() *zap.Logger {
	if c.logger != nil {
		return c.logger
	}
	return Logger()
}
