// Package moremath holds floating point helpers whose behavior matches the
// WebAssembly numeric semantics rather than Go's math package.
package moremath

import "math"

const (
	// F32CanonicalNaNBits is the bit pattern of the canonical 32-bit NaN.
	F32CanonicalNaNBits = uint32(0x7fc0_0000)
	// F64CanonicalNaNBits is the bit pattern of the canonical 64-bit NaN.
	F64CanonicalNaNBits = uint64(0x7ff8_0000_0000_0000)
)

// F32CanonicalNaN returns the canonical 32-bit NaN.
func F32CanonicalNaN() float32 { return math.Float32frombits(F32CanonicalNaNBits) }

// F64CanonicalNaN returns the canonical 64-bit NaN. Note that math.NaN is not canonical.
func F64CanonicalNaN() float64 { return math.Float64frombits(F64CanonicalNaNBits) }

// WasmCompatMin is math.Min modified so that either NaN input results in the
// canonical NaN even if the other is -Inf.
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L74-L91
func WasmCompatMin(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return F64CanonicalNaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return x
		}
		return y
	}
	if x < y {
		return x
	}
	return y
}

// WasmCompatMax is math.Max modified so that either NaN input results in the
// canonical NaN even if the other is +Inf.
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L42-L59
func WasmCompatMax(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return F64CanonicalNaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	}
	if x > y {
		return x
	}
	return y
}

// WasmCompatMin32 is WasmCompatMin for 32-bit floats.
func WasmCompatMin32(x, y float32) float32 {
	if x != x || y != y {
		return F32CanonicalNaN()
	}
	return float32(WasmCompatMin(float64(x), float64(y)))
}

// WasmCompatMax32 is WasmCompatMax for 32-bit floats.
func WasmCompatMax32(x, y float32) float32 {
	if x != x || y != y {
		return F32CanonicalNaN()
	}
	return float32(WasmCompatMax(float64(x), float64(y)))
}

// WasmCompatNearestF32 is the "nearest" operator: round half to even, keeping the sign of zero.
func WasmCompatNearestF32(f float32) float32 {
	return float32(math.RoundToEven(float64(f)))
}

// WasmCompatNearestF64 is the "nearest" operator: round half to even, keeping the sign of zero.
func WasmCompatNearestF64(f float64) float64 {
	return math.RoundToEven(f)
}
