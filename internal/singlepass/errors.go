package singlepass

import "fmt"

// CodegenError is returned when the code generator finds its own bookkeeping inconsistent or
// meets an operator it does not implement. Compilation of the function cannot continue.
type CodegenError struct {
	Message string
}

func (e *CodegenError) Error() string {
	return "codegen error: " + e.Message
}

func codegenErrorf(format string, args ...interface{}) *CodegenError {
	return &CodegenError{Message: fmt.Sprintf(format, args...)}
}
