// panic_recovery.go: panic recovery for stage execution and background work
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"runtime"
)

const stackBufferSize = 64 << 10

func captureStack() string {
	buf := make([]byte, stackBufferSize)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// withStackRecover returns a deferred function that logs a recovered
// panic with its stack trace.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", captureStack())
		}
	}
}

// recoverStage converts a panic raised while running a stage into a
// failed result. It must be deferred directly by the stage function.
func recoverStage(logger Logger, module string, stage Stage, ok *bool) {
	if r := recover(); r != nil {
		err := NewStagePanicError(module, stage, r)
		logger.Error("Module stage panicked",
			"module", module,
			"stage", stage.String(),
			"error", err,
			"stack", captureStack())
		*ok = false
	}
}

// SafeGo runs fn in a new goroutine; a panic is logged instead of
// crashing the host.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// safeCall runs fn on the current goroutine with the same protection.
func safeCall(logger Logger, fn func()) {
	defer withStackRecover(logger)()
	fn()
}
