// panic_recovery_test.go: panic recovery tests for stages and background work
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"strings"
	"testing"
	"time"
)

// TestPanicRecovery_WithStackRecover tests basic panic recovery with logging
func TestPanicRecovery_WithStackRecover(t *testing.T) {
	logger := NewTestLogger()
	func() {
		defer withStackRecover(logger)()
		panic("test panic message")
	}()

	msgs := logger.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 log message, got %d", len(msgs))
	}
	if msgs[0].Level != "ERROR" || msgs[0].Message != "Panic recovered in goroutine" {
		t.Errorf("Unexpected message %+v", msgs[0])
	}
	if len(msgs[0].Args) < 4 || msgs[0].Args[1] != "test panic message" {
		t.Fatalf("Expected panic value in args, got %v", msgs[0].Args)
	}
	stack, _ := msgs[0].Args[3].(string)
	if !strings.Contains(stack, "goroutine") {
		t.Errorf("Expected a stack trace, got %q", stack)
	}
}

// TestPanicRecovery_NoPanic checks that nothing is logged without a panic.
func TestPanicRecovery_NoPanic(t *testing.T) {
	logger := NewTestLogger()
	safeCall(logger, func() {})
	if len(logger.Messages()) != 0 {
		t.Errorf("Expected no messages, got %v", logger.Messages())
	}
}

// TestPanicRecovery_RecoverStage covers the stage wrapper.
func TestPanicRecovery_RecoverStage(t *testing.T) {
	logger := NewTestLogger()
	run := func() (ok bool) {
		defer recoverStage(logger, "webview", StageResources, &ok)
		panic("resource table corrupt")
	}
	if run() {
		t.Fatal("Expected a panicking stage to report failure")
	}
	msgs := logger.Messages()
	if len(msgs) != 1 || msgs[0].Message != "Module stage panicked" {
		t.Fatalf("Expected a stage panic message, got %v", msgs)
	}
	var found bool
	for i := 0; i+1 < len(msgs[0].Args); i += 2 {
		if msgs[0].Args[i] == "error" && HasErrorCode(msgs[0].Args[i+1].(error), ErrCodeStagePanic) {
			found = true
		}
	}
	if !found {
		t.Error("Expected the stage panic error in the log args")
	}

	ok := func() (ok bool) {
		defer recoverStage(logger, "webview", StageCode, &ok)
		return true
	}()
	if !ok {
		t.Error("Expected a clean stage to keep its result")
	}
}

// TestPanicRecovery_SafeGo covers background goroutines.
func TestPanicRecovery_SafeGo(t *testing.T) {
	logger := NewTestLogger()
	done := make(chan struct{})
	SafeGo(logger, func() {
		defer close(done)
		panic("background failure")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected the goroutine to finish")
	}
	if !waitFor(t, time.Second, func() bool {
		return logger.HasMessage("ERROR", "Panic recovered in goroutine")
	}) {
		t.Error("Expected the background panic to be logged")
	}
}
