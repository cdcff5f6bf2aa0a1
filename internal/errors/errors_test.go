package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewUsesRegistryDefaults(t *testing.T) {
	err := New(CodeNotFound, "")
	if err.Message() != "resource not found" {
		t.Fatalf("expected registry default message, got %q", err.Message())
	}
	if err.Code() != CodeNotFound {
		t.Fatalf("unexpected code: %s", err.Code())
	}

	custom := New(CodeNotFound, "task t1 missing")
	if custom.Message() != "task t1 missing" {
		t.Fatalf("custom message lost: %q", custom.Message())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeConnectionFailure, cause, "缓存存储不可达")

	if !stdErrors.Is(err, New(CodeConnectionFailure, "")) {
		t.Fatal("errors.Is should match on code")
	}
	if stdErrors.Unwrap(err) != cause {
		t.Fatal("unwrap should return the cause")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("cause missing from message: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "CONNECTION_FAILURE") {
		t.Fatalf("code missing from message: %s", err.Error())
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(New(CodeLockConflict, "")) != CodeLockConflict {
		t.Fatal("CodeOf lost the code")
	}
	// 包裹在外层错误中也能取到。
	wrapped := fmt.Errorf("调用失败: %w", New(CodeTimeout, ""))
	if CodeOf(wrapped) != CodeTimeout {
		t.Fatal("CodeOf should see through fmt wrapping")
	}
	if CodeOf(fmt.Errorf("plain")) != CodeUnknown {
		t.Fatal("plain errors map to UNKNOWN")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatal("nil maps to UNKNOWN")
	}
}

func TestMetadata(t *testing.T) {
	err := New(CodeLockConflict, "文件已被锁定",
		WithMetadata("owner", "T1"),
		WithMetadata("path", "calc.py"),
	)
	meta := err.Metadata()
	if meta["owner"] != "T1" || meta["path"] != "calc.py" {
		t.Fatalf("unexpected metadata: %v", meta)
	}

	// 返回的是副本，修改不影响原错误。
	meta["owner"] = "T2"
	if err.Metadata()["owner"] != "T1" {
		t.Fatal("metadata must not be mutable from outside")
	}

	if New(CodeValidation, "").Metadata() != nil {
		t.Fatal("expected nil metadata when none attached")
	}
}

func TestRegistryAttributes(t *testing.T) {
	if !RetryableError(New(CodeStorageFailure, "")) {
		t.Fatal("storage failures are retryable")
	}
	if RetryableError(New(CodeValidation, "")) {
		t.Fatal("validation errors are not retryable")
	}
	if !ShouldAlert(New(CodeQueueFailure, "")) {
		t.Fatal("queue failures alert")
	}
	if ShouldAlert(New(CodeLockConflict, "")) {
		t.Fatal("lock conflicts do not alert")
	}
	if SeverityOf(New(CodeConnectionFailure, "")) != SeverityCritical {
		t.Fatal("connection failures are critical")
	}
	if SeverityOf(fmt.Errorf("plain")) != SeverityInfo {
		t.Fatal("plain errors default to info severity")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "REPLAY_REJECTED"
	Register(code, Attributes{
		Message:  "replayed request rejected",
		Severity: SeverityWarning,
	})

	err := New(code, "")
	if err.Message() != "replayed request rejected" {
		t.Fatalf("registered default not applied: %q", err.Message())
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}

	if AttributesOf("NEVER_REGISTERED").Message != "unknown error" {
		t.Fatal("unregistered codes fall back to UNKNOWN attributes")
	}
}
