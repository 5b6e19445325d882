package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeCorrupt, "bad magic")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeCorrupt {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeCorrupt)
		}
		if err.Category != CategoryFilesystem {
			t.Errorf("Category = %v, want %v", err.Category, CategoryFilesystem)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct user-facing defaults", func(t *testing.T) {
		if !NewError(ErrCodeIOError, "read failed").UserFacing {
			t.Error("IOError should be user-facing by default")
		}
		if NewError(ErrCodeDoubleFree, "double free").UserFacing {
			t.Error("DoubleFree should not be user-facing by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeIOError, CategoryDevice},
		{ErrCodeBlockSize, CategoryDevice},
		{ErrCodeMountFailed, CategoryFilesystem},
		{ErrCodeInodeNotFound, CategoryFilesystem},
		{ErrCodeCorrupt, CategoryFilesystem},
		{ErrCodeOutOfMemory, CategoryResource},
		{ErrCodeDoubleFree, CategoryResource},
		{ErrCodeInvalidState, CategoryState},
		{ErrCodeAlreadyRegistered, CategoryState},
		{ErrCodeNotRegistered, CategoryState},
		{ErrCodeComponentStopped, CategoryState},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeIOError, "cannot read superblock").
		WithComponent("babyfs").
		WithOperation("fill_super")

	if got, want := err.Error(), "[babyfs:fill_super] DEVICE_IO: cannot read superblock"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err.WithCause(fmt.Errorf("short read"))
	if !strings.HasSuffix(err.Error(), "cannot read superblock: short read") {
		t.Errorf("Error() should include cause, got %q", err.Error())
	}

	s := err.String()
	for _, part := range []string{"Code=DEVICE_IO", "Component=babyfs", "Operation=fill_super", `Cause="short read"`} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}
}

func TestErrorsIsAndHasCode(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrCodeInodeNotFound, "no root inode")
	wrapped := fmt.Errorf("mount: %w", NewError(ErrCodeMountFailed, "mount failed").WithCause(inner))

	if !errors.Is(wrapped, &BabyFSError{Code: ErrCodeInodeNotFound}) {
		t.Error("errors.Is should find the inner code through the chain")
	}
	if !HasCode(wrapped, ErrCodeMountFailed) {
		t.Error("HasCode should find the outer code")
	}
	if HasCode(wrapped, ErrCodeCorrupt) {
		t.Error("HasCode should not match an absent code")
	}
	if HasCode(nil, ErrCodeCorrupt) {
		t.Error("HasCode(nil) should be false")
	}
	if got := CodeOf(wrapped); got != ErrCodeMountFailed {
		t.Errorf("CodeOf = %v, want %v", got, ErrCodeMountFailed)
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeInternalError {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrCodeInternalError)
	}
	if errors.Unwrap(NewError(ErrCodeIOError, "x").WithCause(inner)) != inner {
		t.Error("Unwrap should return the cause")
	}
}

func TestBuilders(t *testing.T) {
	t.Parallel()

	err := Newf(ErrCodeOutOfMemory, "pool %s exhausted", "babyfs_inode").
		WithContext("device", "/dev/loop0").
		WithDetail("max_objects", 64).
		WithStack()

	if err.Message != "pool babyfs_inode exhausted" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Context["device"] != "/dev/loop0" {
		t.Errorf("Context[device] = %q", err.Context["device"])
	}
	if err.Details["max_objects"] != 64 {
		t.Errorf("Details[max_objects] = %v", err.Details["max_objects"])
	}
	if err.Stack == "" {
		t.Error("WithStack should capture a stack")
	}

	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("json.Marshal: %v", jerr)
	}
	if !strings.Contains(string(data), `"code":"OUT_OF_MEMORY"`) {
		t.Errorf("JSON missing code: %s", data)
	}
}

func TestUserFacingMessage(t *testing.T) {
	t.Parallel()

	if got := NewError(ErrCodeCorrupt, "magic 0x0").UserFacingMessage(); got != "Filesystem is corrupt or not babyfs" {
		t.Errorf("UserFacingMessage = %q", got)
	}
	if got := NewError(ErrCodeDoubleFree, "slot 3").UserFacingMessage(); got != "An internal error occurred." {
		t.Errorf("UserFacingMessage for internal = %q", got)
	}
	if rec := NewError(ErrCodeOutOfMemory, "").GetRecommendation(); !strings.Contains(rec, "max_objects") {
		t.Errorf("GetRecommendation = %q", rec)
	}
}
