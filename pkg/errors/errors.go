// Package errors provides a structured error system for babyfs with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for babyfs operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Device Errors
	ErrCodeIOError         ErrorCode = "DEVICE_IO"
	ErrCodeBlockSize       ErrorCode = "DEVICE_BLOCK_SIZE"
	ErrCodeDeviceOpen      ErrorCode = "DEVICE_OPEN"
	ErrCodeDeviceReadOnly  ErrorCode = "DEVICE_READ_ONLY"
	ErrCodeBlockOutOfRange ErrorCode = "DEVICE_BLOCK_OUT_OF_RANGE"
	ErrCodeDeviceClosed    ErrorCode = "DEVICE_CLOSED"

	// Filesystem Errors
	ErrCodeMountFailed    ErrorCode = "MOUNT_FAILED"
	ErrCodeInodeNotFound  ErrorCode = "FS_INODE_NOT_FOUND"
	ErrCodeCorrupt        ErrorCode = "FS_CORRUPT"
	ErrCodeUnknownFSType  ErrorCode = "FS_UNKNOWN_TYPE"
	ErrCodeAlreadyMounted ErrorCode = "FS_ALREADY_MOUNTED"

	// Resource Management Errors
	ErrCodeOutOfMemory  ErrorCode = "OUT_OF_MEMORY"
	ErrCodeDoubleFree   ErrorCode = "RESOURCE_DOUBLE_FREE"
	ErrCodeResourceLeak ErrorCode = "RESOURCE_LEAK"

	// State Management Errors
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeAlreadyRegistered ErrorCode = "ALREADY_REGISTERED"
	ErrCodeNotRegistered     ErrorCode = "NOT_REGISTERED"
	ErrCodeComponentStopped  ErrorCode = "COMPONENT_STOPPED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryDevice        ErrorCategory = "device"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// BabyFSError represents a structured error with context and metadata.
type BabyFSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	UserFacing bool `json:"user_facing"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *BabyFSError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *BabyFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *BabyFSError) Is(target error) bool {
	if other, ok := target.(*BabyFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *BabyFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("BabyFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new babyfs error with default values.
func NewError(code ErrorCode, message string) *BabyFSError {
	return &BabyFSError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *BabyFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "DEVICE_"):
		return CategoryDevice
	case strings.HasPrefix(codeStr, "MOUNT_") || strings.HasPrefix(codeStr, "FS_"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "OUT_OF_") || strings.HasPrefix(codeStr, "RESOURCE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "INVALID_STATE") || strings.HasPrefix(codeStr, "ALREADY_") ||
		strings.HasPrefix(codeStr, "NOT_REGISTERED") || strings.HasPrefix(codeStr, "COMPONENT_"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:    true,
		ErrCodeConfigValidation: true,
		ErrCodeIOError:          true,
		ErrCodeBlockSize:        true,
		ErrCodeDeviceOpen:       true,
		ErrCodeMountFailed:      true,
		ErrCodeInodeNotFound:    true,
		ErrCodeCorrupt:          true,
		ErrCodeUnknownFSType:    true,
		ErrCodeAlreadyMounted:   true,
	}
	return userFacingCodes[code]
}

// CodeOf returns the code of the first BabyFSError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	var bfe *BabyFSError
	if stderrors.As(err, &bfe) {
		return bfe.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, &BabyFSError{Code: code})
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *BabyFSError) WithContext(key, value string) *BabyFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *BabyFSError) WithDetail(key string, value interface{}) *BabyFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *BabyFSError) WithComponent(component string) *BabyFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *BabyFSError) WithOperation(operation string) *BabyFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *BabyFSError) WithCause(cause error) *BabyFSError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *BabyFSError) WithStack() *BabyFSError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *BabyFSError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeIOError: "The block device could not be read or written. " +
			"Check that the image file or bucket object exists and is accessible.",
		ErrCodeBlockSize: "The device cannot serve the filesystem block size. " +
			"Use a device whose sector size is 4096 bytes or smaller.",
		ErrCodeCorrupt: "The superblock does not look like babyfs. " +
			"Format the device with `babyfs mkfs` or mount with skip_validation.",
		ErrCodeInodeNotFound: "The root inode is missing from the inode table. " +
			"The image is probably truncated or was not formatted.",
		ErrCodeOutOfMemory: "The inode pool is exhausted. " +
			"Raise pool.max_objects in the configuration.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeInvalidState: "The filesystem module is not in a state that allows this operation. " +
			"Make sure it is loaded before mounting.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *BabyFSError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred."
	}

	messages := map[ErrorCode]string{
		ErrCodeIOError:       "Device I/O error",
		ErrCodeBlockSize:     "Unsupported device block size",
		ErrCodeCorrupt:       "Filesystem is corrupt or not babyfs",
		ErrCodeInodeNotFound: "Inode not found",
		ErrCodeMountFailed:   "Failed to mount filesystem",
		ErrCodeInvalidConfig: "Invalid configuration",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}
