package service

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidFormat        = errors.New("activation code format is invalid")
	ErrCodeNotFound         = errors.New("activation code not found")
	ErrCodeDisabled         = errors.New("activation code is disabled")
	ErrCodeExpired          = errors.New("activation code has expired")
	ErrUsageExceeded        = errors.New("activation code usage limit reached")
	ErrDeviceMismatch       = errors.New("activation code is bound to another device")
	ErrLocked               = errors.New("too many failed attempts, origin is locked")
	ErrUpstreamKeyExhausted = errors.New("no upstream API key is configured")
	ErrStorage              = errors.New("storage unavailable")

	ErrCodeExists        = errors.New("activation code already exists")
	ErrInvalidExpiry     = errors.New("expiry must be a YYYY-MM-DD date")
	ErrInvalidUsageLimit = errors.New("usage limit out of range")
	ErrInvalidDuration   = errors.New("duration days must not be negative")
	ErrInvalidEmail      = errors.New("customer email is invalid")
	ErrCodeGeneration    = errors.New("could not generate a unique activation code")
	ErrUpstreamFailed    = errors.New("upstream request failed")
)

// Stable machine-readable kinds reported to callers.
const (
	KindInvalidFormat        = "invalid_format"
	KindNotFound             = "not_found"
	KindDisabled             = "disabled"
	KindExpired              = "expired"
	KindUsageExceeded        = "usage_exceeded"
	KindDeviceMismatch       = "device_mismatch"
	KindLocked               = "locked"
	KindUpstreamKeyExhausted = "upstream_key_exhausted"
	KindStorage              = "storage_error"
	KindUpstreamFailed       = "upstream_failed"
	KindOK                   = "ok"
)

var kindByErr = []struct {
	err  error
	kind string
}{
	{ErrInvalidFormat, KindInvalidFormat},
	{ErrCodeNotFound, KindNotFound},
	{ErrCodeDisabled, KindDisabled},
	{ErrCodeExpired, KindExpired},
	{ErrUsageExceeded, KindUsageExceeded},
	{ErrDeviceMismatch, KindDeviceMismatch},
	{ErrLocked, KindLocked},
	{ErrUpstreamKeyExhausted, KindUpstreamKeyExhausted},
	{ErrStorage, KindStorage},
	{ErrUpstreamFailed, KindUpstreamFailed},
}

// ErrorKind maps err to its stable kind, "ok" for nil and "" when unknown.
func ErrorKind(err error) string {
	if err == nil {
		return KindOK
	}
	for _, k := range kindByErr {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// IsValidationFailure reports whether err is a fact about the presented code,
// as opposed to an infrastructure problem.
func IsValidationFailure(err error) bool {
	switch ErrorKind(err) {
	case KindInvalidFormat, KindNotFound, KindDisabled, KindExpired, KindUsageExceeded, KindDeviceMismatch:
		return true
	}
	return false
}

// LockedError is returned while an origin is locked out.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", ErrLocked.Error(), e.RetryAfterSeconds())
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// RetryAfterSeconds rounds up so callers never retry early.
func (e *LockedError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// StorageError wraps a persistence failure. Only failed reads are retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
