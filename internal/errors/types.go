// Package errors provides error types and handling utilities for EcoFlowMon.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	ErrNotReady           = errors.New("collector not initialized")
	ErrKeyCollision       = errors.New("flattened parameter key collision")
	ErrLabelShapeMismatch = errors.New("label names differ from registered gauge")
)

// ConfigurationError represents an error in configuration validation.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("configuration error in field %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error in field %s (value: %s): %s", e.Field, e.Value, e.Reason)
}

// TransportError is a network-level failure: the request never produced an
// HTTP response (dial, DNS, timeout, cancelled context).
type TransportError struct {
	Endpoint   string
	Underlying error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Endpoint, e.Underlying)
}

func (e TransportError) Unwrap() error {
	return e.Underlying
}

// APIError is a protocol-level failure: the server answered, but not with
// HTTP 200 and the success code.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
	Timestamp  time.Time
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error on %s (status %d, code %s): %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
}

// IsRetryable reports whether a later attempt might succeed. Nothing in the
// core retries; the hint only feeds logs.
func (e APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}

// NewAPIError creates a new API error with the provided details.
func NewAPIError(endpoint string, statusCode int, code, message string) *APIError {
	return &APIError{
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
	}
}

// InitializationError means the device directory could not be fetched at
// startup. It is fatal for the process.
type InitializationError struct {
	Underlying error
}

func (e InitializationError) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Underlying)
}

func (e InitializationError) Unwrap() error {
	return e.Underlying
}

// CollectionError represents a failed quota fetch for one device in one
// collection cycle.
type CollectionError struct {
	SN         string
	DeviceName string
	Underlying error
}

func (e CollectionError) Error() string {
	return fmt.Sprintf("device %s (%s): %v", e.DeviceName, e.SN, e.Underlying)
}

func (e CollectionError) Unwrap() error {
	return e.Underlying
}

// IsTransport reports whether err wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAPI reports whether err wraps an *APIError.
func IsAPI(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
