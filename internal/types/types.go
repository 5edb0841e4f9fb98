// Package types provides core domain types and validation utilities for EcoFlowMon.
// This package defines fundamental types like SerialNumber, DeviceName and MetricName
// along with their validation logic and error definitions.
package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// SerialNumber is the vendor serial of an EcoFlow device. It is the stable
// identity of a device across polls.
type SerialNumber string

// DeviceName represents a human-readable product name for a device.
type DeviceName string

// MetricName represents a Prometheus metric name.
type MetricName string

var (
	// ErrInvalidSerialNumber is returned when a serial number is invalid.
	ErrInvalidSerialNumber = errors.New("invalid serial number")
	// ErrInvalidDeviceName is returned when a device name is invalid.
	ErrInvalidDeviceName = errors.New("invalid device name")
	// ErrInvalidMetricName is returned when a metric name is invalid.
	ErrInvalidMetricName = errors.New("invalid metric name")

	serialNumberRegex = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)
	metricNameRegex   = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

	invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_:]`)
	leadingDigits      = regexp.MustCompile(`^[0-9]+`)
	underscoreRuns     = regexp.MustCompile(`_+`)
)

// NewSerialNumber creates a new SerialNumber with validation.
func NewSerialNumber(sn string) (SerialNumber, error) {
	if sn == "" {
		return "", fmt.Errorf("%w: serial number cannot be empty", ErrInvalidSerialNumber)
	}
	if len(sn) > 64 {
		return "", fmt.Errorf("%w: serial number too long: %d characters", ErrInvalidSerialNumber, len(sn))
	}
	if !serialNumberRegex.MatchString(sn) {
		return "", fmt.Errorf("%w: invalid serial number format: %s", ErrInvalidSerialNumber, sn)
	}
	return SerialNumber(sn), nil
}

// IsValid checks if the SerialNumber is valid.
func (s SerialNumber) IsValid() bool {
	return len(s) > 0 && len(s) <= 64 && serialNumberRegex.MatchString(string(s))
}

func (s SerialNumber) String() string {
	return string(s)
}

// NewDeviceName creates a new DeviceName with validation. Product names such
// as "RIVER 2 Pro" contain spaces, so only control characters are rejected.
func NewDeviceName(name string) (DeviceName, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: device name cannot be empty", ErrInvalidDeviceName)
	}
	if len(name) > 253 {
		return "", fmt.Errorf("%w: device name too long: %d characters", ErrInvalidDeviceName, len(name))
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: device name contains control characters", ErrInvalidDeviceName)
	}
	return DeviceName(name), nil
}

// IsValid checks if the DeviceName meets validation requirements.
func (d DeviceName) IsValid() bool {
	return len(d) > 0 && len(d) <= 253 && strings.IndexFunc(string(d), unicode.IsControl) < 0
}

func (d DeviceName) String() string {
	return string(d)
}

// NewMetricName creates a new MetricName with validation.
func NewMetricName(name string) (MetricName, error) {
	if name == "" {
		return "", fmt.Errorf("%w: metric name cannot be empty", ErrInvalidMetricName)
	}
	if !metricNameRegex.MatchString(name) {
		return "", fmt.Errorf("%w: invalid metric name format: %s", ErrInvalidMetricName, name)
	}
	return MetricName(name), nil
}

// IsValid checks if the MetricName meets validation requirements.
func (m MetricName) IsValid() bool {
	return len(m) > 0 && metricNameRegex.MatchString(string(m))
}

func (m MetricName) String() string {
	return string(m)
}

// SanitizeMetricName maps an arbitrary string onto the exposition-safe
// charset: characters outside [A-Za-z0-9_:] become '_', a leading run of
// digits is dropped, runs of '_' collapse to one and a trailing '_' is
// removed. The result may be empty. SanitizeMetricName(SanitizeMetricName(x))
// equals SanitizeMetricName(x).
func SanitizeMetricName(name string) MetricName {
	s := invalidMetricChars.ReplaceAllString(name, "_")
	s = leadingDigits.ReplaceAllString(s, "")
	s = underscoreRuns.ReplaceAllString(s, "_")
	s = strings.TrimSuffix(s, "_")
	return MetricName(s)
}
