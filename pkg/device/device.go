// Package device provides types and utilities for EcoFlow device representation.
package device

import (
	"github.com/tbuchboeck/EcoFlowMon/internal/types"
)

// Device is one entry of the account's device directory. The roster is
// fetched once at startup and never mutated afterwards.
type Device struct {
	SN     types.SerialNumber `json:"sn"`
	Name   types.DeviceName   `json:"name"`
	Online bool               `json:"online"`
}

// OnlineLabel renders the online flag the way it appears in metric labels.
func (d Device) OnlineLabel() string {
	if d.Online {
		return "1"
	}
	return "0"
}

// OnlineValue renders the online flag as a gauge value.
func (d Device) OnlineValue() float64 {
	if d.Online {
		return 1
	}
	return 0
}

// Validate checks if the device has valid required fields.
func (d Device) Validate() error {
	if !d.SN.IsValid() {
		return types.ErrInvalidSerialNumber
	}
	if !d.Name.IsValid() {
		return types.ErrInvalidDeviceName
	}
	return nil
}
