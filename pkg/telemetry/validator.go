// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import "fmt"

// AnomalyType represents different types of point anomalies
type AnomalyType int

const (
	AnomalyCellVoltage AnomalyType = iota
	AnomalyTemperature
	AnomalyCurrent
	AnomalyBalance
	AnomalyNoCells
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyCellVoltage:
		return "cell-voltage"
	case AnomalyTemperature:
		return "temperature"
	case AnomalyCurrent:
		return "current"
	case AnomalyBalance:
		return "balance"
	case AnomalyNoCells:
		return "no-cells"
	default:
		return "unknown"
	}
}

// ValidationError represents an implausible value in a decoded point.
// Anomalies are reported, the point itself is kept.
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePoint checks a point against plausibility limits
// Returns a slice of validation errors (empty if the point is plausible)
func ValidatePoint(p Point, lim Limits) []ValidationError {
	errors := []ValidationError{}

	lo, hi, n := p.CellRange()
	if n == 0 && p.Voltage > 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyNoCells,
			Message: fmt.Sprintf("Pack voltage %d mV with no cell connected", p.Voltage),
			Details: map[string]interface{}{"voltage": p.Voltage},
		})
	}
	if n > 0 && (hi > lim.MaxCellMv || lo < lim.MinCellMv) {
		errors = append(errors, ValidationError{
			Type:    AnomalyCellVoltage,
			Message: fmt.Sprintf("Cell voltage out of range: %d..%d mV (limits %d..%d)", lo, hi, lim.MinCellMv, lim.MaxCellMv),
			Details: map[string]interface{}{"min": lo, "max": hi},
		})
	}

	for _, t := range []struct {
		name  string
		value float64
	}{{"internal", p.InternalTemp}, {"external", p.ExternalTemp}} {
		if t.value < lim.MinTempC || t.value > lim.MaxTempC {
			errors = append(errors, ValidationError{
				Type:    AnomalyTemperature,
				Message: fmt.Sprintf("Invalid %s temperature %.1f°C (limits %.0f..%.0f)", t.name, t.value, lim.MinTempC, lim.MaxTempC),
				Details: map[string]interface{}{"sensor": t.name, "temperature": t.value},
			})
		}
	}

	if p.Current > lim.MaxCurrentMa || p.Current < -lim.MaxCurrentMa {
		errors = append(errors, ValidationError{
			Type:    AnomalyCurrent,
			Message: fmt.Sprintf("Current %d mA exceeds %d mA", p.Current, lim.MaxCurrentMa),
			Details: map[string]interface{}{"current": p.Current},
		})
	}

	if p.Balance > lim.MaxBalanceMv {
		errors = append(errors, ValidationError{
			Type:    AnomalyBalance,
			Message: fmt.Sprintf("Cell imbalance %d mV exceeds %d mV", p.Balance, lim.MaxBalanceMv),
			Details: map[string]interface{}{"balance": p.Balance},
		})
	}

	return errors
}
