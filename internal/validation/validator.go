// Package validation checks decoded battery readings for plausibility
// before they replace a previous value.
package validation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelBasic ValidationLevel = iota
	ValidationLevelStandard
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Field names known to the default rule table.
const (
	FieldSoC         = "soc"
	FieldVoltage     = "voltage"
	FieldCellVoltage = "cell_voltage"
	FieldTemperature = "temperature"
	FieldCurrent     = "current"
)

// Severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError describes one rejected value.
type ValidationError struct {
	Type     string
	Severity string
	Message  string
	Field    string
	Value    float64
	Context  map[string]interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult collects the outcome of validating several fields.
type ValidationResult struct {
	Valid    bool
	Errors   []*ValidationError
	Warnings []*ValidationError
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return "Valid"
	}

	var parts []string
	if !vr.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(vr.Errors)))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}
	return strings.Join(parts, ", ")
}

// RangeRule accepts values of Field within [Min, Max].
type RangeRule struct {
	Name        string
	Description string
	Field       string
	Unit        string
	Min         float64
	Max         float64
	Level       ValidationLevel
	Severity    string
}

func (r *RangeRule) check(value float64, context map[string]interface{}) *ValidationError {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{
			Type:     "data_type",
			Severity: SeverityError,
			Message:  "value is not a finite number",
			Field:    r.Field,
			Value:    value,
			Context:  context,
		}
	}
	if value < r.Min || value > r.Max {
		return &ValidationError{
			Type:     "data_integrity",
			Severity: r.Severity,
			Message:  fmt.Sprintf("implausible value %.2f%s, expected %.2f..%.2f", value, r.Unit, r.Min, r.Max),
			Field:    r.Field,
			Value:    value,
			Context:  context,
		}
	}
	return nil
}

// DefaultRules is the plausibility table used by NewPlausibilityValidator.
// The voltage ceiling is that of low voltage packs.
func DefaultRules() []*RangeRule {
	return []*RangeRule{
		{
			Name:        "soc_range",
			Description: "State of charge is a percentage",
			Field:       FieldSoC,
			Unit:        " %",
			Min:         0,
			Max:         100,
			Level:       ValidationLevelBasic,
			Severity:    SeverityError,
		},
		{
			Name:        "voltage_range",
			Description: "Pack voltage of a low voltage battery",
			Field:       FieldVoltage,
			Unit:        " V",
			Min:         0,
			Max:         65,
			Level:       ValidationLevelBasic,
			Severity:    SeverityError,
		},
		{
			Name:        "cell_voltage_range",
			Description: "Single cell voltage",
			Field:       FieldCellVoltage,
			Unit:        " V",
			Min:         0,
			Max:         5,
			Level:       ValidationLevelStandard,
			Severity:    SeverityError,
		},
		{
			Name:        "temperature_range",
			Description: "Cell or MOSFET temperature",
			Field:       FieldTemperature,
			Unit:        " °C",
			Min:         -40,
			Max:         100,
			Level:       ValidationLevelStandard,
			Severity:    SeverityError,
		},
		{
			Name:        "current_range",
			Description: "Pack current in either direction",
			Field:       FieldCurrent,
			Unit:        " A",
			Min:         -1000,
			Max:         1000,
			Level:       ValidationLevelStrict,
			Severity:    SeverityWarning,
		},
	}
}

// PlausibilityValidator checks single readings against a rule table.
// It is safe for concurrent use.
type PlausibilityValidator struct {
	mu     sync.Mutex
	level  ValidationLevel
	rules  map[string][]*RangeRule
	logger zerolog.Logger

	// Statistics
	validationsPerformed int64
	errorsFound          int64
	warningsFound        int64
	rejectedByField      map[string]int64
}

// NewPlausibilityValidator creates a validator with the default rules.
func NewPlausibilityValidator(level ValidationLevel, logger zerolog.Logger) *PlausibilityValidator {
	v := &PlausibilityValidator{
		level:           level,
		rules:           make(map[string][]*RangeRule),
		logger:          logger.With().Str("component", "validator").Logger(),
		rejectedByField: make(map[string]int64),
	}
	for _, r := range DefaultRules() {
		v.rules[r.Field] = append(v.rules[r.Field], r)
	}
	return v
}

// Check validates one value. Fields without a rule always pass. Only
// errors are returned; warnings are counted and logged.
func (v *PlausibilityValidator) Check(field string, value float64) *ValidationError {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.validationsPerformed++
	for _, rule := range v.rules[field] {
		if rule.Level > v.level {
			continue
		}
		err := rule.check(value, map[string]interface{}{"rule": rule.Name})
		if err == nil {
			continue
		}
		if err.Severity == SeverityWarning {
			v.warningsFound++
			v.logger.Debug().Str("field", field).Float64("value", value).Str("rule", rule.Name).Msg(err.Message)
			continue
		}
		v.errorsFound++
		v.rejectedByField[field]++
		return err
	}
	return nil
}

// ValidateFields checks every field of a reading set.
func (v *PlausibilityValidator) ValidateFields(fields map[string]float64) *ValidationResult {
	result := &ValidationResult{Valid: true}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := fields[name]
		if err := v.Check(name, value); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Warnings = append(result.Warnings, v.warnings(name, value)...)
	}
	return result
}

func (v *PlausibilityValidator) warnings(field string, value float64) []*ValidationError {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []*ValidationError
	for _, rule := range v.rules[field] {
		if rule.Level > v.level || rule.Severity != SeverityWarning {
			continue
		}
		if err := rule.check(value, nil); err != nil {
			out = append(out, err)
		}
	}
	return out
}

// AddRule adds a custom rule.
func (v *PlausibilityValidator) AddRule(rule *RangeRule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[rule.Field] = append(v.rules[rule.Field], rule)

	v.logger.Debug().
		Str("field", rule.Field).
		Str("rule", rule.Name).
		Msg("Added custom plausibility rule")
}

// SetValidationLevel changes the validation level.
func (v *PlausibilityValidator) SetValidationLevel(level ValidationLevel) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.logger.Info().
		Str("old_level", v.level.String()).
		Str("new_level", level.String()).
		Msg("Validation level changed")
	v.level = level
}

// GetStatistics returns validation statistics.
func (v *PlausibilityValidator) GetStatistics() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()

	rejected := make(map[string]int64, len(v.rejectedByField))
	for k, n := range v.rejectedByField {
		rejected[k] = n
	}
	rules := 0
	for _, rs := range v.rules {
		rules += len(rs)
	}
	return map[string]interface{}{
		"validations_performed": v.validationsPerformed,
		"errors_found":          v.errorsFound,
		"warnings_found":        v.warningsFound,
		"rejected_by_field":     rejected,
		"validation_level":      v.level.String(),
		"rules":                 rules,
	}
}
