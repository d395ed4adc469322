// Package config provides INI-style configuration file parsing with
// access tracking and validation for the srcpd-go command station.
package config

import (
	"fmt"
	"strings"
)

// ConfigError ties a validation failure to the section and option that
// caused it, so a startup failure points at the entry to fix.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Section != "" {
		b.WriteByte('[')
		b.WriteString(e.Section)
		b.WriteString("] ")
	}
	if e.Option != "" {
		b.WriteString(e.Option)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a ConfigError. Section and option may be
// empty for errors that concern the file as a whole.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: message}
}

// WrapError attaches section and option context to an existing error.
func WrapError(section, option string, err error) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: err.Error(), Cause: err}
}

// ErrMissingOption reports a required option that is absent.
func ErrMissingOption(section, option string) *ConfigError {
	return NewConfigError(section, option, "must be specified")
}

// ErrMissingSection reports an absent section.
func ErrMissingSection(section string) *ConfigError {
	return NewConfigError(section, "", "section not found")
}

// ErrInvalidValue reports a value that does not parse as the expected
// type.
func ErrInvalidValue(section, option, value, expected string) *ConfigError {
	return NewConfigError(section, option,
		fmt.Sprintf("invalid value %q, expected %s", value, expected))
}

// ErrOutOfRange reports a value outside its allowed bounds.
func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice reports a value outside the allowed set.
func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return NewConfigError(section, option,
		fmt.Sprintf("%q is not one of %s", value, strings.Join(choices, ", ")))
}
