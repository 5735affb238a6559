package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// InvalidValueError reports an environment variable that is set but cannot be parsed.
type InvalidValueError struct {
	Key   string
	Value string
	Err   error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %v", e.Value, e.Key, e.Err)
}

func (e *InvalidValueError) Unwrap() error { return e.Err }

// Env reads typed values from the process environment. Unparsable values fall back to the
// default and are remembered so Err can report them together.
type Env struct {
	lookup func(string) (string, bool)
	errs   []error
}

// NewEnv reads from os.LookupEnv.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// Err joins every invalid value seen so far.
func (e *Env) Err() error {
	return errors.Join(e.errs...)
}

func (e *Env) invalid(key, value string, err error) {
	e.errs = append(e.errs, &InvalidValueError{Key: key, Value: value, Err: err})
}

// String returns the variable or fallback when unset.
func (e *Env) String(key, fallback string) string {
	if value, ok := e.lookup(key); ok {
		return value
	}
	return fallback
}

// Int returns the variable as an integer.
func (e *Env) Int(key string, fallback int) int {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.invalid(key, value, err)
		return fallback
	}
	return parsed
}

// Bool returns the variable as a bool.
func (e *Env) Bool(key string, fallback bool) bool {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.invalid(key, value, err)
		return fallback
	}
	return parsed
}

// Duration reads a whole number of units, so HEALTH_TIMEOUT_SECONDS=60 with unit time.Second
// is one minute. Negative counts are rejected.
func (e *Env) Duration(key string, unit time.Duration, fallback int) time.Duration {
	value, ok := e.lookup(key)
	if !ok {
		return time.Duration(fallback) * unit
	}
	n, err := strconv.Atoi(value)
	if err == nil && n < 0 {
		err = errors.New("must not be negative")
	}
	if err != nil {
		e.invalid(key, value, err)
		return time.Duration(fallback) * unit
	}
	return time.Duration(n) * unit
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	return NewEnv().String(key, fallback)
}

// GetInt retrieves an environment variable as integer or returns fallback. Use Env when
// invalid values must be reported.
func GetInt(key string, fallback int) int {
	return NewEnv().Int(key, fallback)
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	return NewEnv().Bool(key, fallback)
}

// GetDuration retrieves an environment variable counted in unit.
func GetDuration(key string, unit time.Duration, fallback int) time.Duration {
	return NewEnv().Duration(key, unit, fallback)
}
