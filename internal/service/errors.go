package service

import (
	"errors"
	"fmt"
)

var (
	ErrLocationUnknown = errors.New("location unknown")
	ErrUnavailable     = errors.New("weather data unavailable")
	ErrRegistryEmpty   = errors.New("location registry is empty")
)

// FetchError reports why a location could not be served. It matches both its
// Kind and the underlying cause with errors.Is.
type FetchError struct {
	Location string
	Kind     error
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Location, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Location, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
