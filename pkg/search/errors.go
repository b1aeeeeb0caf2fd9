package search

import (
	"errors"
	"fmt"
)

// ErrorClass represents a classification of search backend errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses (bad query, missing index).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses and timed out searches.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents unreadable response bodies.
	ErrorClassDecode ErrorClass = "decode"
)

// Common errors returned by the client.
var (
	// ErrTimedOut is returned when the backend reports a timed out search.
	ErrTimedOut = errors.New("search timed out")
)

// BackendError is a search error with additional context.
type BackendError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("search %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("search %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// ErrorClass returns the class as a metric label.
func (e *BackendError) ErrorClass() string {
	return string(e.Class)
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
