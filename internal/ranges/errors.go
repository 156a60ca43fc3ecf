package ranges

import "fmt"

// TransportError indicates the document could not be fetched: network failure,
// a non-success status, or an oversized body.
type TransportError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ContentTypeError indicates the response was not JSON.
type ContentTypeError struct {
	URL         string
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("fetch %s: expected application/json, got %q", e.URL, e.ContentType)
}

// IntegrityError indicates the body digest did not match the announced checksum.
// The body is never decoded when this is returned.
type IntegrityError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s checksum mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// ParseError indicates a body that passed integrity but does not match the schema.
type ParseError struct {
	Field string // offending field or entry, empty for whole-document failures
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse ip ranges: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("parse ip ranges: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
