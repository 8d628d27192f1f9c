// Package errs holds the error taxonomy shared by the relay components and the
// helpers used to wrap errors with component context.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrDecode marks a malformed JSON line or compressed payload. Only the
	// offending item is dropped; the stream continues.
	ErrDecode = errors.New("decode failed")

	// ErrUnknownSchema marks a schema name or environment without a registered URL.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrNoSchema is returned by the publisher when resolution yields nothing.
	ErrNoSchema = errors.New("no schema")

	// ErrInvalidCategory marks an archive category outside the known set.
	ErrInvalidCategory = errors.New("invalid category")

	// ErrTransport marks a subscription socket failure or receive timeout.
	ErrTransport = errors.New("transport error")

	// ErrGatewayRejected marks a non-success HTTP status from the relay or archive.
	ErrGatewayRejected = errors.New("gateway rejected")

	// ErrInvalidConfig marks a configuration that failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Wrap adds context following the pattern "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}
