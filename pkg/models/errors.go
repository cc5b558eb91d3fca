package models

import "errors"

var (
	// ErrInvalidParameter marks a request that carries a bad value.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrUnavailable marks a transient failure of an external service.
	ErrUnavailable = errors.New("service unavailable")

	// ErrMissingProperty marks a tenant missing a field it must always have.
	ErrMissingProperty = errors.New("tenant property missing or malformed")

	// ErrConflict marks a write based on a tenant record that another
	// replica has since changed.
	ErrConflict = errors.New("tenant record changed concurrently")

	ErrUnknownTenant  = errors.New("unknown tenant")
	ErrUnknownInvoice = errors.New("unknown invoice")
	ErrInvalidRecord  = errors.New("invalid usage record")
)
