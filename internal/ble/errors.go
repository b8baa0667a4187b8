package ble

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. The presentation layer distinguishes these to give an
// actionable message, so operations must wrap rather than replace them.
var (
	ErrRadioNotReady    = errors.New("radio not ready")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrConnectFailed    = errors.New("connect failed")
	ErrMalformedPayload = errors.New("malformed payload")
)

// NotFoundError reports a missing GATT resource along with the UUIDs that
// were actually discovered, for diagnostics.
type NotFoundError struct {
	Resource  string   // "service" or "characteristic"
	UUID      string   // what was looked for
	Available []string // what the peripheral exposed instead
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
	}
	return fmt.Sprintf("%s %q not found (available: %s)",
		e.Resource, e.UUID, strings.Join(e.Available, ", "))
}

// Is allows errors.Is to compare NotFoundError values by Resource.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return t.Resource == "" || e.Resource == t.Resource
}
