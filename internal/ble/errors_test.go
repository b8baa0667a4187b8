package ble

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundErrorMessage(t *testing.T) {
	err := &NotFoundError{Resource: "service", UUID: "180d"}
	assert.Equal(t, `service "180d" not found`, err.Error())

	err = &NotFoundError{
		Resource:  "characteristic",
		UUID:      "2a37",
		Available: []string{"2a38", "2a39"},
	}
	assert.Equal(t, `characteristic "2a37" not found (available: 2a38, 2a39)`, err.Error())
}

func TestNotFoundErrorIs(t *testing.T) {
	err := fmt.Errorf("discovery: %w", &NotFoundError{Resource: "service", UUID: "180d"})

	assert.True(t, errors.Is(err, &NotFoundError{Resource: "service"}))
	assert.True(t, errors.Is(err, &NotFoundError{}))
	assert.False(t, errors.Is(err, &NotFoundError{Resource: "characteristic"}))

	var notFound *NotFoundError
	assert.True(t, errors.As(err, &notFound))
	assert.Equal(t, "180d", notFound.UUID)
}

func TestSentinelWrapping(t *testing.T) {
	err := fmt.Errorf("%w: aa:bb:cc:dd:ee:ff", ErrDeviceNotFound)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))
	assert.False(t, errors.Is(err, ErrConnectFailed))
}
