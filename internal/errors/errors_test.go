package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerErrorKeepsMessage(t *testing.T) {
	err := NewBrokerError("angelone", "place order", "AB1008", "Invalid Order Quantity", nil)
	assert.Equal(t, "angelone place order: Invalid Order Quantity (AB1008)", err.Error())

	wrapped := fmt.Errorf("register: %w", NewBrokerError("angelone", "login", "", "bad totp", ErrInvalidCredentials))
	var be *BrokerError
	assert.True(t, As(wrapped, &be))
	assert.Equal(t, "bad totp", be.Message)
	assert.True(t, Is(wrapped, ErrInvalidCredentials))
}

func TestNotImplementedMatchesSentinel(t *testing.T) {
	err := Wrap(NotImplemented("paper", "historical candles"), "candles")
	assert.True(t, Is(err, ErrNotImplemented))
	assert.Contains(t, err.Error(), "paper: historical candles not implemented")
}

func TestOrderErrorUnwraps(t *testing.T) {
	err := NewOrderError("PAPER-1", "TEST", "modify", "cannot modify completed order", ErrOrderCompleted)
	assert.True(t, Is(err, ErrOrderCompleted))
	assert.Contains(t, err.Error(), "cannot modify completed order")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "x"))
	assert.Nil(t, Wrapf(nil, "x %d", 1))
	assert.EqualError(t, Wrapf(ErrTokensNotFound, "user %s", "bob"), "user bob: no stored tokens")
}
