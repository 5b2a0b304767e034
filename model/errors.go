package model

import (
	"errors"
	"fmt"
)

// Error taxonomy of the messaging core. All I/O originating failures are
// converted at the boundary into one of these; nothing propagates as a
// panic out of transport or REST call sites.
var (
	// ErrConnectivity: transport disconnected or a send timed out.
	ErrConnectivity = errors.New("connectivity error")

	// ErrValidation: empty/too-long message text, or an expired conversation.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientBalance: a renewal attempted with linkCoins < 1.
	ErrInsufficientBalance = errors.New("insufficient LinkCoin balance")

	// ErrHistoryLoad: REST failure fetching conversation history.
	ErrHistoryLoad = errors.New("history load error")
)

// Errorf wraps a taxonomy sentinel with detail, keeping errors.Is working.
func Errorf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
