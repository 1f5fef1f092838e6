package pbft

import (
	"errors"
	"fmt"
)

// Error classes for the consensus core. Use errors.Is to check the class.
//
// Classification used by the engine loop:
//   - ErrTimeout: no update within the message timeout, expected, never logged
//   - ErrNotReadyForMessage: message references a future or unknown context, backlogged
//   - WrongNumMessagesError: quorum not reached yet, wait for more messages
//   - ErrProtocolViolation: offending message excluded, logged at error level
//   - ErrDisconnected: the host channel is closed, the loop exits
var (
	ErrTimeout            = errors.New("timed out waiting for update")
	ErrNotReadyForMessage = errors.New("not ready for message")
	ErrDisconnected       = errors.New("disconnected from validator")

	// ErrProtocolViolation covers messages that break the protocol rules. The refinements
	// below wrap it so errors.Is(err, ErrProtocolViolation) holds for all of them.
	ErrProtocolViolation      = errors.New("protocol violation")
	ErrEquivocation           = fmt.Errorf("%w: equivocating signer", ErrProtocolViolation)
	ErrConflictingCertificate = fmt.Errorf("%w: conflicting certificates", ErrProtocolViolation)
	ErrInvalidMessage         = fmt.Errorf("%w: invalid message", ErrProtocolViolation)

	// ErrService wraps failures returned by the host service.
	ErrService = errors.New("service error")

	// ErrConfig indicates configuration that prevents the node from starting.
	ErrConfig = errors.New("configuration error")

	// ErrBlockNotReady is returned by Service.FinalizeBlock while no candidate block exists.
	ErrBlockNotReady = errors.New("block not ready")
)

// WrongNumMessagesError reports a quorum check that did not reach its threshold.
type WrongNumMessagesError struct {
	MsgType  MessageType
	Expected int
	Min      int
	Actual   int
}

func (e *WrongNumMessagesError) Error() string {
	return fmt.Sprintf("wrong number of %s messages: expected %d (min %d), got %d",
		e.MsgType, e.Expected, e.Min, e.Actual)
}

func wrongNumMessages(t MessageType, expected, minimum, actual int) error {
	return &WrongNumMessagesError{MsgType: t, Expected: expected, Min: minimum, Actual: actual}
}

func wrapInvalidMessagef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func notReadyf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotReadyForMessage, fmt.Sprintf(format, args...))
}

func wrapEquivocationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrEquivocation, fmt.Sprintf(format, args...))
}

func wrapProtocolf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func wrapService(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrService, op, err)
}

func wrapConfigf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// IsBenign reports whether err belongs to a class the engine only traces.
func IsBenign(err error) bool {
	var wrongNum *WrongNumMessagesError
	return errors.Is(err, ErrNotReadyForMessage) || errors.As(err, &wrongNum)
}
