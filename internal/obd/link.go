package obd

import (
	"context"
	"errors"
)

// Link is the contract every OBD-II adapter backend implements.
// ELM327 over a Bluetooth RFCOMM tty is the production backend; Demo
// simulates one for development and tests.
type Link interface {
	// Name returns the human-readable name of this backend.
	Name() string
	// Connect opens the channel to target and initializes the adapter.
	Connect(ctx context.Context, target string) error
	// Disconnect closes the channel. Safe to call when not connected.
	Disconnect() error
	// SendCommand issues one command and returns the raw response. Calls
	// are serialized: a second command never starts before the first
	// one's response or timeout.
	SendCommand(ctx context.Context, cmd string) (string, error)
	// Status returns the current connection status.
	Status() ConnectionStatus
	// Statuses streams the current status followed by every change until
	// ctx is done.
	Statuses(ctx context.Context) <-chan ConnectionStatus
	// ScanTroubleCodes reads stored DTCs and resolves them through lookup.
	ScanTroubleCodes(ctx context.Context, lookup CodeLookup) ([]TroubleCode, error)
}

// ConnectionStatus is the link state published to observers.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotConnected = errors.New("obd: not connected")
	ErrTimeout      = errors.New("obd: command timed out")
)
