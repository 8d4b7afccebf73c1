// internal/relay/errors.go
package relay

import (
	"errors"
	"fmt"
)

// HandshakeError — CONNECT-хендшейк не прошёл или не уложился в таймаут.
// Ретраится через reconnect-бэкофф, наружу не всплывает.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake: %s", e.Reason)
}
func (e *HandshakeError) Unwrap() error { return e.Err }

// SubscriptionError — апстрим отверг subscribe/unsubscribe.
// Всплывает как неуспешный CommandResult.
type SubscriptionError struct {
	Topic  string
	Reason string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %q rejected: %s", e.Topic, e.Reason)
}

// FatalConnectionError — попытки переподключения исчерпаны.
// Эскалируется health-монитору для запроса рестарта процесса.
type FatalConnectionError struct {
	Attempts int
	Err      error
}

func (e *FatalConnectionError) Error() string {
	return fmt.Sprintf("connection lost after %d reconnect attempts: %v", e.Attempts, e.Err)
}
func (e *FatalConnectionError) Unwrap() error { return e.Err }

var (
	// ErrCommandTimeout — подтверждение (receipt) не пришло в срок.
	ErrCommandTimeout = errors.New("relay: timed out waiting for acknowledgment")
	// ErrShuttingDown возвращается новым запросам во время остановки.
	ErrShuttingDown = errors.New("relay: shutting down")

	// errReconnectRequested — внутренний сигнал принудительного reconnect.
	errReconnectRequested = errors.New("relay: reconnect requested")
	// errHeartbeatTimeout — тишина в канале дольше допустимого.
	errHeartbeatTimeout = errors.New("relay: heartbeat timeout")
)
