// internal/relay/state.go
package relay

import (
	"sync/atomic"
	"time"
)

// ConnState — состояние единственного апстрим-соединения.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnectWait
)

var stateNames = map[ConnState]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDegraded:      "degraded",
	StateReconnectWait: "reconnect_wait",
}

func (s ConnState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// validTransitions перечисляет разрешённые переходы машины состояний.
// Терминального состояния нет: пока процесс жив, цикл продолжается.
var validTransitions = map[ConnState][]ConnState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateReconnectWait, StateDisconnected},
	StateConnected:     {StateDegraded, StateDisconnected},
	StateDegraded:      {StateReconnectWait, StateDisconnected, StateConnecting},
	StateReconnectWait: {StateConnecting, StateDisconnected},
}

// stateVar — атомарный держатель ConnState с валидацией переходов.
type stateVar struct {
	v atomic.Int32
}

// set выполняет переход и сообщает, был ли он разрешён.
// Недопустимый переход всё равно применяется (машина не должна
// зависнуть из-за гонки наблюдений), но вызывающий код его логирует.
func (s *stateVar) set(to ConnState) (from ConnState, ok bool) {
	from = ConnState(s.v.Swap(int32(to)))
	if from == to {
		return from, true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return from, true
		}
	}
	return from, false
}

func (s *stateVar) get() ConnState { return ConnState(s.v.Load()) }

// atomicTime — атомарная метка времени для читателей из других горутин.
type atomicTime struct {
	ns atomic.Int64
}

func (t *atomicTime) set(v time.Time) { t.ns.Store(v.UnixNano()) }

func (t *atomicTime) get() time.Time {
	ns := t.ns.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
