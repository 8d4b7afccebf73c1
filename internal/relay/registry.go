// internal/relay/registry.go
package relay

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// SubState — состояние подписки на топик.
type SubState uint8

const (
	SubPending SubState = iota
	SubActive
	SubFailed
	SubRemoved
)

var subStateNames = map[SubState]string{
	SubPending: "pending",
	SubActive:  "active",
	SubFailed:  "failed",
	SubRemoved: "removed",
}

func (s SubState) String() string {
	if n, ok := subStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Subscription — запись реестра по одному топику.
type Subscription struct {
	Topic           string
	ID              string // протокольный subscription id
	State           SubState
	Reason          string // причина Failed
	CreatedAt       time.Time
	LastConfirmedAt time.Time
}

// Registry хранит желаемое и подтверждённое состояние подписок.
// Все мутации выполняет только сетевой цикл (single writer); мьютекс
// нужен, чтобы снапшоты других горутин были согласованными.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription // topic → subscription
	byID map[string]string        // subscription id → topic
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*Subscription),
		byID: make(map[string]string),
	}
}

// subscriptionID — детерминированный протокольный id топика.
// Один и тот же топик всегда получает один id, поэтому повторный
// SUBSCRIBE после reconnect идемпотентен для фида.
func subscriptionID(topic string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return fmt.Sprintf("sub-%08x", h.Sum32())
}

// Add создаёт подписку в Pending или оживляет Removed/Failed.
// Для уже Active топика — no-op: возвращается текущая запись.
func (r *Registry) Add(topic string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[topic]; ok {
		if sub.State == SubActive || sub.State == SubPending {
			return sub
		}
		sub.State = SubPending
		sub.Reason = ""
		return sub
	}

	sub := &Subscription{
		Topic:     topic,
		ID:        subscriptionID(topic),
		State:     SubPending,
		CreatedAt: time.Now().UTC(),
	}
	r.subs[topic] = sub
	r.byID[sub.ID] = topic
	return sub
}

// Remove помечает подписку Removed. Возвращает запись, если было
// что помечать (Active/Pending — вызывающему нужно ещё и послать
// UNSUBSCRIBE-кадр).
func (r *Registry) Remove(topic string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[topic]
	if !ok || sub.State == SubRemoved {
		return nil, false
	}
	wasLive := sub.State == SubActive || sub.State == SubPending
	sub.State = SubRemoved
	return sub, wasLive
}

// Confirm переводит Pending → Active по подтверждению фида.
func (r *Registry) Confirm(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[topic]
	if !ok || sub.State != SubPending {
		return false
	}
	sub.State = SubActive
	sub.LastConfirmedAt = time.Now().UTC()
	return true
}

// Fail переводит подписку в Failed с причиной.
func (r *Registry) Fail(topic, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[topic]
	if !ok || sub.State == SubRemoved {
		return false
	}
	sub.State = SubFailed
	sub.Reason = reason
	return true
}

// TopicByID возвращает топик по протокольному subscription id.
// Второй результат — жива ли подписка (Active или Pending).
func (r *Registry) TopicByID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topic, ok := r.byID[id]
	if !ok {
		return "", false
	}
	sub := r.subs[topic]
	live := sub != nil && (sub.State == SubActive || sub.State == SubPending)
	return topic, live
}

// Snapshot возвращает копию отображения topic → state на момент вызова.
func (r *Registry) Snapshot() map[string]SubState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]SubState, len(r.subs))
	for topic, sub := range r.subs {
		out[topic] = sub.State
	}
	return out
}

// Desired возвращает копии подписок, которые должны существовать на
// фиде (Active и Pending) — основа реконсиляции после reconnect.
func (r *Registry) Desired() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.State == SubActive || sub.State == SubPending {
			out = append(out, *sub)
		}
	}
	return out
}

// ResetToPending сбрасывает Active → Pending перед реконсиляцией:
// после нового соединения прежние подтверждения не значат ничего.
func (r *Registry) ResetToPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if sub.State == SubActive {
			sub.State = SubPending
		}
	}
}

// ActiveCount — число подтверждённых подписок.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sub := range r.subs {
		if sub.State == SubActive {
			n++
		}
	}
	return n
}

// Sweep физически удаляет Removed-записи (garbage pass).
// Возвращает число удалённых.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for topic, sub := range r.subs {
		if sub.State == SubRemoved {
			delete(r.subs, topic)
			delete(r.byID, sub.ID)
			n++
		}
	}
	return n
}
