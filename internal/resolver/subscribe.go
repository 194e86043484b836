package resolver

import (
	"sync"

	"github.com/couchcryptid/location-resolver/internal/domain"
)

// OnLocationUpdate registers fn to receive every newly resolved record and
// returns a function that unregisters it. Callbacks run on the detecting
// goroutine and must not block; a panicking callback is logged and skipped.
func (r *Resolver) OnLocationUpdate(fn func(domain.LocationRecord)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers = append(r.subscribers, subscriber{id: id, fn: fn})
	r.metrics.Subscribers.Set(float64(len(r.subscribers)))
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(id) })
	}
}

func (r *Resolver) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subscribers {
		if s.id == id {
			r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
			break
		}
	}
	r.metrics.Subscribers.Set(float64(len(r.subscribers)))
}

func (r *Resolver) notify(rec domain.LocationRecord) {
	r.mu.Lock()
	subs := make([]subscriber, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()

	for _, s := range subs {
		r.call(s, rec)
	}
}

func (r *Resolver) call(s subscriber, rec domain.LocationRecord) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("location subscriber panicked", "subscriber", s.id, "panic", p)
		}
	}()
	s.fn(rec)
}
