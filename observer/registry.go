// Package observer is a small listener registry whose subscriptions return
// a disposer that removes exactly that listener.
package observer

import "sync"

// Registry holds listeners of type T in subscription order.
type Registry[T any] struct {
	mu        sync.Mutex
	next      uint64
	order     []uint64
	listeners map[uint64]T
}

// Add registers fn and returns its disposer. Calling the disposer more than
// once is a no-op.
func (r *Registry[T]) Add(fn T) (dispose func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listeners == nil {
		r.listeners = make(map[uint64]T)
	}
	r.next++
	id := r.next
	r.listeners[id] = fn
	r.order = append(r.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.listeners[id]; !ok {
		return
	}
	delete(r.listeners, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Each calls visit for every listener registered at the time of the call.
// The lock is not held while visiting, so listeners may subscribe or
// dispose (themselves included) from inside a notification.
func (r *Registry[T]) Each(visit func(T)) {
	for _, fn := range r.snapshot() {
		visit(fn)
	}
}

// Len reports the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.listeners[id])
	}
	return out
}
