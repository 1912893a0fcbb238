package store

import "sync"

// subscriberBuffer bounds how far one subscriber may fall behind. The
// writer blocks rather than dropping, which keeps per-path commit order
// intact for slow consumers.
const subscriberBuffer = 256

type subscriber struct {
	prefix Path
	ch     chan Event
}

// registry is the explicit publish/subscribe surface behind Subscribe.
// Each subscriber gets an ordered queue drained by its own goroutine, so
// callbacks for one subscriber arrive in commit order and never run
// concurrently with themselves.
type registry struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	wg     sync.WaitGroup
	closed bool
}

func newRegistry() *registry {
	return &registry{subs: make(map[uint64]*subscriber)}
}

func (r *registry) subscribe(prefix Path, fn func(Event)) UnsubscribeFunc {
	sub := &subscriber{prefix: prefix, ch: make(chan Event, subscriberBuffer)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range sub.ch {
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if _, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub.ch)
			}
			r.mu.Unlock()
		})
	}
}

// publish fans events out to every matching subscriber. Callers hold the
// store write lock, which serializes publishes and preserves commit order.
func (r *registry) publish(events []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, ev := range events {
		for _, sub := range r.subs {
			if ev.Path.hasPrefix(sub.prefix) {
				sub.ch <- ev
			}
		}
	}
}

func (r *registry) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for id, sub := range r.subs {
			delete(r.subs, id)
			close(sub.ch)
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}
