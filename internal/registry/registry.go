// Package registry bounds the number of resident in-memory rooms with an
// LRU cache. Evicted rooms lose their ring buffer contents; the next
// reference lazily rebuilds the current epoch from the store.
package registry

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/basket/roomrelay/internal/room"
)

// MinRooms is the enforced floor on the resident-room cap.
const MinRooms = 4

// OpenFunc lazily creates or rehydrates a room.
type OpenFunc func(ctx context.Context, pairID string) (*room.Room, error)

type entry struct {
	pairID string
	room   *room.Room
}

// Registry is the LRU-bounded cache of live rooms. Any reference promotes
// a room to most-recently-used; inserting past the cap evicts the
// least-recently-used room inline.
type Registry struct {
	open    OpenFunc
	logger  *slog.Logger
	onEvict func(pairID string)

	mu    sync.Mutex
	cap   int
	order *list.List // front = most recently used
	rooms map[string]*list.Element
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvictHook registers a callback invoked after each eviction.
func WithEvictHook(hook func(pairID string)) Option {
	return func(r *Registry) { r.onEvict = hook }
}

// New creates a registry with the given cap, clamped to MinRooms.
func New(capacity int, open OpenFunc, logger *slog.Logger, opts ...Option) *Registry {
	if capacity < MinRooms {
		capacity = MinRooms
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		open:   open,
		logger: logger,
		cap:    capacity,
		order:  list.New(),
		rooms:  make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the resident room for pairID, creating or rehydrating it if
// absent. The reference counts as an LRU touch either way.
func (r *Registry) Get(ctx context.Context, pairID string) (*room.Room, error) {
	r.mu.Lock()
	if el, ok := r.rooms[pairID]; ok {
		r.order.MoveToFront(el)
		rm := el.Value.(*entry).room
		r.mu.Unlock()
		return rm, nil
	}
	r.mu.Unlock()

	// Open outside the lock: rehydration hits the store. A concurrent
	// opener of the same pair may win the insert race below.
	rm, err := r.open(ctx, pairID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if el, ok := r.rooms[pairID]; ok {
		r.order.MoveToFront(el)
		rm := el.Value.(*entry).room
		r.mu.Unlock()
		return rm, nil
	}
	el := r.order.PushFront(&entry{pairID: pairID, room: rm})
	r.rooms[pairID] = el
	var evicted []*entry
	for r.order.Len() > r.cap {
		ent := r.evictOldestLocked()
		if ent == nil {
			break
		}
		// Close under the registry lock: it waits for any in-flight
		// mutation of the evicted room, so a later Get that misses the
		// map can only rehydrate after the old instance stopped writing.
		ent.room.Close()
		evicted = append(evicted, ent)
	}
	resident := r.order.Len()
	r.mu.Unlock()

	for _, ent := range evicted {
		r.logger.Info("room evicted", "pair_id", ent.pairID, "resident", resident)
		if r.onEvict != nil {
			r.onEvict(ent.pairID)
		}
	}
	return rm, nil
}

// Peek returns the room if resident, without an LRU touch.
func (r *Registry) Peek(pairID string) (*room.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.rooms[pairID]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).room, true
}

// Resident returns the number of rooms currently in memory.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Leased returns how many resident rooms currently hold a backend lease.
func (r *Registry) Leased() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for el := r.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).room.LeaseHeld() {
			n++
		}
	}
	return n
}

func (r *Registry) evictOldestLocked() *entry {
	el := r.order.Back()
	if el == nil {
		return nil
	}
	ent := el.Value.(*entry)
	r.order.Remove(el)
	delete(r.rooms, ent.pairID)
	return ent
}
