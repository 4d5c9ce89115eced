package roster

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"

	"classcheck/internal/cache"
	"classcheck/internal/docstore"
	"classcheck/internal/metrics"
	"classcheck/internal/queue"
)

// CacheKey is the logical cache key for an identity's merged roster state.
func CacheKey(identity string) string {
	return "classes:" + DocID(identity)
}

// WritebackMessage is the queued best-effort cache write-back job.
type WritebackMessage struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// WritebackType tags write-back jobs on the queue.
const WritebackType = "writeback"

// Session owns one signed-in identity's merged in-memory roster state. The
// merged map is replaced wholesale by the Reconciler's functional merge;
// no partial mutation is ever visible mid-merge. Cache writes happen only
// after a merge completes, last writer wins.
type Session struct {
	store docstore.Store
	guard *cache.Guard
	subs  *SubscriptionManager
	q     queue.Queue

	mu       sync.RWMutex
	merged   Snapshot
	identity string
	role     Role
}

// NewSession wires a session over the store, guarded cache, and write-back
// queue. q may be nil; write-backs are then skipped.
func NewSession(store docstore.Store, guard *cache.Guard, q queue.Queue) *Session {
	return &Session{
		store:  store,
		guard:  guard,
		subs:   NewSubscriptionManager(store),
		q:      q,
		merged: Snapshot{},
	}
}

// SignIn seeds the merged state from the local cache, then opens the live
// subscription; remote pushes supersede the cached seed. Cache failures
// degrade to an empty seed, never an error.
func (s *Session) SignIn(ctx context.Context, identity string, role Role) error {
	identity = NormalizeIdentity(identity)

	s.mu.Lock()
	s.identity = identity
	s.role = NormalizeRole(string(role))
	s.merged = Snapshot{}
	s.mu.Unlock()

	if cached := s.loadCached(ctx, identity); cached != nil {
		s.apply(ctx, cached)
	}

	return s.subs.Subscribe(ctx, identity, role, func(docs []docstore.Document) {
		s.apply(ctx, SnapshotFromDocs(docs))
	})
}

// SignOut tears down the live subscription synchronously so a late push
// cannot merge into an irrelevant state.
func (s *Session) SignOut() {
	s.subs.Teardown()
}

// Identity returns the signed-in identity.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Role returns the signed-in role.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Classes returns the merged roster list in deterministic owner order.
func (s *Session) Classes() []ClassRoster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ClassRoster
	for _, owner := range sortedOwners(s.merged) {
		out = append(out, s.merged[owner]...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Class finds one merged roster by id.
func (s *Session) Class(classID string) (ClassRoster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.merged {
		for _, c := range list {
			if c.ID == classID {
				return c, true
			}
		}
	}
	return ClassRoster{}, false
}

// apply merges an incoming snapshot and schedules the guarded write-back.
func (s *Session) apply(ctx context.Context, incoming Snapshot) {
	s.mu.Lock()
	s.merged = Merge(s.merged, incoming)
	payload, err := json.Marshal(s.merged)
	identity := s.identity
	s.mu.Unlock()
	metrics.Merges.Inc()

	if err != nil {
		log.Printf("session: encode merged state failed: %v", err)
		return
	}
	s.writeback(ctx, CacheKey(identity), payload)
}

// writeback persists merged state through the size guard, best effort. A
// queue hands the write to the worker; without one the write happens on a
// detached goroutine. Failures are logged and never rolled back.
func (s *Session) writeback(ctx context.Context, key string, payload json.RawMessage) {
	if s.q != nil {
		body, err := json.Marshal(WritebackMessage{Key: key, Payload: payload})
		if err != nil {
			log.Printf("session: encode write-back failed: %v", err)
			return
		}
		if err := s.q.Publish(ctx, queue.Message{Type: WritebackType, Body: body}); err != nil {
			metrics.WritebackFailures.Inc()
			log.Printf("session: write-back publish failed: %v", err)
		}
		return
	}
	if s.guard == nil {
		return
	}
	go func() {
		if err := s.guard.Set(context.Background(), key, payload); err != nil {
			metrics.WritebackFailures.Inc()
			log.Printf("session: cache write-back failed: %v", err)
		}
	}()
}

// loadCached reads the identity's cached snapshot through the size guard.
func (s *Session) loadCached(ctx context.Context, identity string) Snapshot {
	if s.guard == nil {
		return nil
	}
	raw, err := s.guard.Get(ctx, CacheKey(identity))
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		log.Printf("session: cache read failed: %v", err)
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Printf("session: cached snapshot unreadable, ignoring: %v", err)
		return nil
	}
	return snap
}

// RunWritebacks consumes write-back jobs and applies them through the
// guard. Used by the worker process and by dev mode's in-memory queue.
func RunWritebacks(msgs <-chan queue.Message, guard *cache.Guard) {
	for msg := range msgs {
		if msg.Type != WritebackType {
			continue
		}
		var job WritebackMessage
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			log.Printf("writeback: bad job: %v", err)
			continue
		}
		if err := guard.Set(context.Background(), job.Key, job.Payload); err != nil {
			metrics.WritebackFailures.Inc()
			log.Printf("writeback: %s failed: %v", job.Key, err)
		}
	}
}
