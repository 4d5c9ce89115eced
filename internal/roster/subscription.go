package roster

import (
	"context"
	"log"
	"sync"

	"classcheck/internal/docstore"
	"classcheck/internal/metrics"
)

// SubscriptionManager keeps exactly one live class query open per signed-in
// identity. Each push from the store is a full current snapshot, routed to
// the handler for reconciliation. Re-subscribing tears down the prior
// subscription first; teardown is idempotent and invoked exactly once.
type SubscriptionManager struct {
	store docstore.Store

	mu       sync.Mutex
	identity string
	teardown func()
}

// NewSubscriptionManager builds a manager over the given store.
func NewSubscriptionManager(store docstore.Store) *SubscriptionManager {
	return &SubscriptionManager{store: store}
}

// queryFor builds the visibility filter: a teacher sees classes they own, a
// student sees classes whose roster contains their identity.
func queryFor(identity string, role Role) docstore.Query {
	identity = NormalizeIdentity(identity)
	if NormalizeRole(string(role)) == RoleTeacher {
		return docstore.Query{Field: "owner", Op: docstore.OpEqual, Value: identity}
	}
	return docstore.Query{Field: "students", Op: docstore.OpArrayContains, Value: identity}
}

// Subscribe opens the live query for identity and closes any subscription
// it displaces. The swap happens under the lock so concurrent calls cannot
// orphan a teardown. Push errors are logged and leave the caller's merged
// state intact; they never propagate.
func (m *SubscriptionManager) Subscribe(ctx context.Context, identity string, role Role, push func([]docstore.Document)) error {
	teardown, err := m.store.Subscribe(ctx, docstore.Classes, queryFor(identity, role), push)
	if err != nil {
		log.Printf("subscription: open for %s failed: %v", identity, err)
		return err
	}
	metrics.SubscriptionsOpened.Inc()

	m.mu.Lock()
	prior := m.teardown
	m.identity = NormalizeIdentity(identity)
	m.teardown = teardown
	m.mu.Unlock()

	if prior != nil {
		prior()
		metrics.SubscriptionsClosed.Inc()
	}
	return nil
}

// Teardown closes the active subscription, if any. Safe to call repeatedly
// and from any state; switching identity always passes through here.
func (m *SubscriptionManager) Teardown() {
	m.mu.Lock()
	teardown := m.teardown
	m.teardown = nil
	m.identity = ""
	m.mu.Unlock()
	if teardown != nil {
		teardown()
		metrics.SubscriptionsClosed.Inc()
	}
}

// Identity returns the currently subscribed identity, or "" when closed.
func (m *SubscriptionManager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}
