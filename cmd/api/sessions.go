package main

import (
	"context"
	"sync"

	"classcheck/internal/cache"
	"classcheck/internal/docstore"
	"classcheck/internal/queue"
	"classcheck/internal/roster"
	"classcheck/internal/viewstate"
)

// apiSession pairs one identity's reconciliation session with its screen
// state machine.
type apiSession struct {
	roster *roster.Session
	view   *viewstate.Machine
}

// sessionRegistry tracks live sessions per identity. Signing in again
// replaces the prior session, tearing its subscription down first.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*apiSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*apiSession)}
}

func (r *sessionRegistry) signIn(ctx context.Context, docs docstore.Store, guard *cache.Guard, q queue.Queue, identity string, role roster.Role) (*apiSession, error) {
	identity = roster.NormalizeIdentity(identity)

	sess := &apiSession{
		roster: roster.NewSession(docs, guard, q),
		view:   viewstate.New(),
	}
	if err := sess.roster.SignIn(ctx, identity, role); err != nil {
		return nil, err
	}

	// swap under the lock so concurrent sign-ins displace each other
	// cleanly; the loser is torn down after, exactly once
	r.mu.Lock()
	prior := r.sessions[identity]
	r.sessions[identity] = sess
	r.mu.Unlock()
	if prior != nil {
		prior.roster.SignOut()
	}
	return sess, nil
}

func (r *sessionRegistry) get(identity string) (*apiSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[roster.NormalizeIdentity(identity)]
	return sess, ok
}

func (r *sessionRegistry) signOut(identity string) {
	identity = roster.NormalizeIdentity(identity)
	r.mu.Lock()
	sess := r.sessions[identity]
	delete(r.sessions, identity)
	r.mu.Unlock()
	if sess != nil {
		sess.roster.SignOut()
	}
}

func (r *sessionRegistry) teardownAll() {
	r.mu.Lock()
	all := make([]*apiSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		all = append(all, sess)
	}
	r.sessions = make(map[string]*apiSession)
	r.mu.Unlock()
	for _, sess := range all {
		sess.roster.SignOut()
	}
}
