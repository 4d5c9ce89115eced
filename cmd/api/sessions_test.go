package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classcheck/internal/cache"
	"classcheck/internal/docstore"
	"classcheck/internal/roster"
)

func TestSessionRegistryConcurrentSignIn(t *testing.T) {
	store := docstore.NewMemory()
	inner := cache.NewMemory()
	guard := cache.NewGuard(inner, 0)
	reg := newSessionRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.signIn(ctx, store, guard, nil, "t@x.edu", roster.RoleTeacher)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// exactly one session survives the race
	_, ok := reg.get("t@x.edu")
	require.True(t, ok)
	reg.signOut("t@x.edu")
	_, ok = reg.get("t@x.edu")
	require.False(t, ok)

	// every displaced subscription was torn down with its session: a class
	// created after sign-out must not surface via a leaked write-back
	body, err := json.Marshal(map[string]any{
		"owner": "t@x.edu",
		"meta":  map[string]string{"subject": "Late"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, docstore.Classes, "c-late", body, false))
	time.Sleep(150 * time.Millisecond)

	if raw, err := inner.Get(ctx, roster.CacheKey("t@x.edu")); err == nil {
		assert.NotContains(t, string(raw), "c-late")
	}
}

func TestSessionRegistrySignInReplacesPrior(t *testing.T) {
	store := docstore.NewMemory()
	guard := cache.NewGuard(cache.NewMemory(), 0)
	reg := newSessionRegistry()
	ctx := context.Background()

	first, err := reg.signIn(ctx, store, guard, nil, "t@x.edu", roster.RoleTeacher)
	require.NoError(t, err)
	second, err := reg.signIn(ctx, store, guard, nil, "T@X.edu", roster.RoleTeacher)
	require.NoError(t, err)

	current, ok := reg.get("t@x.edu")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.NotSame(t, first, current)

	reg.teardownAll()
	_, ok = reg.get("t@x.edu")
	assert.False(t, ok)
}
