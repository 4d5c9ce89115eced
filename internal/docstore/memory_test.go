package docstore

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"a":1}`), false))

	doc, err := m.Get(ctx, Classes, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.ID)
	assert.JSONEq(t, `{"a":1}`, string(doc.Data))

	require.NoError(t, m.Delete(ctx, Classes, "c1"))
	_, err = m.Get(ctx, Classes, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting an absent document is a no-op
	assert.NoError(t, m.Delete(ctx, Classes, "c1"))
}

func TestMemoryMergeSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, Users, "u1", json.RawMessage(`{"name":"Ada","role":"Student"}`), false))
	require.NoError(t, m.Set(ctx, Users, "u1", json.RawMessage(`{"role":"Teacher"}`), true))

	doc, err := m.Get(ctx, Users, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","role":"Teacher"}`, string(doc.Data))

	// merge-set on an absent document creates it
	require.NoError(t, m.Set(ctx, Users, "u2", json.RawMessage(`{"name":"Grace"}`), true))
	doc, err = m.Get(ctx, Users, "u2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Grace"}`, string(doc.Data))
}

func TestMemoryQuery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"owner":"t@x.edu","students":["a@x.edu"]}`), false))
	require.NoError(t, m.Set(ctx, Classes, "c2", json.RawMessage(`{"owner":"other@x.edu","students":[{"email":"a@x.edu"}]}`), false))
	require.NoError(t, m.Set(ctx, Classes, "c3", json.RawMessage(`{"owner":"t@x.edu","students":[]}`), false))

	docs, err := m.Query(ctx, Classes, Query{Field: "owner", Op: OpEqual, Value: "t@x.edu"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c1", docs[0].ID)
	assert.Equal(t, "c3", docs[1].ID)

	// array-contains matches bare strings and legacy email objects
	docs, err = m.Query(ctx, Classes, Query{Field: "students", Op: OpArrayContains, Value: "a@x.edu"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c1", docs[0].ID)
	assert.Equal(t, "c2", docs[1].ID)
}

func TestRunTransactionRetriesOnConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"n":0}`), false))

	attempts := 0
	err := m.RunTransaction(ctx, func(tx Tx) error {
		attempts++
		doc, err := tx.Get(Classes, "c1")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// interleaved write invalidates the read
			require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"n":99}`), false))
		}
		tx.Set(Classes, "c1", append(json.RawMessage(nil), doc.Data...))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	doc, err := m.Get(ctx, Classes, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":99}`, string(doc.Data))
}

func TestRunTransactionExhaustsRetries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"n":0}`), false))

	err := m.RunTransaction(ctx, func(tx Tx) error {
		if _, err := tx.Get(Classes, "c1"); err != nil {
			return err
		}
		// every attempt loses the race
		require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"n":1}`), false))
		tx.Set(Classes, "c1", json.RawMessage(`{"n":2}`))
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRunTransactionBodyErrorStopsRetry(t *testing.T) {
	m := NewMemory()
	attempts := 0
	err := m.RunTransaction(context.Background(), func(tx Tx) error {
		attempts++
		_, err := tx.Get(Classes, "missing")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, attempts)
}

func TestRunTransactionDetectsCreateRace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	attempts := 0
	err := m.RunTransaction(ctx, func(tx Tx) error {
		attempts++
		if _, err := tx.Get(Classes, "c1"); err != nil && attempts > 1 {
			return err
		}
		if attempts == 1 {
			// another writer creates the document this tx observed as absent
			require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"n":1}`), false))
		}
		tx.Set(Classes, "c1", json.RawMessage(`{"n":2}`))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestSubscribeDeliversInitialAndUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, Classes, "c1", json.RawMessage(`{"owner":"t@x.edu"}`), false))

	var pushes atomic.Int64
	var lastLen atomic.Int64
	teardown, err := m.Subscribe(ctx, Classes, Query{Field: "owner", Op: OpEqual, Value: "t@x.edu"}, func(docs []Document) {
		pushes.Add(1)
		lastLen.Store(int64(len(docs)))
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pushes.Load() == 1 && lastLen.Load() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Set(ctx, Classes, "c2", json.RawMessage(`{"owner":"t@x.edu"}`), false))
	require.Eventually(t, func() bool { return lastLen.Load() == 2 }, time.Second, 10*time.Millisecond)

	// writes to other owners still push the (unchanged) matching snapshot;
	// writes after teardown push nothing
	teardown()
	teardown()
	settled := pushes.Load()
	require.NoError(t, m.Set(ctx, Classes, "c3", json.RawMessage(`{"owner":"t@x.edu"}`), false))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, pushes.Load())
}
