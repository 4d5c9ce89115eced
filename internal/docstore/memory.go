package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"classcheck/internal/metrics"
)

// Memory is an in-process Store used in dev mode and tests. Every commit
// fans a full snapshot out to matching subscribers, mirroring the remote
// store's push semantics.
type Memory struct {
	mu    sync.Mutex
	cols  map[string]map[string]*memDoc
	subs  map[int]*memSub
	nextS int
}

type memDoc struct {
	data json.RawMessage
	rev  int64
}

type memSub struct {
	collection string
	query      Query
	ch         chan []Document
	done       chan struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cols: make(map[string]map[string]*memDoc),
		subs: make(map[int]*memSub),
	}
}

func (m *Memory) col(name string) map[string]*memDoc {
	c, ok := m.cols[name]
	if !ok {
		c = make(map[string]*memDoc)
		m.cols[name] = c
	}
	return c
}

// Get returns a copy of the stored document.
func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.col(collection)[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: append(json.RawMessage(nil), d.data...)}, nil
}

// Set writes or merges a document and notifies subscribers.
func (m *Memory) Set(_ context.Context, collection, id string, data json.RawMessage, merge bool) error {
	m.mu.Lock()
	c := m.col(collection)
	d, ok := c[id]
	if !ok {
		d = &memDoc{}
		c[id] = d
	}
	if merge && ok {
		d.data = mergeRaw(d.data, data)
	} else {
		d.data = append(json.RawMessage(nil), data...)
	}
	d.rev++
	m.notifyLocked(collection)
	m.mu.Unlock()
	return nil
}

// Delete removes a document; deleting an absent document is a no-op.
func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	delete(m.col(collection), id)
	m.notifyLocked(collection)
	m.mu.Unlock()
	return nil
}

// Query returns matching documents ordered by id.
func (m *Memory) Query(_ context.Context, collection string, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(collection, q), nil
}

func (m *Memory) snapshotLocked(collection string, q Query) []Document {
	var out []Document
	for id, d := range m.col(collection) {
		if matches(d.data, q) {
			out = append(out, Document{ID: id, Data: append(json.RawMessage(nil), d.data...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

const txMaxAttempts = 5

type memTx struct {
	store *Memory
	reads map[[2]string]int64
	// staged writes, applied in order on commit; nil data means delete
	writes []memWrite
}

type memWrite struct {
	collection, id string
	data           json.RawMessage
}

func (t *memTx) Get(collection, id string) (Document, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	d, ok := t.store.col(collection)[id]
	if !ok {
		t.reads[[2]string{collection, id}] = 0
		return Document{}, ErrNotFound
	}
	t.reads[[2]string{collection, id}] = d.rev
	return Document{ID: id, Data: append(json.RawMessage(nil), d.data...)}, nil
}

func (t *memTx) Set(collection, id string, data json.RawMessage) {
	t.writes = append(t.writes, memWrite{collection, id, append(json.RawMessage(nil), data...)})
}

func (t *memTx) Delete(collection, id string) {
	t.writes = append(t.writes, memWrite{collection: collection, id: id})
}

// RunTransaction retries fn until its reads commit cleanly or attempts run out.
func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{store: m, reads: make(map[[2]string]int64)}
		if err := fn(tx); err != nil {
			return err
		}
		if m.commit(tx) {
			return nil
		}
		metrics.TxRetries.Inc()
	}
	return ErrConflict
}

func (m *Memory) commit(tx *memTx) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rev := range tx.reads {
		d, ok := m.col(key[0])[key[1]]
		switch {
		case !ok && rev != 0:
			return false
		case ok && d.rev != rev:
			return false
		}
	}
	touched := map[string]bool{}
	for _, w := range tx.writes {
		c := m.col(w.collection)
		if w.data == nil {
			delete(c, w.id)
		} else {
			d, ok := c[w.id]
			if !ok {
				d = &memDoc{}
				c[w.id] = d
			}
			d.data = w.data
			d.rev++
		}
		touched[w.collection] = true
	}
	for collection := range touched {
		m.notifyLocked(collection)
	}
	return true
}

// Subscribe registers a push subscriber and delivers the current snapshot
// immediately. The teardown closes the subscription exactly once.
func (m *Memory) Subscribe(ctx context.Context, collection string, q Query, push func([]Document)) (func(), error) {
	sub := &memSub{
		collection: collection,
		query:      q,
		ch:         make(chan []Document, 16),
		done:       make(chan struct{}),
	}
	m.mu.Lock()
	id := m.nextS
	m.nextS++
	m.subs[id] = sub
	initial := m.snapshotLocked(collection, q)
	m.mu.Unlock()

	go func() {
		push(initial)
		for {
			select {
			case snap := <-sub.ch:
				push(snap)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(sub.done)
		})
	}
	return teardown, nil
}

func (m *Memory) notifyLocked(collection string) {
	for _, sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		snap := m.snapshotLocked(collection, sub.query)
		select {
		case sub.ch <- snap:
		default:
			// slow subscriber: evict the oldest queued snapshot so the
			// latest full state is always delivered
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}
