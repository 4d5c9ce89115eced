package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore backs Store with Cloud Firestore. Transactions and snapshot
// listeners map directly onto the native primitives.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects through the Firebase app. credFile may be empty
// when ambient credentials are available.
func NewFirestore(ctx context.Context, projectID, credFile string) (*Firestore, error) {
	var opts []option.ClientOption
	if credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: app init failed: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore: client init failed: %w", err)
	}
	return &Firestore{client: client}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	if f == nil || f.client == nil {
		return nil
	}
	return f.client.Close()
}

func rawToMap(data json.RawMessage) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("firestore: document body must be a JSON object: %w", err)
	}
	return m, nil
}

func snapToDocument(snap *firestore.DocumentSnapshot) (Document, error) {
	raw, err := json.Marshal(snap.Data())
	if err != nil {
		return Document{}, fmt.Errorf("firestore: encode %s failed: %w", snap.Ref.ID, err)
	}
	return Document{ID: snap.Ref.ID, Data: raw}, nil
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return snapToDocument(snap)
}

func (f *Firestore) Set(ctx context.Context, collection, id string, data json.RawMessage, merge bool) error {
	m, err := rawToMap(data)
	if err != nil {
		return err
	}
	ref := f.client.Collection(collection).Doc(id)
	if merge {
		_, err = ref.Set(ctx, m, firestore.MergeAll)
	} else {
		_, err = ref.Set(ctx, m)
	}
	return err
}

func (f *Firestore) Delete(ctx context.Context, collection, id string) error {
	_, err := f.client.Collection(collection).Doc(id).Delete(ctx)
	return err
}

func (f *Firestore) query(collection string, q Query) firestore.Query {
	col := f.client.Collection(collection)
	if q.Field == "" {
		return col.Query
	}
	return col.Where(q.Field, string(q.Op), q.Value)
}

func (f *Firestore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	snaps, err := f.query(collection, q).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		doc, err := snapToDocument(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

type fsTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
	err    error
}

func (t *fsTx) Get(collection, id string) (Document, error) {
	snap, err := t.tx.Get(t.client.Collection(collection).Doc(id))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return snapToDocument(snap)
}

func (t *fsTx) Set(collection, id string, data json.RawMessage) {
	m, err := rawToMap(data)
	if err != nil {
		t.err = err
		return
	}
	if err := t.tx.Set(t.client.Collection(collection).Doc(id), m); err != nil {
		t.err = err
	}
}

func (t *fsTx) Delete(collection, id string) {
	if err := t.tx.Delete(t.client.Collection(collection).Doc(id)); err != nil {
		t.err = err
	}
}

func (f *Firestore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		wrapped := &fsTx{client: f.client, tx: tx}
		if err := fn(wrapped); err != nil {
			return err
		}
		return wrapped.err
	})
	if status.Code(err) == codes.Aborted || status.Code(err) == codes.FailedPrecondition {
		return ErrConflict
	}
	return err
}

// Subscribe streams query snapshots until torn down.
func (f *Firestore) Subscribe(ctx context.Context, collection string, q Query, push func([]Document)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	iter := f.query(collection, q).Snapshots(subCtx)

	go func() {
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if subCtx.Err() == nil {
					log.Printf("firestore: snapshot stream for %s ended: %v", collection, err)
				}
				return
			}
			docs, err := snap.Documents.GetAll()
			if err != nil {
				log.Printf("firestore: snapshot read for %s failed: %v", collection, err)
				continue
			}
			out := make([]Document, 0, len(docs))
			ok := true
			for _, d := range docs {
				doc, err := snapToDocument(d)
				if err != nil {
					log.Printf("firestore: skip snapshot: %v", err)
					ok = false
					break
				}
				out = append(out, doc)
			}
			if ok {
				push(out)
			}
		}
	}()

	var once sync.Once
	teardown := func() { once.Do(cancel) }
	return teardown, nil
}
