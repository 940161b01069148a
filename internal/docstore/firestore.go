package docstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore stores documents in Cloud Firestore. Subscriptions use query
// snapshot listeners.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore wraps an existing client.
func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

// Insert adds a document with an auto-generated id.
func (f *Firestore) Insert(ctx context.Context, collection string, fields map[string]any) (string, error) {
	ref, _, err := f.client.Collection(collection).Add(ctx, fields)
	if err != nil {
		return "", fmt.Errorf("while adding document to %q: %w", collection, err)
	}
	return ref.ID, nil
}

// QueryByField runs an equality query, optionally ordered ascending by
// orderBy.
func (f *Firestore) QueryByField(ctx context.Context, collection, field string, value any, orderBy string) ([]Document, error) {
	q := f.client.Collection(collection).Where(field, "==", value)
	if orderBy != "" {
		q = q.OrderBy(orderBy, firestore.Asc)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var docs []Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while querying %q by %s: %w", collection, field, err)
		}
		docs = append(docs, fromSnapshot(snap))
	}
	return docs, nil
}

// DeleteByID deletes a document that must exist.
func (f *Firestore) DeleteByID(ctx context.Context, collection, id string) error {
	_, err := f.client.Collection(collection).Doc(id).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("while deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

// Subscribe attaches a snapshot listener to the equality query.
func (f *Firestore) Subscribe(ctx context.Context, collection, field string, value any) (Subscription, error) {
	listenCtx, cancel := context.WithCancel(ctx)
	iter := f.client.Collection(collection).Where(field, "==", value).Snapshots(listenCtx)
	out := newFeed(cancel)

	go listen(listenCtx, iter, collection, out, func(qs *firestore.QuerySnapshot) ([]*firestore.DocumentSnapshot, error) {
		return qs.Documents.GetAll()
	})
	return out, nil
}

// snapshotIterator is the part of firestore.QuerySnapshotIterator a listener
// uses.
type snapshotIterator interface {
	Next() (*firestore.QuerySnapshot, error)
	Stop()
}

// listen publishes every query snapshot into out until the listen context
// ends or the iterator fails. Cancelling out only cancels the context; the
// iterator is stopped here once Next has returned, never concurrently with it.
func listen(
	ctx context.Context,
	iter snapshotIterator,
	collection string,
	out *feed,
	read func(*firestore.QuerySnapshot) ([]*firestore.DocumentSnapshot, error),
) {
	defer iter.Stop()
	for {
		qs, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				out.Cancel()
				return
			}
			out.publish(Snapshot{Err: fmt.Errorf("while listening to %q: %w", collection, err)})
			return
		}

		snaps, err := read(qs)
		if err != nil {
			out.publish(Snapshot{Err: fmt.Errorf("while reading %q snapshot: %w", collection, err)})
			return
		}
		docs := make([]Document, 0, len(snaps))
		for _, snap := range snaps {
			docs = append(docs, fromSnapshot(snap))
		}
		if !out.publish(Snapshot{Documents: docs}) {
			return
		}
	}
}

func fromSnapshot(snap *firestore.DocumentSnapshot) Document {
	return Document{
		ID:         snap.Ref.ID,
		Fields:     snap.Data(),
		CreateTime: snap.CreateTime.UTC(),
	}
}

var _ Store = (*Firestore)(nil)
