package fireview

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"
)

// FirestoreWriter is a MutationQueue that commits each mutation as it is
// enqueued, through the connection's transaction when it has one.
type FirestoreWriter struct {
	conn IConnection
}

var _ MutationQueue = (*FirestoreWriter)(nil)

func NewFirestoreWriter(conn IConnection) *FirestoreWriter {
	return &FirestoreWriter{conn: conn}
}

// WithTransaction returns a writer that stages its mutations in tx. The
// receiver keeps writing directly.
func (w *FirestoreWriter) WithTransaction(tx *firestore.Transaction) *FirestoreWriter {
	return &FirestoreWriter{conn: NewConnection(w.conn.GetClient()).SetTransaction(tx)}
}

func (w *FirestoreWriter) GetConnection() IConnection {
	return w.conn
}

// Enqueue sends the mutation. Writes the backend refuses come back as
// *MutationRejectedError carrying the gRPC status code. Transport failures are
// returned as they are so the caller can retry.
func (w *FirestoreWriter) Enqueue(ctx context.Context, m Mutation) error {
	if err := w.conn.Validate(); err != nil {
		return NewMutationRejectedError(m.ID, err)
	}
	return w.classify(m, w.write(ctx, m))
}

func (w *FirestoreWriter) classify(m Mutation, err error) error {
	switch {
	case err == nil:
		return nil
	case m.Kind == MutationPatch && IsNotFoundError(err):
		return NewMutationRejectedError(m.ID, fmt.Errorf("patch of missing document %s: %w", m.Key, err))
	case IsPermanentWriteError(err):
		return NewMutationRejectedError(m.ID, err)
	}
	glog.V(1).Infof("[writer]transient failure for %s: %s\n", m, err)
	return err
}

func (w *FirestoreWriter) write(ctx context.Context, m Mutation) error {
	docRef := w.conn.Doc(m.Key)
	tx := w.conn.GetTransaction()
	switch m.Kind {
	case MutationSet:
		data, _ := toFirestoreValue(w.conn, m.Data).(map[string]interface{})
		if data == nil {
			data = map[string]interface{}{}
		}
		if w.conn.HasTransaction() {
			return tx.Set(docRef, data)
		}
		_, err := docRef.Set(ctx, data)
		return err
	case MutationPatch:
		updates := w.updates(m)
		if len(updates) == 0 {
			return fmt.Errorf("patch %s has no fields", m.ID)
		}
		if w.conn.HasTransaction() {
			return tx.Update(docRef, updates)
		}
		_, err := docRef.Update(ctx, updates)
		return err
	case MutationDelete:
		if w.conn.HasTransaction() {
			return tx.Delete(docRef)
		}
		_, err := docRef.Delete(ctx)
		return err
	}
	return fmt.Errorf("unsupported mutation kind %s", m.Kind)
}

// updates turns the dotted field paths of a patch into firestore updates, in
// path order so the request is deterministic.
func (w *FirestoreWriter) updates(m Mutation) []firestore.Update {
	paths := make([]string, 0, len(m.Data))
	for path := range m.Data {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	updates := make([]firestore.Update, 0, len(paths))
	for _, path := range paths {
		updates = append(updates, firestore.Update{
			Path:  path,
			Value: toFirestoreValue(w.conn, m.Data[path]),
		})
	}
	return updates
}
