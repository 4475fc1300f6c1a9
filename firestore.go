package fireview

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"
	"google.golang.org/api/iterator"
)

// FirestoreRemote is a RemoteStore backed by real-time query listeners of the
// firestore client. The client resumes dropped streams itself and exposes no
// resume token, so changes carry none and every Listen starts from a full
// snapshot.
type FirestoreRemote struct {
	conn IConnection
}

var _ RemoteStore = (*FirestoreRemote)(nil)

func NewFirestoreRemote(conn IConnection) *FirestoreRemote {
	return &FirestoreRemote{conn: conn}
}

func (r *FirestoreRemote) Listen(ctx context.Context, targetID int, target *Target, resumeToken []byte) (ListenStream, error) {
	if err := r.conn.Validate(); err != nil {
		return nil, err
	}
	q, err := r.ApplyTarget(target)
	if err != nil {
		return nil, err
	}
	if resumeToken != nil {
		glog.V(2).Infof("[remote]target=%d ignoring resume token, the client resumes internally\n", targetID)
	}
	return &firestoreListenStream{targetID: targetID, iter: q.Snapshots(ctx)}, nil
}

// ApplyTarget translates a target into a firestore query.
func (r *FirestoreRemote) ApplyTarget(target *Target) (firestore.Query, error) {
	client := r.conn.GetClient()
	var q firestore.Query
	switch {
	case target.CollectionGroup() != "":
		q = client.CollectionGroup(target.CollectionGroup()).Query
	case target.IsDocumentQuery():
		key, err := NewDocumentKey(target.Path().CanonicalString())
		if err != nil {
			return q, err
		}
		q = client.Collection(key.Path().Parent().CanonicalString()).Where(firestore.DocumentID, "==", r.conn.Doc(key))
	default:
		q = client.Collection(target.Path().CanonicalString()).Query
	}

	for _, f := range target.Filters() {
		q = q.Where(f.Field, string(f.Op), r.toFirestoreValue(f.Value))
	}
	for _, o := range target.OrderBy() {
		q = q.OrderBy(o.Field, o.Direction)
	}
	if target.HasLimit() {
		q = q.Limit(target.Limit())
	}
	if b := target.StartAt(); b != nil {
		values := r.toFirestoreValues(b.Position)
		if b.Before {
			q = q.StartAt(values...)
		} else {
			q = q.StartAfter(values...)
		}
	}
	if b := target.EndAt(); b != nil {
		values := r.toFirestoreValues(b.Position)
		if b.Before {
			q = q.EndBefore(values...)
		} else {
			q = q.EndAt(values...)
		}
	}
	return q, nil
}

func (r *FirestoreRemote) toFirestoreValues(values []interface{}) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = r.toFirestoreValue(v)
	}
	return out
}

func (r *FirestoreRemote) toFirestoreValue(v interface{}) interface{} {
	return toFirestoreValue(r.conn, v)
}

// toFirestoreValue replaces document keys with references the client can encode.
func toFirestoreValue(conn IConnection, v interface{}) interface{} {
	switch t := v.(type) {
	case DocumentKey:
		return conn.Doc(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = toFirestoreValue(conn, e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = toFirestoreValue(conn, e)
		}
		return out
	}
	return v
}

type firestoreListenStream struct {
	targetID int
	iter     *firestore.QuerySnapshotIterator
	started  bool
}

func (s *firestoreListenStream) Next() (*TargetChange, error) {
	snap, err := s.iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, iterator.Done
	}
	if err != nil {
		if IsStaleListenError(err) {
			return nil, &StaleListenError{TargetID: s.targetID, Err: err}
		}
		return nil, err
	}

	change := &TargetChange{ReadTime: snap.ReadTime, Current: true}
	if !s.started {
		// the first snapshot lists every matching document as added
		s.started = true
		change.Reset = true
	}
	for _, dc := range snap.Changes {
		doc, err := DocumentFromSnapshot(dc.Doc)
		if err != nil {
			return nil, &MalformedSnapshotError{TargetID: s.targetID, Reason: err.Error()}
		}
		switch dc.Kind {
		case firestore.DocumentAdded:
			change.Added = append(change.Added, doc)
		case firestore.DocumentModified:
			change.Modified = append(change.Modified, doc)
		case firestore.DocumentRemoved:
			change.Removed = append(change.Removed, doc.Key)
		}
	}
	return change, nil
}

func (s *firestoreListenStream) Stop() {
	s.iter.Stop()
}

// DocumentFromSnapshot converts a client snapshot into a Document.
func DocumentFromSnapshot(snap *firestore.DocumentSnapshot) (Document, error) {
	if snap == nil || snap.Ref == nil {
		return Document{}, fmt.Errorf("snapshot without a document reference")
	}
	key, err := NewDocumentKey(refPath(snap.Ref))
	if err != nil {
		return Document{}, err
	}
	doc := Document{Key: key, UpdateTime: snap.UpdateTime}
	if snap.Exists() {
		doc.Data = snap.Data()
	}
	return doc, nil
}
