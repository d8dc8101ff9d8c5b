package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/photoaiproxy/api/internal/apperr"
	"github.com/photoaiproxy/api/internal/model"
)

const defaultCollection = "jobs"

// FirestoreStore keeps jobs as documents in a collection (jobs/<id>), the
// layout mobile clients already observe for polling.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	if _, err := s.doc(job.ID).Create(ctx, job); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return apperr.DuplicateJobID(job.ID)
		}
		return wrapError("create job", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*model.Job, error) {
	snap, err := s.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, apperr.JobNotFound(id)
		}
		return nil, wrapError("get job", err)
	}
	return decode(snap)
}

func (s *FirestoreStore) Transition(ctx context.Context, id string, to model.JobState, result *model.NormalizedResult, errDetail string) (*model.Job, error) {
	var out *model.Job
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.getTx(tx, id)
		if err != nil {
			return err
		}
		out = job
		if err := applyTransition(job, to, result, errDetail, s.now()); err != nil {
			return err
		}
		return tx.Set(s.doc(id), job)
	}, firestore.MaxAttempts(maxCASAttempts))
	return out, unwrapTxError(err)
}

func (s *FirestoreStore) AttachVendorRequest(ctx context.Context, id, requestID string) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.getTx(tx, id)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return nil
		}
		return tx.Update(s.doc(id), []firestore.Update{{Path: "vendorRequestId", Value: requestID}})
	})
	return unwrapTxError(err)
}

func (s *FirestoreStore) getTx(tx *firestore.Transaction, id string) (*model.Job, error) {
	snap, err := tx.Get(s.doc(id))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, apperr.JobNotFound(id)
		}
		return nil, wrapError("get job", err)
	}
	return decode(snap)
}

func decode(snap *firestore.DocumentSnapshot) (*model.Job, error) {
	var job model.Job
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", snap.Ref.ID, err)
	}
	if job.ID == "" {
		job.ID = snap.Ref.ID
	}
	return &job, nil
}

// unwrapTxError keeps typed store errors intact when they abort a transaction.
func unwrapTxError(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := apperr.As(err); ok {
		return e
	}
	return err
}

func wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("firestore %s (%s): %w", op, status.Code(err), err)
}
