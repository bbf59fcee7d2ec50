package stores

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	_ "github.com/go-kivik/couchdb/v3" // couch driver
	kivik "github.com/go-kivik/kivik/v3"
	"github.com/segmentio/ksuid"
	"openon.io/letters/common/logging"
	pe "openon.io/letters/errors"
	md "openon.io/letters/models"
)

// DraftStore vends operations to manage in-progress letters. Update writes the
// existing row in place - a session that already owns a draft id must never end
// up with a second row.
type DraftStore interface {
	// Create persists a brand new draft and returns it with the assigned id
	Create(ctx context.Context, d *md.Draft) (*md.Draft, *pe.LetterErr)
	Update(ctx context.Context, d *md.Draft) *pe.LetterErr
	Get(ctx context.Context, draftID string) (*md.Draft, *pe.LetterErr)
	List(ctx context.Context, ownerID string) ([]*md.Draft, *pe.LetterErr)
	Delete(ctx context.Context, draftID string) *pe.LetterErr
}

// CouchDraftStore implements DraftStore with CouchDB. Drafts map naturally onto
// couch documents: the revision tracked per document makes update-in-place the
// only write shape available, which is exactly the contract Update needs.
type CouchDraftStore struct {
	DB *kivik.DB
}

// CouchDSN embeds basic-auth credentials into the couch server address. It
// returns the address untouched when user is empty.
func CouchDSN(addr, user, passwd string) (string, error) {
	if user == "" {
		return addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("couch server address %s is invalid: %w", addr, err)
	}
	u.User = url.UserPassword(user, passwd)
	return u.String(), nil
}

// NewCouchDraftStore dials couch and binds to the draft database.
func NewCouchDraftStore(ctx context.Context, addr, dbName string) (*CouchDraftStore, error) {
	client, err := kivik.New("couch", addr)
	if err != nil {
		return nil, fmt.Errorf("error creating couch client: %w", err)
	}
	db := client.DB(ctx, dbName)
	if db.Err() != nil {
		return nil, fmt.Errorf("error binding couch database %s: %w", dbName, db.Err())
	}
	return &CouchDraftStore{DB: db}, nil
}

func (s *CouchDraftStore) Create(ctx context.Context, d *md.Draft) (*md.Draft, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("ownerID", d.OwnerID)
	kid, err := ksuid.NewRandom()
	if err != nil {
		clog.WithError(err).Error("error generating draft id")
		return nil, pe.ErrServiceFailure("error creating draft").WithCause(err)
	}
	saved := *d
	saved.ID = kid.String()
	saved.Rev = ""
	saved.UpdatedAt = time.Now()
	rev, err := s.DB.Put(ctx, saved.ID, &saved)
	if err != nil {
		clog.WithError(err).Error("error saving draft document")
		return nil, pe.ErrServiceFailure("error creating draft").WithCause(err)
	}
	saved.Rev = rev
	return &saved, nil
}

func (s *CouchDraftStore) Update(ctx context.Context, d *md.Draft) *pe.LetterErr {
	clog := logging.WithFuncName().WithField("draftID", d.ID)
	if d.ID == "" {
		return pe.ErrBadInput("draft id required for update")
	}
	// read the current revision so the put lands on the live row instead of
	// conflicting with an autosave that slipped in earlier
	existing, gerr := s.Get(ctx, d.ID)
	if gerr != nil {
		return gerr
	}
	updated := *d
	updated.Rev = existing.Rev
	updated.UpdatedAt = time.Now()
	if _, err := s.DB.Put(ctx, updated.ID, &updated); err != nil {
		clog.WithError(err).Error("error updating draft document")
		return pe.ErrServiceFailure("error updating draft").WithCause(err)
	}
	return nil
}

func (s *CouchDraftStore) Get(ctx context.Context, draftID string) (*md.Draft, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("draftID", draftID)
	row := s.DB.Get(ctx, draftID)
	var d md.Draft
	if err := row.ScanDoc(&d); err != nil {
		if kivik.StatusCode(err) == http.StatusNotFound {
			return nil, pe.ErrNotFound(fmt.Sprintf("draft %s not found", draftID))
		}
		clog.WithError(err).Error("error reading draft document")
		return nil, pe.ErrServiceFailure("error reading draft").WithCause(err)
	}
	return &d, nil
}

func (s *CouchDraftStore) List(ctx context.Context, ownerID string) ([]*md.Draft, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("ownerID", ownerID)
	rows, err := s.DB.Find(ctx, map[string]interface{}{
		"selector": map[string]interface{}{"ownerId": ownerID},
	})
	if err != nil {
		clog.WithError(err).Error("error querying drafts by owner")
		return nil, pe.ErrServiceFailure("error listing drafts").WithCause(err)
	}
	defer rows.Close()
	ds := []*md.Draft{}
	for rows.Next() {
		var d md.Draft
		if err := rows.ScanDoc(&d); err != nil {
			clog.WithError(err).Error("error scanning draft document")
			return nil, pe.ErrServiceFailure("error listing drafts").WithCause(err)
		}
		ds = append(ds, &d)
	}
	if err := rows.Err(); err != nil {
		clog.WithError(err).Error("error iterating draft documents")
		return nil, pe.ErrServiceFailure("error listing drafts").WithCause(err)
	}
	return ds, nil
}

func (s *CouchDraftStore) Delete(ctx context.Context, draftID string) *pe.LetterErr {
	clog := logging.WithFuncName().WithField("draftID", draftID)
	existing, gerr := s.Get(ctx, draftID)
	if gerr != nil {
		if gerr.Code == pe.ErrCodeNotFound {
			// deleting an already-gone draft is fine
			return nil
		}
		return gerr
	}
	if _, err := s.DB.Delete(ctx, draftID, existing.Rev); err != nil {
		clog.WithError(err).Error("error deleting draft document")
		return pe.ErrServiceFailure("error deleting draft").WithCause(err)
	}
	return nil
}
