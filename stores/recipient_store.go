package stores

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
	"github.com/segmentio/ksuid"
	"openon.io/letters/common/logging"
	pe "openon.io/letters/errors"
	md "openon.io/letters/models"
)

// RecipientStore vends operations to manage a user's address book.
type RecipientStore interface {
	// Create persists the recipient. For connection-based recipients the
	// (ownerID, linkedUserID) pair acts as an idempotency key: a second create
	// for the same pair returns the existing row instead of a duplicate.
	Create(r *md.Recipient) (*md.Recipient, *pe.LetterErr)
	List(ownerID string) ([]*md.Recipient, *pe.LetterErr)
	Delete(ownerID, recipientID string) *pe.LetterErr
}

// RedisRecipientStore is a RecipientStore implementation driven by Redis.
type RedisRecipientStore struct {
	DB *redis.Client
}

const (
	// per-owner recipient set
	keyTmplRecipients = `recipients.%s`
	// idempotency key guarding one row per (owner, linked user) pair
	keyTmplRecipientLink = `recipientLink.%s.%s`
	keyTmplRecipientBlob = `recipient.%s`
)

func (s *RedisRecipientStore) Create(r *md.Recipient) (*md.Recipient, *pe.LetterErr) {
	const errMsg = "error saving recipient"
	clog := logging.WithFuncName().WithField("ownerID", r.OwnerID)
	saved := *r
	if saved.ID == "" {
		kid, err := ksuid.NewRandom()
		if err != nil {
			clog.WithError(err).Error("error generating recipient id")
			return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
		}
		saved.ID = kid.String()
	}
	if saved.LinkedUserID != "" {
		existing, cerr := s.claimLink(&saved)
		if cerr != nil {
			return nil, cerr
		}
		if existing != nil {
			return existing, nil
		}
	}
	blob, err := json.Marshal(&saved)
	if err != nil {
		clog.WithError(err).Error("error marshalling recipient")
		return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	if _, err := s.DB.Set(fmt.Sprintf(keyTmplRecipientBlob, saved.ID), blob, 0).Result(); err != nil {
		clog.WithError(err).Error("error saving recipient blob")
		s.releaseLink(&saved)
		return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	if _, err := s.DB.SAdd(fmt.Sprintf(keyTmplRecipients, saved.OwnerID), saved.ID).Result(); err != nil {
		clog.WithError(err).Error("error indexing recipient for owner")
		s.releaseLink(&saved)
		return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	return &saved, nil
}

// claimLink claims the (owner, linked user) idempotency key for r.ID. It
// returns the existing recipient when another create already holds the key, or
// (nil, nil) when the claim succeeded and the caller should persist r. A key
// whose recipient blob is gone, left by a create that failed after claiming,
// is released and claimed anew.
func (s *RedisRecipientStore) claimLink(r *md.Recipient) (*md.Recipient, *pe.LetterErr) {
	const errMsg = "error saving recipient"
	clog := logging.WithFuncName().WithField("ownerID", r.OwnerID)
	linkKey := fmt.Sprintf(keyTmplRecipientLink, r.OwnerID, r.LinkedUserID)
	// SETNX is the authoritative duplicate guard; racing creates for the same
	// pair converge on whoever wrote the key first
	for attempt := 0; attempt < 2; attempt++ {
		won, err := s.DB.SetNX(linkKey, r.ID, 0).Result()
		if err != nil {
			clog.WithError(err).Error("error claiming recipient idempotency key")
			return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
		}
		if won {
			return nil, nil
		}
		existingID, err := s.DB.Get(linkKey).Result()
		if err == redis.Nil {
			// holder released the key between our SETNX and GET; claim again
			continue
		}
		if err != nil {
			clog.WithError(err).Error("error reading existing recipient id")
			return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
		}
		existing, gerr := s.get(existingID)
		if gerr == nil {
			clog.WithField("recipientID", existingID).Debug("recipient already exists for linked user")
			return existing, nil
		}
		if gerr.Code != pe.ErrCodeNotFound {
			return nil, gerr
		}
		// key without a blob, left behind by an interrupted create
		clog.WithField("recipientID", existingID).Warning("releasing dangling recipient idempotency key")
		if _, err := s.DB.Del(linkKey).Result(); err != nil {
			clog.WithError(err).Error("error releasing dangling recipient idempotency key")
			return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
		}
	}
	return nil, pe.ErrServiceFailure(errMsg)
}

// releaseLink undoes a claimed idempotency key after a failed create so the
// pair stays creatable. Release failure is logged only; claimLink reclaims a
// dangling key on the next create for the pair.
func (s *RedisRecipientStore) releaseLink(r *md.Recipient) {
	if r.LinkedUserID == "" {
		return
	}
	linkKey := fmt.Sprintf(keyTmplRecipientLink, r.OwnerID, r.LinkedUserID)
	if _, err := s.DB.Del(linkKey).Result(); err != nil {
		logging.WithFuncName().WithError(err).WithField("ownerID", r.OwnerID).
			Warning("recipient idempotency key left dangling after failed create")
	}
}

func (s *RedisRecipientStore) get(recipientID string) (*md.Recipient, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("recipientID", recipientID)
	blob, err := s.DB.Get(fmt.Sprintf(keyTmplRecipientBlob, recipientID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, pe.ErrNotFound(fmt.Sprintf("recipient %s not found", recipientID))
		}
		clog.WithError(err).Error("error reading recipient blob")
		return nil, pe.ErrServiceFailure("error reading recipient").WithCause(err)
	}
	var r md.Recipient
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		clog.WithError(err).Error("error unmarshalling recipient")
		return nil, pe.ErrServiceFailure("error reading recipient").WithCause(err)
	}
	return &r, nil
}

// releaseDanglingLinks deletes the owner's idempotency keys still pointing at
// recipientID after its blob is gone. Address books are small, so KEYS over
// the owner's link prefix is fine here.
func (s *RedisRecipientStore) releaseDanglingLinks(ownerID, recipientID string) *pe.LetterErr {
	const errMsg = "error deleting recipient"
	clog := logging.WithFuncName().WithField("ownerID", ownerID)
	keys, err := s.DB.Keys(fmt.Sprintf(keyTmplRecipientLink, ownerID, "*")).Result()
	if err != nil {
		clog.WithError(err).Error("error scanning recipient idempotency keys")
		return pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	for _, k := range keys {
		id, err := s.DB.Get(k).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			clog.WithError(err).Error("error reading recipient idempotency key")
			return pe.ErrServiceFailure(errMsg).WithCause(err)
		}
		if id != recipientID {
			continue
		}
		clog.WithField("recipientID", recipientID).Warning("releasing dangling recipient idempotency key")
		if _, err := s.DB.Del(k).Result(); err != nil {
			clog.WithError(err).Error("error releasing recipient idempotency key")
			return pe.ErrServiceFailure(errMsg).WithCause(err)
		}
	}
	return nil
}

func (s *RedisRecipientStore) List(ownerID string) ([]*md.Recipient, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("ownerID", ownerID)
	ids, err := s.DB.SMembers(fmt.Sprintf(keyTmplRecipients, ownerID)).Result()
	if err != nil {
		msg := "error listing recipient ids"
		clog.WithError(err).Error(msg)
		return nil, pe.ErrServiceFailure(msg).WithCause(err)
	}
	rs := make([]*md.Recipient, 0, len(ids))
	for _, id := range ids {
		r, gerr := s.get(id)
		if gerr != nil {
			if gerr.Code == pe.ErrCodeNotFound {
				clog.WithField("recipientID", id).Warning("recipient index entry without blob")
				continue
			}
			return nil, gerr
		}
		rs = append(rs, r)
	}
	return rs, nil
}

func (s *RedisRecipientStore) Delete(ownerID, recipientID string) *pe.LetterErr {
	clog := logging.WithFuncName().WithField("recipientID", recipientID)
	r, gerr := s.get(recipientID)
	if gerr != nil {
		if gerr.Code == pe.ErrCodeNotFound {
			// blob already gone; the linked user is unrecoverable from the id, so
			// sweep the owner's link keys for ones still pointing at it
			return s.releaseDanglingLinks(ownerID, recipientID)
		}
		return gerr
	}
	if r.LinkedUserID != "" {
		if _, err := s.DB.Del(fmt.Sprintf(keyTmplRecipientLink, ownerID, r.LinkedUserID)).Result(); err != nil {
			clog.WithError(err).Error("error releasing recipient idempotency key")
			return pe.ErrServiceFailure("error deleting recipient").WithCause(err)
		}
	}
	if _, err := s.DB.SRem(fmt.Sprintf(keyTmplRecipients, ownerID), recipientID).Result(); err != nil {
		clog.WithError(err).Error("error removing recipient from owner index")
		return pe.ErrServiceFailure("error deleting recipient").WithCause(err)
	}
	if _, err := s.DB.Del(fmt.Sprintf(keyTmplRecipientBlob, recipientID)).Result(); err != nil {
		clog.WithError(err).Error("error deleting recipient blob")
		return pe.ErrServiceFailure("error deleting recipient").WithCause(err)
	}
	return nil
}
