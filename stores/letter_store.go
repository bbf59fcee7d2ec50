package stores

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"openon.io/letters/common/logging"
	pe "openon.io/letters/errors"
	md "openon.io/letters/models"
)

// LetterStore vends the interface to interact with letter data. It exposes raw
// reveal fields (openedAt, revealAt, senderRevealedAt) verbatim - sanitizing for
// display is the consumer's job.
type LetterStore interface {
	Create(l *md.Letter) *pe.LetterErr
	Get(letterID string) (*md.Letter, *pe.LetterErr)
	// Open records the recipient's first open. The first caller wins; later calls
	// leave the stored state untouched. It returns the letter state after the
	// call and whether this call performed the first open.
	Open(letterID string, openedAt time.Time, revealAt *time.Time) (*md.Letter, bool, *pe.LetterErr)
	Inbox(userID string) ([]*md.Letter, *pe.LetterErr)
	Outbox(userID string) ([]*md.Letter, *pe.LetterErr)
	// MarkDeleted soft-deletes the letter; the row stays for audit
	MarkDeleted(letterID string) *pe.LetterErr
	// Due returns ids of up to max opened anonymous letters whose reveal instant
	// has passed and whose sender is not yet marked revealed. It returns all of
	// them when max == 0.
	Due(max int) ([]string, *pe.LetterErr)
	// MarkRevealed stamps senderRevealedAt. It must be idempotent per row: the
	// first stamp wins and later calls are no-ops.
	MarkRevealed(letterID string, at time.Time) *pe.LetterErr
	Close() *pe.LetterErr
}

// RedisLetterStore is a LetterStore implementation driven by Redis.
type RedisLetterStore struct {
	DB *redis.Client
}

const (
	fieldNameSenderID         = "senderId"
	fieldNameRecipientID      = "recipientId"
	fieldNameTitle            = "title"
	fieldNameContent          = "content"
	fieldNamePhotoRef         = "photoRef"
	fieldNameAnonymous        = "anonymous"
	fieldNameRevealDelay      = "revealDelay"
	fieldNameStatus           = "status"
	fieldNameDeliverAt        = "deliverAt"
	fieldNameCreatedAt        = "createdAt"
	fieldNameOpenedAt         = "openedAt"
	fieldNameRevealAt         = "revealAt"
	fieldNameSenderRevealedAt = "senderRevealedAt"

	// redis key of the sorted set whose score is the letter's reveal-due instant
	keyRevealSet = "revealSet"
	// per-user letter indexes, scored by creation time
	keyTmplInbox  = `inbox.%s`
	keyTmplOutbox = `outbox.%s`
)

func (s *RedisLetterStore) Create(l *md.Letter) *pe.LetterErr {
	const errMsg = "error saving letter"
	clog := log.WithField("letterID", l.ID)
	if err := s.save(l); err != nil {
		clog.WithError(err).Error("Create: error calling Redis to save letter hash")
		return pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	// index the letter for both participants' listings
	score := float64(l.CreatedAt.Unix())
	if _, err := s.DB.ZAddNX(fmt.Sprintf(keyTmplInbox, l.RecipientID),
		redis.Z{Score: score, Member: l.ID}).Result(); err != nil {
		clog.WithError(err).Error("Create: error indexing letter for recipient")
		return pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	if _, err := s.DB.ZAddNX(fmt.Sprintf(keyTmplOutbox, l.SenderID),
		redis.Z{Score: score, Member: l.ID}).Result(); err != nil {
		clog.WithError(err).Error("Create: error indexing letter for sender")
		return pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (s *RedisLetterStore) save(l *md.Letter) error {
	fields := map[string]interface{}{
		fieldNameSenderID:    l.SenderID,
		fieldNameRecipientID: l.RecipientID,
		fieldNameTitle:       l.Title,
		fieldNameContent:     l.Content,
		fieldNamePhotoRef:    l.PhotoRef,
		fieldNameAnonymous:   l.Anonymous,
		fieldNameRevealDelay: int64(l.RevealDelay),
		fieldNameStatus:      int(l.Status),
		fieldNameDeliverAt:   l.DeliverAt,
		fieldNameCreatedAt:   l.CreatedAt,
	}
	if _, err := s.DB.HMSet(l.ID, fields).Result(); err != nil {
		return err
	}
	return nil
}

func (s *RedisLetterStore) Get(letterID string) (*md.Letter, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("letterID", letterID)
	m, err := s.DB.HGetAll(letterID).Result()
	if err != nil {
		msg := "error getting letter data"
		clog.WithError(err).Error(msg)
		return nil, pe.ErrServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		return nil, pe.ErrNotFound(fmt.Sprintf("letter %s not found", letterID))
	}
	return s.unmarshal(letterID, m)
}

func (s *RedisLetterStore) unmarshal(letterID string, m map[string]string) (*md.Letter, *pe.LetterErr) {
	clog := log.WithField("letterID", letterID)
	l := &md.Letter{
		ID:          letterID,
		SenderID:    m[fieldNameSenderID],
		RecipientID: m[fieldNameRecipientID],
		Title:       m[fieldNameTitle],
		Content:     m[fieldNameContent],
		PhotoRef:    m[fieldNamePhotoRef],
	}
	anon, err := strconv.ParseBool(m[fieldNameAnonymous])
	if err != nil {
		msg := "error unmarshalling anonymity flag"
		clog.WithError(err).Error(msg)
		return nil, pe.ErrServiceFailure(msg).WithCause(err)
	}
	l.Anonymous = anon

	delay, err := strconv.ParseInt(m[fieldNameRevealDelay], 10, 64)
	if err != nil {
		msg := "error unmarshalling reveal delay"
		clog.WithError(err).Error(msg)
		return nil, pe.ErrServiceFailure(msg).WithCause(err)
	}
	l.RevealDelay = time.Duration(delay)

	status, err := strconv.Atoi(m[fieldNameStatus])
	if err != nil {
		msg := "error unmarshalling letter status"
		clog.WithError(err).Error(msg)
		return nil, pe.ErrServiceFailure(msg).WithCause(err)
	}
	l.Status = md.LetterStatus(status)
	if _, ok := md.LetterStatusVals[l.Status]; !ok {
		msg := fmt.Sprintf("unknown letter status %d", status)
		clog.Error(msg)
		return nil, pe.ErrServiceFailure(msg)
	}

	for _, tf := range []struct {
		field string
		dst   *time.Time
	}{
		{fieldNameDeliverAt, &l.DeliverAt},
		{fieldNameCreatedAt, &l.CreatedAt},
	} {
		var t time.Time
		if err := t.UnmarshalBinary([]byte(m[tf.field])); err != nil {
			msg := fmt.Sprintf("error unmarshalling letter %s", tf.field)
			clog.WithError(err).Error(msg)
			return nil, pe.ErrServiceFailure(msg).WithCause(err)
		}
		*tf.dst = t
	}
	for _, tf := range []struct {
		field string
		dst   **time.Time
	}{
		{fieldNameOpenedAt, &l.OpenedAt},
		{fieldNameRevealAt, &l.RevealAt},
		{fieldNameSenderRevealedAt, &l.SenderRevealedAt},
	} {
		raw, ok := m[tf.field]
		if !ok || raw == "" {
			continue
		}
		var t time.Time
		if err := t.UnmarshalBinary([]byte(raw)); err != nil {
			msg := fmt.Sprintf("error unmarshalling letter %s", tf.field)
			clog.WithError(err).Error(msg)
			return nil, pe.ErrServiceFailure(msg).WithCause(err)
		}
		*tf.dst = &t
	}
	return l, nil
}

func (s *RedisLetterStore) Open(letterID string, openedAt time.Time, revealAt *time.Time) (*md.Letter, bool, *pe.LetterErr) {
	const errMsg = "error opening letter"
	clog := logging.WithFuncName().WithField("letterID", letterID)
	// HSETNX decides the first open atomically; a concurrent opener observes
	// won == false and reads back the winner's state
	won, err := s.DB.HSetNX(letterID, fieldNameOpenedAt, openedAt).Result()
	if err != nil {
		clog.WithError(err).Error("error recording letter open instant")
		return nil, false, pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	if won {
		fields := map[string]interface{}{
			fieldNameStatus: int(md.StatusOpened),
		}
		if revealAt != nil {
			fields[fieldNameRevealAt] = *revealAt
		}
		if _, err := s.DB.HMSet(letterID, fields).Result(); err != nil {
			clog.WithError(err).Error("error recording letter open state")
			return nil, false, pe.ErrServiceFailure(errMsg).WithCause(err)
		}
		// queue the letter for the reveal sweep
		if revealAt != nil {
			member := redis.Z{Score: float64(revealAt.Unix()), Member: letterID}
			if _, err := s.DB.ZAddNX(keyRevealSet, member).Result(); err != nil {
				clog.WithError(err).Error("error indexing letter for reveal sweep")
				return nil, false, pe.ErrServiceFailure(errMsg).WithCause(err)
			}
		}
	}
	l, gerr := s.Get(letterID)
	if gerr != nil {
		return nil, won, gerr
	}
	if !won && l.SenderRevealedAt == nil {
		if gerr := s.repairOpenState(l, revealAt); gerr != nil {
			return nil, won, gerr
		}
	}
	return l, won, nil
}

// repairOpenState backfills the writes an earlier open may have dropped after
// winning the openedAt stamp: the status flip, the persisted reveal instant,
// and the reveal sweep index entry. All writes are idempotent, so running it on
// every losing open is safe; revealed letters are excluded by the caller so a
// swept letter is never re-queued.
func (s *RedisLetterStore) repairOpenState(l *md.Letter, revealAt *time.Time) *pe.LetterErr {
	const errMsg = "error opening letter"
	clog := logging.WithFuncName().WithField("letterID", l.ID)
	fields := map[string]interface{}{}
	if l.Status == md.StatusSealed || l.Status == md.StatusReady {
		fields[fieldNameStatus] = int(md.StatusOpened)
		l.Status = md.StatusOpened
	}
	if revealAt != nil && l.RevealAt == nil {
		fields[fieldNameRevealAt] = *revealAt
		t := *revealAt
		l.RevealAt = &t
	}
	if len(fields) > 0 {
		clog.Warning("backfilling open state dropped by an earlier open")
		if _, err := s.DB.HMSet(l.ID, fields).Result(); err != nil {
			clog.WithError(err).Error("error backfilling letter open state")
			return pe.ErrServiceFailure(errMsg).WithCause(err)
		}
	}
	if l.RevealAt != nil {
		member := redis.Z{Score: float64(l.RevealAt.Unix()), Member: l.ID}
		if _, err := s.DB.ZAddNX(keyRevealSet, member).Result(); err != nil {
			clog.WithError(err).Error("error backfilling reveal sweep index")
			return pe.ErrServiceFailure(errMsg).WithCause(err)
		}
	}
	return nil
}

func (s *RedisLetterStore) Inbox(userID string) ([]*md.Letter, *pe.LetterErr) {
	return s.list(fmt.Sprintf(keyTmplInbox, userID))
}

func (s *RedisLetterStore) Outbox(userID string) ([]*md.Letter, *pe.LetterErr) {
	return s.list(fmt.Sprintf(keyTmplOutbox, userID))
}

func (s *RedisLetterStore) list(indexKey string) ([]*md.Letter, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("indexKey", indexKey)
	// newest first
	ids, err := s.DB.ZRevRange(indexKey, 0, -1).Result()
	if err != nil {
		msg := "error listing letter ids"
		clog.WithError(err).Error(msg)
		return nil, pe.ErrServiceFailure(msg).WithCause(err)
	}
	ls := make([]*md.Letter, 0, len(ids))
	for _, id := range ids {
		l, gerr := s.Get(id)
		if gerr != nil {
			if gerr.Code == pe.ErrCodeNotFound {
				// index entry outlived the hash; skip rather than fail the listing
				clog.WithField("letterID", id).Warning("letter index entry without letter hash")
				continue
			}
			return nil, gerr
		}
		ls = append(ls, l)
	}
	return ls, nil
}

func (s *RedisLetterStore) MarkDeleted(letterID string) *pe.LetterErr {
	clog := logging.WithFuncName().WithField("letterID", letterID)
	if _, err := s.DB.HSet(letterID, fieldNameStatus, int(md.StatusDeleted)).Result(); err != nil {
		msg := "error marking letter deleted"
		clog.WithError(err).Error(msg)
		return pe.ErrServiceFailure(msg).WithCause(err)
	}
	// a deleted letter never reveals
	if _, err := s.DB.ZRem(keyRevealSet, letterID).Result(); err != nil {
		msg := "error removing deleted letter from reveal index"
		clog.WithError(err).Error(msg)
		return pe.ErrServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (s *RedisLetterStore) Due(max int) ([]string, *pe.LetterErr) {
	const errMsg = "error loading due reveals"
	clog := logging.WithFuncName()
	count := max
	if max < 0 {
		return nil, pe.ErrBadInput(fmt.Sprintf("got negative max item count %d", max))
	} else if max == 0 {
		count = -1
	}
	now := time.Now().Unix()
	opt := redis.ZRangeBy{Min: "0", Max: strconv.FormatInt(now, 10), Count: int64(count)}
	ids, err := s.DB.ZRangeByScore(keyRevealSet, opt).Result()
	if err != nil {
		clog.WithError(err).Error("error calling redis to get ids of due reveals")
		return nil, pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	clog.WithField("ids", ids).Debug("done loading due reveal ids")
	return ids, nil
}

func (s *RedisLetterStore) MarkRevealed(letterID string, at time.Time) *pe.LetterErr {
	const errMsg = "error marking sender revealed"
	clog := logging.WithFuncName().WithField("letterID", letterID)
	// first stamp wins; re-running the sweep over the same row is a no-op
	won, err := s.DB.HSetNX(letterID, fieldNameSenderRevealedAt, at).Result()
	if err != nil {
		clog.WithError(err).Error("error stamping senderRevealedAt")
		return pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	if !won {
		clog.Debug("sender already marked revealed")
	}
	// deregister from the sweep index either way
	if _, err := s.DB.ZRem(keyRevealSet, letterID).Result(); err != nil {
		clog.WithError(err).Error("error removing letter from reveal index")
		return pe.ErrServiceFailure(errMsg).WithCause(err)
	}
	return nil
}

func (s *RedisLetterStore) Close() *pe.LetterErr {
	if err := s.DB.Close(); err != nil {
		return pe.ErrServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}
