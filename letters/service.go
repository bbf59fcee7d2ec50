// Package letters holds the letter lifecycle rules: creation validation and the
// one-directional reveal of an anonymous sender's identity.
package letters

import (
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"openon.io/letters/common/logging"
	pe "openon.io/letters/errors"
	md "openon.io/letters/models"
	st "openon.io/letters/stores"
)

// CreateInput carries client-supplied letter data. RevealDelaySeconds is a
// pointer so "absent" and "zero" stay distinguishable: a zero delay on an
// anonymous letter means reveal-on-open, while any delay on a non-anonymous
// letter is malformed.
type CreateInput struct {
	SenderID           string
	RecipientID        string
	Title              string
	Content            string
	PhotoRef           string
	Anonymous          bool
	RevealDelaySeconds *int64
	DeliverAt          time.Time
}

// Service orchestrates letter operations over the stores. Now is injectable so
// reveal timing is testable against a fixed clock.
type Service struct {
	Letters     st.LetterStore
	Connections st.ConnectionStore
	Now         func() time.Time
}

func NewService(letters st.LetterStore, connections st.ConnectionStore) *Service {
	return &Service{
		Letters:     letters,
		Connections: connections,
		Now:         time.Now,
	}
}

// Create validates the input and persists a new sealed letter. All rejections
// are synchronous with a specific reason; nothing is silently coerced here.
func (s *Service) Create(in CreateInput) (*md.Letter, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("senderID", in.SenderID)
	if in.SenderID == "" || in.RecipientID == "" {
		return nil, pe.ErrBadInput("letter requires both sender and recipient")
	}
	if in.SenderID == in.RecipientID {
		return nil, pe.ErrBadInput("letter sender and recipient must differ")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, pe.ErrBadInput("letter content cannot be empty")
	}
	var delay time.Duration
	if in.Anonymous {
		if in.RevealDelaySeconds == nil {
			return nil, pe.ErrBadInput("anonymous letter requires a reveal delay")
		}
		if *in.RevealDelaySeconds < 0 || *in.RevealDelaySeconds > int64(md.RevealDelayMax/time.Second) {
			return nil, pe.ErrBadInput(fmt.Sprintf("reveal delay out of range [0, %d] seconds",
				int64(md.RevealDelayMax/time.Second)))
		}
		delay = time.Duration(*in.RevealDelaySeconds) * time.Second
		connected, err := s.Connections.AreConnected(in.SenderID, in.RecipientID)
		if err != nil {
			return nil, err
		}
		if !connected {
			return nil, pe.ErrBadInput("anonymous letters require a mutual connection with the recipient")
		}
	} else if in.RevealDelaySeconds != nil {
		return nil, pe.ErrBadInput("reveal delay is only valid on anonymous letters")
	}
	kid, kerr := ksuid.NewRandom()
	if kerr != nil {
		clog.WithError(kerr).Error("fail to generate letter id")
		return nil, pe.ErrServiceFailure("error creating letter").WithCause(kerr)
	}
	now := s.Now()
	deliverAt := in.DeliverAt
	if deliverAt.IsZero() {
		deliverAt = now
	}
	l := &md.Letter{
		ID:          kid.String(),
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Title:       in.Title,
		Content:     in.Content,
		PhotoRef:    in.PhotoRef,
		Anonymous:   in.Anonymous,
		RevealDelay: delay,
		Status:      md.StatusSealed,
		DeliverAt:   deliverAt,
		CreatedAt:   now,
	}
	if err := s.Letters.Create(l); err != nil {
		clog.WithError(err).Error("error persisting letter")
		return nil, err
	}
	return l, nil
}

// Open records the recipient's open action. The first open wins: it stamps
// OpenedAt and, for anonymous letters, persists RevealAt = now + delay with the
// delay clamped at the policy max regardless of any larger stored value. A
// repeat open is a silent no-op returning the current state. The returned view
// is sanitized per the reveal state at return time.
func (s *Service) Open(letterID, userID string) (*md.LetterView, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("letterID", letterID)
	l, err := s.Letters.Get(letterID)
	if err != nil {
		return nil, err
	}
	if l.RecipientID != userID {
		// do not leak the letter's existence to non-recipients
		return nil, pe.ErrNotFound(fmt.Sprintf("letter %s not found", letterID))
	}
	now := s.Now()
	if l.Status == md.StatusDeleted {
		return nil, pe.ErrConflict("letter has been deleted")
	}
	if l.Opened() {
		// first open won already; report existing state without error
		v := l.View(now)
		return &v, nil
	}
	if !l.Unlockable(now) {
		return nil, pe.ErrConflict(fmt.Sprintf("letter is sealed until %s", l.DeliverAt.Format(time.RFC3339)))
	}
	var revealAt *time.Time
	if l.Anonymous {
		delay := l.RevealDelay
		if delay > md.RevealDelayMax {
			// stored data exceeding policy max is clamped, not trusted
			clog.WithField("revealDelay", delay).Warning("stored reveal delay above policy max; clamping")
			delay = md.RevealDelayMax
		}
		at := now.Add(delay)
		revealAt = &at
	}
	opened, _, oerr := s.Letters.Open(letterID, now, revealAt)
	if oerr != nil {
		clog.WithError(oerr).Error("error recording letter open")
		return nil, oerr
	}
	v := opened.View(now)
	return &v, nil
}

// Get returns the letter sanitized for the requesting user. Senders always see
// their own identity; recipients see it only once revealed.
func (s *Service) Get(letterID, userID string) (*md.LetterView, *pe.LetterErr) {
	l, err := s.Letters.Get(letterID)
	if err != nil {
		return nil, err
	}
	if l.SenderID != userID && l.RecipientID != userID {
		return nil, pe.ErrNotFound(fmt.Sprintf("letter %s not found", letterID))
	}
	v := s.view(l, userID)
	return &v, nil
}

// Inbox lists letters addressed to the user, sanitized per the reveal state at
// call time.
func (s *Service) Inbox(userID string) ([]md.LetterView, *pe.LetterErr) {
	ls, err := s.Letters.Inbox(userID)
	if err != nil {
		return nil, err
	}
	return s.views(ls, userID), nil
}

// Outbox lists letters the user sent.
func (s *Service) Outbox(userID string) ([]md.LetterView, *pe.LetterErr) {
	ls, err := s.Letters.Outbox(userID)
	if err != nil {
		return nil, err
	}
	return s.views(ls, userID), nil
}

// Discard soft-deletes a letter. Only the sender may discard, and only before
// the recipient opened it.
func (s *Service) Discard(letterID, userID string) *pe.LetterErr {
	l, err := s.Letters.Get(letterID)
	if err != nil {
		return err
	}
	if l.SenderID != userID {
		return pe.ErrNotFound(fmt.Sprintf("letter %s not found", letterID))
	}
	if l.Opened() {
		return pe.ErrConflict("letter has already been opened")
	}
	return s.Letters.MarkDeleted(letterID)
}

func (s *Service) views(ls []*md.Letter, userID string) []md.LetterView {
	vs := make([]md.LetterView, 0, len(ls))
	for _, l := range ls {
		if l.Status == md.StatusDeleted {
			continue
		}
		vs = append(vs, s.view(l, userID))
	}
	return vs
}

func (s *Service) view(l *md.Letter, userID string) md.LetterView {
	// always re-derive against a fresh now; a cached revealed flag can go stale
	v := l.View(s.Now())
	if l.SenderID == userID {
		// the sender is never anonymous to themselves
		v.SenderID = l.SenderID
		v.SenderName = ""
		v.Revealed = true
	}
	return v
}
