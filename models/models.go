package models

import (
	"time"
)

/*
 Application layer data models.
*/

// RevealDelayMax caps how long an anonymous sender can stay concealed after the
// recipient opens the letter. Stored values above the cap are clamped at open
// time rather than trusted.
const RevealDelayMax = 72 * time.Hour

// AnonymousSenderName is the placeholder shown in place of a concealed sender.
const AnonymousSenderName = "Anonymous"

type LetterStatus int

const (
	StatusSealed LetterStatus = iota
	StatusReady
	StatusOpened
	StatusDeleted
)

var LetterStatusVals = map[LetterStatus]struct{}{
	StatusSealed:  {},
	StatusReady:   {},
	StatusOpened:  {},
	StatusDeleted: {},
}

// Letter is a message with a scheduled unlock time and an optional
// sender-anonymity window.
type Letter struct {
	ID          string
	SenderID    string
	RecipientID string
	Title       string
	Content     string
	// PhotoRef stores the letter photo's reference in file storage layer
	PhotoRef    string
	Anonymous   bool
	RevealDelay time.Duration // meaningful iff Anonymous
	Status      LetterStatus
	DeliverAt   time.Time
	CreatedAt   time.Time
	// OpenedAt is set exactly once, when the recipient first opens the letter
	OpenedAt *time.Time
	// RevealAt = OpenedAt + RevealDelay, persisted at open time. Nil on rows
	// opened before the column existed; derive via EffectiveRevealAt instead of
	// reading it directly.
	RevealAt *time.Time
	// SenderRevealedAt is stamped by the reveal sweep once the reveal is due
	SenderRevealedAt *time.Time
}

// Opened reports whether the recipient has opened the letter.
func (l *Letter) Opened() bool {
	return l.OpenedAt != nil
}

// Unlockable reports whether the letter's scheduled delivery time has passed.
func (l *Letter) Unlockable(now time.Time) bool {
	return !now.Before(l.DeliverAt)
}

// EffectiveRevealAt returns the instant the sender identity becomes due for
// disclosure. It prefers the persisted RevealAt and falls back to
// OpenedAt + RevealDelay for rows persisted before RevealAt existed. The stored
// delay is clamped at RevealDelayMax. ok is false for non-anonymous or unopened
// letters, where no reveal instant is meaningful.
func (l *Letter) EffectiveRevealAt() (at time.Time, ok bool) {
	if !l.Anonymous || l.OpenedAt == nil {
		return time.Time{}, false
	}
	if l.RevealAt != nil {
		return *l.RevealAt, true
	}
	delay := l.RevealDelay
	if delay > RevealDelayMax {
		delay = RevealDelayMax
	}
	return l.OpenedAt.Add(delay), true
}

// Revealed reports whether the sender identity is visible to the recipient at
// the given instant. Every component that displays sender identity must derive
// visibility through this function with a fresh now - never trust a cached flag.
func (l *Letter) Revealed(now time.Time) bool {
	if !l.Anonymous {
		return true
	}
	if l.SenderRevealedAt != nil {
		return true
	}
	at, ok := l.EffectiveRevealAt()
	if !ok {
		return false
	}
	return !now.Before(at)
}

// LetterView vends letter data safe to return to the recipient: sender identity
// is blanked until the reveal is due.
type LetterView struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"senderId,omitempty"`
	SenderName  string       `json:"senderName,omitempty"`
	RecipientID string       `json:"recipientId"`
	Title       string       `json:"title,omitempty"`
	Content     string       `json:"content"`
	PhotoRef    string       `json:"photoRef,omitempty"`
	Anonymous   bool         `json:"anonymous"`
	Status      LetterStatus `json:"status"`
	DeliverAt   time.Time    `json:"deliverAt"`
	CreatedAt   time.Time    `json:"createdAt"`
	OpenedAt    *time.Time   `json:"openedAt,omitempty"`
	RevealAt    *time.Time   `json:"revealAt,omitempty"`
	Revealed    bool         `json:"revealed"`
}

// View derives the sanitized representation of the letter at the given instant.
func (l *Letter) View(now time.Time) LetterView {
	v := LetterView{
		ID:          l.ID,
		SenderID:    l.SenderID,
		RecipientID: l.RecipientID,
		Title:       l.Title,
		Content:     l.Content,
		PhotoRef:    l.PhotoRef,
		Anonymous:   l.Anonymous,
		Status:      l.Status,
		DeliverAt:   l.DeliverAt,
		CreatedAt:   l.CreatedAt,
		OpenedAt:    l.OpenedAt,
		Revealed:    l.Revealed(now),
	}
	if at, ok := l.EffectiveRevealAt(); ok {
		v.RevealAt = &at
	}
	if !v.Revealed {
		v.SenderID = ""
		v.SenderName = AnonymousSenderName
	}
	return v
}

// Draft is an in-progress, unsent letter persisted for later resumption.
type Draft struct {
	ID      string `json:"_id,omitempty"`
	Rev     string `json:"_rev,omitempty"`
	OwnerID string `json:"ownerId"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	// denormalized recipient display data so the draft list renders without a join
	RecipientName   string    `json:"recipientName,omitempty"`
	RecipientAvatar string    `json:"recipientAvatar,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Recipient is an addressee in a user's address book. LinkedUserID is set when
// the recipient corresponds to a registered, connected user.
type Recipient struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	Name         string `json:"name"`
	AvatarRef    string `json:"avatarRef,omitempty"`
	Email        string `json:"email,omitempty"`
	LinkedUserID string `json:"linkedUserId,omitempty"`
}

// User models individual service user
type User struct {
	ID           string
	Passwd       string // only used during registration and login. Ignored in all other scenarios
	Hash         string
	DisplayName  string
	Email        string // optional; reveal notices are skipped for users without one
	CreationTime time.Time
	Active       bool
}

func (u *User) Anonymous() bool {
	return u == nil
}

// DedupeDrafts drops drafts whose ID was already seen, first occurrence wins.
// A draft row should never be listed twice even if an index got corrupted.
func DedupeDrafts(ds []*Draft) (kept, dropped []*Draft) {
	seen := map[string]struct{}{}
	for _, d := range ds {
		if _, ok := seen[d.ID]; ok {
			dropped = append(dropped, d)
			continue
		}
		seen[d.ID] = struct{}{}
		kept = append(kept, d)
	}
	return kept, dropped
}

// DedupeRecipients collapses recipients sharing a logical identity: the
// LinkedUserID when present, the row ID otherwise. First occurrence wins;
// callers should log the dropped duplicates as warnings rather than silently
// merging them.
func DedupeRecipients(rs []*Recipient) (kept, dropped []*Recipient) {
	seen := map[string]struct{}{}
	for _, r := range rs {
		key := r.ID
		if r.LinkedUserID != "" {
			key = "linked." + r.LinkedUserID
		}
		if _, ok := seen[key]; ok {
			dropped = append(dropped, r)
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, r)
	}
	return kept, dropped
}
