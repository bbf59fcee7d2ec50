// Package drafts serializes writes to a single logical draft row across the
// asynchronous triggers of an editing session - debounced typing, lifecycle
// pauses, navigation-away saves - so a session never creates a duplicate row.
package drafts

import (
	"context"
	"strings"
	"sync"
	"time"

	"openon.io/letters/common/logging"
	pe "openon.io/letters/errors"
	md "openon.io/letters/models"
	st "openon.io/letters/stores"
)

// Session is the shared per-editing-session cell holding the draft identity and
// the in-flight flag. The autosave controller is its single writer; any other
// component deciding create-vs-update must re-read DraftID through it right
// before acting, never act on a copy captured earlier.
type Session struct {
	mu      sync.Mutex
	idle    *sync.Cond
	draftID string
	saving  bool
}

// DraftID returns the draft row id owned by this session, or "" when no row
// exists yet.
func (s *Session) DraftID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftID
}

func (s *Session) setDraftID(id string) {
	s.mu.Lock()
	s.draftID = id
	s.mu.Unlock()
}

// tryBeginSave flips the in-flight flag. It fails when another save holds it,
// which closes the window where two overlapping saves both observe no draft id
// and both create a row.
func (s *Session) tryBeginSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saving {
		return false
	}
	s.saving = true
	return true
}

// beginSave acquires the in-flight flag, waiting out the current holder.
// Explicit, user-initiated saves use it so they persist the newest content
// instead of being coalesced away like background triggers.
func (s *Session) beginSave() {
	s.mu.Lock()
	for s.saving {
		if s.idle == nil {
			s.idle = sync.NewCond(&s.mu)
		}
		s.idle.Wait()
	}
	s.saving = true
	s.mu.Unlock()
}

func (s *Session) endSave() {
	s.mu.Lock()
	s.saving = false
	if s.idle != nil {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

func (s *Session) inFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving
}

// Meta carries the draft fields besides content.
type Meta struct {
	Title           string
	RecipientName   string
	RecipientAvatar string
}

// Autosave coordinates draft persistence for one editing session.
type Autosave struct {
	Drafts   st.DraftStore
	OwnerID  string
	Sess     *Session
	Debounce time.Duration

	timerMu sync.Mutex
	timer   *time.Timer
}

func NewAutosave(drafts st.DraftStore, ownerID string, sess *Session, debounce time.Duration) *Autosave {
	return &Autosave{
		Drafts:   drafts,
		OwnerID:  ownerID,
		Sess:     sess,
		Debounce: debounce,
	}
}

// Save runs one background autosave cycle. A save arriving while another is in
// flight is dropped, not queued - the next trigger re-saves current content, so
// nothing is lost, only coalesced. Store failures are logged and swallowed;
// background saves must never interrupt the typing flow.
func (a *Autosave) Save(ctx context.Context, content string, meta Meta) {
	if err := a.save(ctx, content, meta, false); err != nil {
		logging.WithFuncName().WithError(err).WithField("ownerID", a.OwnerID).
			Warning("autosave failed; next trigger will retry with current content")
	}
}

// SaveNow runs an explicit, user-initiated save: it cancels any pending
// debounced save and surfaces failure to the caller. Unlike Save it never
// drops on an in-flight background save; it waits the holder out so a terminal
// save-on-exit always persists the newest content.
func (a *Autosave) SaveNow(ctx context.Context, content string, meta Meta) *pe.LetterErr {
	a.cancelPending()
	return a.save(ctx, content, meta, true)
}

// Touch schedules a debounced save, resetting the pending timer if input
// arrived before it fired.
func (a *Autosave) Touch(content string, meta Meta) {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.Debounce, func() {
		a.Save(context.Background(), content, meta)
	})
}

func (a *Autosave) cancelPending() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// save performs one create-or-update cycle under the session's single-flight
// discipline. wait selects between dropping on an in-flight save and queueing
// behind it.
func (a *Autosave) save(ctx context.Context, content string, meta Meta, wait bool) *pe.LetterErr {
	// never persist empty drafts
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if wait {
		a.Sess.beginSave()
	} else if !a.Sess.tryBeginSave() {
		return nil
	}
	defer a.Sess.endSave()
	d := &md.Draft{
		OwnerID:         a.OwnerID,
		Title:           meta.Title,
		Content:         content,
		RecipientName:   meta.RecipientName,
		RecipientAvatar: meta.RecipientAvatar,
	}
	// re-read under the flag: a save that completed while we were waiting for a
	// trigger may have assigned the id already
	if id := a.Sess.DraftID(); id != "" {
		d.ID = id
		return a.Drafts.Update(ctx, d)
	}
	created, cerr := a.Drafts.Create(ctx, d)
	if cerr != nil {
		return cerr
	}
	// publish the id before the in-flight flag clears so every later trigger
	// observes it and updates in place
	a.Sess.setDraftID(created.ID)
	return nil
}

// Registry maps editing-session ids to their Session cells so every request of
// the same session shares one cell. Cells untouched for idleTTL are evicted on
// the next access so abandoned editing sessions do not pile up.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*registryEntry
	idleTTL  time.Duration
	now      func() time.Time
}

type registryEntry struct {
	sess     *Session
	lastSeen time.Time
}

// NewRegistry builds a Registry evicting cells idle for longer than idleTTL.
// A non-positive idleTTL disables eviction.
func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		sessions: map[string]*registryEntry{},
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Session returns the cell for the given editing session, creating it on first
// use.
func (r *Registry) Session(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictIdle()
	e, ok := r.sessions[sessionID]
	if !ok {
		e = &registryEntry{sess: &Session{}}
		r.sessions[sessionID] = e
	}
	e.lastSeen = r.now()
	return e.sess
}

// Lookup returns the cell for the given editing session without creating one.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictIdle()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.sess, true
}

// Drop forgets the session cell, e.g., after the draft was sent or discarded.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// evictIdle drops cells untouched for idleTTL. Callers hold r.mu. A cell with
// a save in flight is kept regardless of age.
func (r *Registry) evictIdle() {
	if r.idleTTL <= 0 {
		return
	}
	cutoff := r.now().Add(-r.idleTTL)
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) && !e.sess.inFlight() {
			delete(r.sessions, id)
		}
	}
}
