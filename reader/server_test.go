package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	mw "openon.io/letters/common/middleware"
	pe "openon.io/letters/errors"
	lt "openon.io/letters/letters"
	md "openon.io/letters/models"
)

const (
	testUserID  = "user-1"
	testOtherID = "user-2"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthRequired(t *testing.T) {
	deps := newTestDeps()
	deps.anonymous = true
	r := newTestReader(deps)
	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/inbox", nil)

	r.Router.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusUnauthorized, wrec.Code, "unexpected response status code")
}

func TestHandleGetLetterConcealsSenderUntilReveal(t *testing.T) {
	now := time.Now()
	openedAt := now.Add(-30 * time.Minute)
	revealAt := openedAt.Add(time.Hour)
	deps := newTestDeps()
	deps.letters.rows["l1"] = &md.Letter{
		ID:          "l1",
		SenderID:    testOtherID,
		RecipientID: testUserID,
		Content:     "soon",
		Anonymous:   true,
		RevealDelay: time.Hour,
		Status:      md.StatusOpened,
		DeliverAt:   openedAt,
		OpenedAt:    &openedAt,
		RevealAt:    &revealAt,
	}
	r := newTestReader(deps)
	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/letters/l1", nil)

	r.Router.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusOK, wrec.Code, "unexpected response status code")
	var v md.LetterView
	assert.Nil(t, json.NewDecoder(wrec.Body).Decode(&v), "response body should be a letter view")
	assert.False(t, v.Revealed, "sender should stay concealed inside the delay window")
	assert.Empty(t, v.SenderID, "concealed view must not carry the sender id")
}

func TestHandleGetLetterRevealsAfterDelay(t *testing.T) {
	now := time.Now()
	openedAt := now.Add(-2 * time.Hour)
	revealAt := openedAt.Add(time.Hour)
	deps := newTestDeps()
	deps.letters.rows["l1"] = &md.Letter{
		ID:          "l1",
		SenderID:    testOtherID,
		RecipientID: testUserID,
		Content:     "soon",
		Anonymous:   true,
		RevealDelay: time.Hour,
		Status:      md.StatusOpened,
		DeliverAt:   openedAt,
		OpenedAt:    &openedAt,
		RevealAt:    &revealAt,
	}
	r := newTestReader(deps)
	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/letters/l1", nil)

	r.Router.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusOK, wrec.Code, "unexpected response status code")
	var v md.LetterView
	assert.Nil(t, json.NewDecoder(wrec.Body).Decode(&v), "response body should be a letter view")
	assert.True(t, v.Revealed, "sender should be visible once the delay elapsed")
	assert.Equal(t, testOtherID, v.SenderID, "revealed view should carry the sender id")
}

func TestHandleListDraftsDedupes(t *testing.T) {
	deps := newTestDeps()
	deps.drafts.rows = []*md.Draft{
		{ID: "d1", OwnerID: testUserID, Content: "one"},
		{ID: "d1", OwnerID: testUserID, Content: "one again"},
		{ID: "d2", OwnerID: testUserID, Content: "two"},
	}
	r := newTestReader(deps)
	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/drafts", nil)

	r.Router.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusOK, wrec.Code, "unexpected response status code")
	var resp struct {
		Drafts []*md.Draft `json:"drafts"`
	}
	assert.Nil(t, json.NewDecoder(wrec.Body).Decode(&resp), "response body should decode")
	assert.Len(t, resp.Drafts, 2, "duplicate draft rows should collapse to one")
	assert.Equal(t, "one", resp.Drafts[0].Content, "first occurrence should win")
}

func TestHandleListRecipientsDedupes(t *testing.T) {
	deps := newTestDeps()
	deps.recipients.rows = []*md.Recipient{
		{ID: "r1", OwnerID: testUserID, Name: "Sam", LinkedUserID: testOtherID},
		{ID: "r2", OwnerID: testUserID, Name: "Sam again", LinkedUserID: testOtherID},
		{ID: "r3", OwnerID: testUserID, Name: "Pat"},
	}
	r := newTestReader(deps)
	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/recipients", nil)

	r.Router.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusOK, wrec.Code, "unexpected response status code")
	var resp struct {
		Recipients []*md.Recipient `json:"recipients"`
	}
	assert.Nil(t, json.NewDecoder(wrec.Body).Decode(&resp), "response body should decode")
	assert.Len(t, resp.Recipients, 2, "rows linked to the same user should collapse to one")
	assert.Equal(t, "Sam", resp.Recipients[0].Name, "first occurrence should win")
}

func TestHandleGetProfile(t *testing.T) {
	deps := newTestDeps()
	deps.users.rows[testUserID] = &md.User{ID: testUserID, DisplayName: "Sam"}
	r := newTestReader(deps)
	wrec, req := httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/profile", nil)

	r.Router.ServeHTTP(wrec, req)
	assert.Equal(t, http.StatusOK, wrec.Code, "unexpected response status code")
	var resp map[string]string
	assert.Nil(t, json.NewDecoder(wrec.Body).Decode(&resp), "response body should decode")
	assert.Equal(t, "Sam", resp["displayName"], "unexpected profile payload")
}

// test fixtures

type testDeps struct {
	letters    *stubLetterStore
	drafts     *stubDraftStore
	recipients *stubRecipientStore
	users      *stubUserStore
	anonymous  bool // when true the session carries no user id
}

func newTestDeps() *testDeps {
	return &testDeps{
		letters:    &stubLetterStore{rows: map[string]*md.Letter{}},
		drafts:     &stubDraftStore{},
		recipients: &stubRecipientStore{},
		users:      &stubUserStore{rows: map[string]*md.User{}},
	}
}

func newTestReader(deps *testDeps) *reader {
	values := map[interface{}]interface{}{}
	if !deps.anonymous {
		values[mw.SessionKeyUserID] = testUserID
	}
	r := &reader{
		Letters:    lt.NewService(deps.letters, stubConnections{}),
		Drafts:     deps.drafts,
		Recipients: deps.recipients,
		Users:      deps.users,
		Sessions:   &fakeSessions{values: values},
	}
	r.SetupRoutes()
	return r
}

type stubLetterStore struct {
	rows map[string]*md.Letter
}

func (s *stubLetterStore) Create(l *md.Letter) *pe.LetterErr {
	s.rows[l.ID] = l
	return nil
}

func (s *stubLetterStore) Get(letterID string) (*md.Letter, *pe.LetterErr) {
	l, ok := s.rows[letterID]
	if !ok {
		return nil, pe.ErrNotFound("letter not found")
	}
	return l, nil
}

func (s *stubLetterStore) Open(letterID string, openedAt time.Time, revealAt *time.Time) (*md.Letter, bool, *pe.LetterErr) {
	l, err := s.Get(letterID)
	if err != nil {
		return nil, false, err
	}
	if l.OpenedAt != nil {
		return l, false, nil
	}
	l.OpenedAt, l.RevealAt, l.Status = &openedAt, revealAt, md.StatusOpened
	return l, true, nil
}

func (s *stubLetterStore) Inbox(userID string) ([]*md.Letter, *pe.LetterErr) {
	var ls []*md.Letter
	for _, l := range s.rows {
		if l.RecipientID == userID {
			ls = append(ls, l)
		}
	}
	return ls, nil
}

func (s *stubLetterStore) Outbox(userID string) ([]*md.Letter, *pe.LetterErr) {
	var ls []*md.Letter
	for _, l := range s.rows {
		if l.SenderID == userID {
			ls = append(ls, l)
		}
	}
	return ls, nil
}

func (s *stubLetterStore) MarkDeleted(letterID string) *pe.LetterErr { return nil }

func (s *stubLetterStore) Due(max int) ([]string, *pe.LetterErr) { return nil, nil }

func (s *stubLetterStore) MarkRevealed(letterID string, at time.Time) *pe.LetterErr { return nil }

func (s *stubLetterStore) Close() *pe.LetterErr { return nil }

type stubDraftStore struct {
	rows []*md.Draft
}

func (s *stubDraftStore) Create(ctx context.Context, d *md.Draft) (*md.Draft, *pe.LetterErr) {
	return d, nil
}

func (s *stubDraftStore) Update(ctx context.Context, d *md.Draft) *pe.LetterErr { return nil }

func (s *stubDraftStore) Get(ctx context.Context, draftID string) (*md.Draft, *pe.LetterErr) {
	return nil, pe.ErrNotFound("draft not found")
}

func (s *stubDraftStore) List(ctx context.Context, ownerID string) ([]*md.Draft, *pe.LetterErr) {
	return s.rows, nil
}

func (s *stubDraftStore) Delete(ctx context.Context, draftID string) *pe.LetterErr { return nil }

type stubRecipientStore struct {
	rows []*md.Recipient
}

func (s *stubRecipientStore) Create(r *md.Recipient) (*md.Recipient, *pe.LetterErr) { return r, nil }

func (s *stubRecipientStore) List(ownerID string) ([]*md.Recipient, *pe.LetterErr) {
	return s.rows, nil
}

func (s *stubRecipientStore) Delete(ownerID, recipientID string) *pe.LetterErr { return nil }

type stubUserStore struct {
	rows map[string]*md.User
}

func (s *stubUserStore) Register(u md.User) *pe.LetterErr { return nil }

func (s *stubUserStore) Authenticate(userID, passwd string) (*md.User, *pe.LetterErr) {
	return nil, pe.ErrNotFound("user not found")
}

func (s *stubUserStore) Get(userID string) (*md.User, *pe.LetterErr) {
	u, ok := s.rows[userID]
	if !ok {
		return nil, pe.ErrNotFound("user not found")
	}
	return u, nil
}

type stubConnections struct{}

func (stubConnections) Connect(userA, userB string) *pe.LetterErr { return nil }

func (stubConnections) AreConnected(userA, userB string) (bool, *pe.LetterErr) { return true, nil }

// fakeSessions is an in-memory sessions.Store shared across requests of one test.
type fakeSessions struct {
	mu     sync.Mutex
	values map[interface{}]interface{}
}

func (s *fakeSessions) Get(r *http.Request, name string) (*sessions.Session, error) {
	return s.New(r, name)
}

func (s *fakeSessions) New(r *http.Request, name string) (*sessions.Session, error) {
	sess := sessions.NewSession(s, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.values {
		sess.Values[k] = v
	}
	return sess, nil
}

func (s *fakeSessions) Save(r *http.Request, w http.ResponseWriter, sess *sessions.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range sess.Values {
		s.values[k] = v
	}
	return nil
}
