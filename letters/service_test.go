package letters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	pe "openon.io/letters/errors"
	md "openon.io/letters/models"
)

// mocks

type MockLetterStore struct{ mock.Mock }

func (m *MockLetterStore) Create(l *md.Letter) *pe.LetterErr {
	args := m.Called(l)
	if e := args.Get(0); e != nil {
		return e.(*pe.LetterErr)
	}
	return nil
}

func (m *MockLetterStore) Get(letterID string) (*md.Letter, *pe.LetterErr) {
	args := m.Called(letterID)
	var l *md.Letter
	if v := args.Get(0); v != nil {
		l = v.(*md.Letter)
	}
	if e := args.Get(1); e != nil {
		return l, e.(*pe.LetterErr)
	}
	return l, nil
}

func (m *MockLetterStore) Open(letterID string, openedAt time.Time, revealAt *time.Time) (*md.Letter, bool, *pe.LetterErr) {
	args := m.Called(letterID, openedAt, revealAt)
	var l *md.Letter
	if v := args.Get(0); v != nil {
		l = v.(*md.Letter)
	}
	if e := args.Get(2); e != nil {
		return l, args.Bool(1), e.(*pe.LetterErr)
	}
	return l, args.Bool(1), nil
}

func (m *MockLetterStore) Inbox(userID string) ([]*md.Letter, *pe.LetterErr) {
	args := m.Called(userID)
	return args.Get(0).([]*md.Letter), nil
}

func (m *MockLetterStore) Outbox(userID string) ([]*md.Letter, *pe.LetterErr) {
	args := m.Called(userID)
	return args.Get(0).([]*md.Letter), nil
}

func (m *MockLetterStore) MarkDeleted(letterID string) *pe.LetterErr {
	m.Called(letterID)
	return nil
}

func (m *MockLetterStore) Due(max int) ([]string, *pe.LetterErr) {
	args := m.Called(max)
	return args.Get(0).([]string), nil
}

func (m *MockLetterStore) MarkRevealed(letterID string, at time.Time) *pe.LetterErr {
	m.Called(letterID, at)
	return nil
}

func (m *MockLetterStore) Close() *pe.LetterErr { return nil }

type MockConnectionStore struct{ mock.Mock }

func (m *MockConnectionStore) Connect(userA, userB string) *pe.LetterErr {
	m.Called(userA, userB)
	return nil
}

func (m *MockConnectionStore) AreConnected(userA, userB string) (bool, *pe.LetterErr) {
	args := m.Called(userA, userB)
	return args.Bool(0), nil
}

func secs(n int64) *int64 { return &n }

func ts(t time.Time) *time.Time { return &t }

func TestService_CreateValidation(t *testing.T) {
	maxSecs := int64(md.RevealDelayMax / time.Second)
	tcs := []struct {
		name       string
		input      CreateInput
		connected  bool
		expErrCode pe.ErrCode
		expErrMsg  string
	}{
		{
			name: "AnonymousDelayAboveMax",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "hi",
				Anonymous: true, RevealDelaySeconds: secs(maxSecs + 1),
			},
			expErrCode: pe.ErrCodeAPIBadRequest,
			expErrMsg:  "reveal delay out of range",
		},
		{
			name: "AnonymousDelayNegative",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "hi",
				Anonymous: true, RevealDelaySeconds: secs(-1),
			},
			expErrCode: pe.ErrCodeAPIBadRequest,
			expErrMsg:  "reveal delay out of range",
		},
		{
			name: "AnonymousDelayMissing",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "hi",
				Anonymous: true,
			},
			expErrCode: pe.ErrCodeAPIBadRequest,
			expErrMsg:  "requires a reveal delay",
		},
		{
			name: "AnonymousZeroDelayAccepted",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "hi",
				Anonymous: true, RevealDelaySeconds: secs(0),
			},
			connected: true,
		},
		{
			name: "AnonymousMaxDelayAccepted",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "hi",
				Anonymous: true, RevealDelaySeconds: secs(maxSecs),
			},
			connected: true,
		},
		{
			name: "NonAnonymousDelayForbidden",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "hi",
				RevealDelaySeconds: secs(60),
			},
			expErrCode: pe.ErrCodeAPIBadRequest,
			expErrMsg:  "only valid on anonymous letters",
		},
		{
			name: "AnonymousWithoutConnection",
			input: CreateInput{
				SenderID: "alice", RecipientID: "mallory", Content: "hi",
				Anonymous: true, RevealDelaySeconds: secs(60),
			},
			connected:  false,
			expErrCode: pe.ErrCodeAPIBadRequest,
			expErrMsg:  "mutual connection",
		},
		{
			name: "EmptyContent",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "   ",
			},
			expErrCode: pe.ErrCodeAPIBadRequest,
			expErrMsg:  "content cannot be empty",
		},
		{
			name: "SenderIsRecipient",
			input: CreateInput{
				SenderID: "alice", RecipientID: "alice", Content: "hi",
			},
			expErrCode: pe.ErrCodeAPIBadRequest,
			expErrMsg:  "must differ",
		},
		{
			name: "NonAnonymousHappyCase",
			input: CreateInput{
				SenderID: "alice", RecipientID: "bob", Content: "hi",
			},
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			ls, cs := &MockLetterStore{}, &MockConnectionStore{}
			ls.On("Create", mock.AnythingOfType("*models.Letter")).Return(nil)
			cs.On("AreConnected", c.input.SenderID, c.input.RecipientID).Return(c.connected)
			svc := NewService(ls, cs)

			l, err := svc.Create(c.input)

			if c.expErrCode != "" {
				assert.NotNil(t, err, "expected creation to be rejected")
				assert.Equal(t, c.expErrCode, err.Code)
				assert.Contains(t, err.Error(), c.expErrMsg)
				ls.AssertNotCalled(t, "Create", mock.Anything)
				return
			}
			assert.Nil(t, err)
			assert.NotEmpty(t, l.ID)
			assert.Equal(t, md.StatusSealed, l.Status)
			ls.AssertExpectations(t)
		})
	}
}

func TestService_OpenIdempotent(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	openedAt, revealAt := t0, t0.Add(time.Hour)
	alreadyOpened := &md.Letter{
		ID: "l1", SenderID: "alice", RecipientID: "bob",
		Anonymous: true, RevealDelay: time.Hour, Status: md.StatusOpened,
		DeliverAt: t0.Add(-time.Minute), OpenedAt: ts(openedAt), RevealAt: ts(revealAt),
	}
	ls, cs := &MockLetterStore{}, &MockConnectionStore{}
	ls.On("Get", "l1").Return(alreadyOpened, nil)
	svc := NewService(ls, cs)
	svc.Now = func() time.Time { return t0.Add(10 * time.Minute) }

	v, err := svc.Open("l1", "bob")

	assert.Nil(t, err, "repeat open must be a silent no-op")
	assert.Equal(t, ts(openedAt), v.OpenedAt)
	assert.Equal(t, revealAt, *v.RevealAt)
	// the second open must not touch the store's open path
	ls.AssertNotCalled(t, "Open", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_OpenFirstTime(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sealed := &md.Letter{
		ID: "l1", SenderID: "alice", RecipientID: "bob",
		Anonymous: true, RevealDelay: time.Hour, Status: md.StatusSealed,
		DeliverAt: t0.Add(-time.Minute),
	}
	ls, cs := &MockLetterStore{}, &MockConnectionStore{}
	ls.On("Get", "l1").Return(sealed, nil)
	expRevealAt := t0.Add(time.Hour)
	opened := *sealed
	opened.Status = md.StatusOpened
	opened.OpenedAt = ts(t0)
	opened.RevealAt = ts(expRevealAt)
	ls.On("Open", "l1", t0, ts(expRevealAt)).Return(&opened, true, nil)
	svc := NewService(ls, cs)
	svc.Now = func() time.Time { return t0 }

	v, err := svc.Open("l1", "bob")

	assert.Nil(t, err)
	assert.Equal(t, ts(t0), v.OpenedAt)
	assert.False(t, v.Revealed, "one hour delay keeps the sender concealed at open time")
	assert.Empty(t, v.SenderID)
	assert.Equal(t, md.AnonymousSenderName, v.SenderName)
	ls.AssertExpectations(t)
}

func TestService_OpenClampsOversizedStoredDelay(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// a row whose stored delay exceeds the policy max must not be trusted
	sealed := &md.Letter{
		ID: "l1", SenderID: "alice", RecipientID: "bob",
		Anonymous: true, RevealDelay: 90 * 24 * time.Hour, Status: md.StatusSealed,
		DeliverAt: t0.Add(-time.Minute),
	}
	ls, cs := &MockLetterStore{}, &MockConnectionStore{}
	ls.On("Get", "l1").Return(sealed, nil)
	clamped := t0.Add(md.RevealDelayMax)
	opened := *sealed
	opened.Status = md.StatusOpened
	opened.OpenedAt = ts(t0)
	opened.RevealAt = ts(clamped)
	ls.On("Open", "l1", t0, ts(clamped)).Return(&opened, true, nil)
	svc := NewService(ls, cs)
	svc.Now = func() time.Time { return t0 }

	_, err := svc.Open("l1", "bob")

	assert.Nil(t, err)
	ls.AssertExpectations(t)
}

func TestService_OpenRejections(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tcs := []struct {
		name       string
		letter     *md.Letter
		userID     string
		expErrCode pe.ErrCode
	}{
		{
			name: "NotYetUnlockable",
			letter: &md.Letter{
				ID: "l1", SenderID: "alice", RecipientID: "bob",
				Status: md.StatusSealed, DeliverAt: t0.Add(time.Hour),
			},
			userID:     "bob",
			expErrCode: pe.ErrCodeConflict,
		},
		{
			name: "Deleted",
			letter: &md.Letter{
				ID: "l1", SenderID: "alice", RecipientID: "bob",
				Status: md.StatusDeleted, DeliverAt: t0.Add(-time.Hour),
			},
			userID:     "bob",
			expErrCode: pe.ErrCodeConflict,
		},
		{
			name: "NotTheRecipient",
			letter: &md.Letter{
				ID: "l1", SenderID: "alice", RecipientID: "bob",
				Status: md.StatusSealed, DeliverAt: t0.Add(-time.Hour),
			},
			userID:     "mallory",
			expErrCode: pe.ErrCodeNotFound,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			ls, cs := &MockLetterStore{}, &MockConnectionStore{}
			ls.On("Get", "l1").Return(c.letter, nil)
			svc := NewService(ls, cs)
			svc.Now = func() time.Time { return t0 }

			_, err := svc.Open("l1", c.userID)

			assert.NotNil(t, err)
			assert.Equal(t, c.expErrCode, err.Code)
			ls.AssertNotCalled(t, "Open", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

// End-to-end reveal timing: letter with a 3600s delay opened at T0 stays
// concealed at T0+1800, reveals at T0+3600 via pure derivation, and stays
// revealed after the sweep stamps senderRevealedAt.
func TestService_RevealTimingEndToEnd(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opened := &md.Letter{
		ID: "l1", SenderID: "alice", RecipientID: "bob",
		Anonymous: true, RevealDelay: time.Hour, Status: md.StatusOpened,
		DeliverAt: t0.Add(-time.Minute), OpenedAt: ts(t0), RevealAt: ts(t0.Add(time.Hour)),
	}
	ls, cs := &MockLetterStore{}, &MockConnectionStore{}
	ls.On("Get", "l1").Return(opened, nil)
	svc := NewService(ls, cs)

	svc.Now = func() time.Time { return t0.Add(30 * time.Minute) }
	v, err := svc.Get("l1", "bob")
	assert.Nil(t, err)
	assert.False(t, v.Revealed)
	assert.Empty(t, v.SenderID)

	// due instant reached; no sweep has run yet
	svc.Now = func() time.Time { return t0.Add(time.Hour) }
	v, err = svc.Get("l1", "bob")
	assert.Nil(t, err)
	assert.True(t, v.Revealed, "client-side derivation must not wait for the sweep")
	assert.Equal(t, "alice", v.SenderID)

	// sweep stamped the row; derivation still yields revealed
	opened.SenderRevealedAt = ts(t0.Add(time.Hour + time.Minute))
	svc.Now = func() time.Time { return t0.Add(2 * time.Hour) }
	v, err = svc.Get("l1", "bob")
	assert.Nil(t, err)
	assert.True(t, v.Revealed)
}

func TestService_SenderAlwaysSeesOwnIdentity(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	concealed := &md.Letter{
		ID: "l1", SenderID: "alice", RecipientID: "bob",
		Anonymous: true, RevealDelay: time.Hour, Status: md.StatusOpened,
		DeliverAt: t0.Add(-time.Minute), OpenedAt: ts(t0), RevealAt: ts(t0.Add(time.Hour)),
	}
	ls, cs := &MockLetterStore{}, &MockConnectionStore{}
	ls.On("Get", "l1").Return(concealed, nil)
	svc := NewService(ls, cs)
	svc.Now = func() time.Time { return t0 }

	v, err := svc.Get("l1", "alice")

	assert.Nil(t, err)
	assert.Equal(t, "alice", v.SenderID)
	assert.True(t, v.Revealed)
}
