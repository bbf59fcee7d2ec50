package session

import (
	"bytes"
	"encoding/base32"
	"encoding/gob"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/segmentio/ksuid"
)

/*
Redis-backed gorilla session store. The cookie carries only the session id; the
session values, including the authenticated user id and the editing-session
draft id, stay server side so sophisticated clients cannot tamper with them.
*/

const keyPrefix = "session."

// Redistore is a github.com/gorilla/sessions.Store backed by Redis.
type Redistore struct {
	DB      *redis.Client
	Codecs  []securecookie.Codec
	Options *sessions.Options
}

// NewRedistore creates a Redistore signing session cookies with the given key
// pairs.
func NewRedistore(db *redis.Client, keyPairs ...[]byte) *Redistore {
	return &Redistore{
		DB:     db,
		Codecs: securecookie.CodecsFromPairs(keyPairs...),
		Options: &sessions.Options{
			Path:     "/",
			MaxAge:   86400 * 30,
			HttpOnly: true,
		},
	}
}

// Get returns a cached session.
func (s *Redistore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New creates and returns a new session, loading any persisted state for the
// session id found in the request cookie.
//
// Note that New should never return a nil session, even in the case of
// an error if using the Registry infrastructure to cache the session.
func (s *Redistore) New(r *http.Request, name string) (*sessions.Session, error) {
	sess := sessions.NewSession(s, name)
	opts := *s.Options
	sess.Options = &opts
	sess.IsNew = true
	c, err := r.Cookie(name)
	if err != nil {
		return sess, nil
	}
	if err := securecookie.DecodeMulti(name, c.Value, &sess.ID, s.Codecs...); err != nil {
		return sess, nil
	}
	blob, err := s.DB.Get(keyPrefix + sess.ID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return sess, nil
		}
		return sess, err
	}
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&sess.Values); err != nil {
		return sess, err
	}
	sess.IsNew = false
	return sess, nil
}

// Save persists session state to Redis and writes the id-bearing cookie.
func (s *Redistore) Save(r *http.Request, w http.ResponseWriter, sess *sessions.Session) error {
	if sess.Options != nil && sess.Options.MaxAge < 0 {
		if _, err := s.DB.Del(keyPrefix + sess.ID).Result(); err != nil {
			return err
		}
		http.SetCookie(w, sessions.NewCookie(sess.Name(), "", sess.Options))
		return nil
	}
	if sess.ID == "" {
		if kid, err := ksuid.NewRandom(); err == nil {
			sess.ID = kid.String()
		} else {
			// ksuid only fails when the entropy source does; fall back to a random cookie value
			sess.ID = strings.TrimRight(
				base32.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32)), "=")
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sess.Values); err != nil {
		return err
	}
	expiry := time.Duration(sess.Options.MaxAge) * time.Second
	if _, err := s.DB.Set(keyPrefix+sess.ID, buf.Bytes(), expiry).Result(); err != nil {
		return err
	}
	encoded, err := securecookie.EncodeMulti(sess.Name(), sess.ID, s.Codecs...)
	if err != nil {
		return err
	}
	http.SetCookie(w, sessions.NewCookie(sess.Name(), encoded, sess.Options))
	return nil
}
