package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/sessions"
	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

const (
	// SessionName is the cookie name under which the gorilla session travels.
	SessionName = "openon-session"
	// SessionKeyUserID keys the authenticated user id inside session values.
	SessionKeyUserID = "userId"
	// SessionKeyEditSessionID keys the letter-editing session id inside session values.
	SessionKeyEditSessionID = "editSessionId"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyEditSessionID
)

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// PanicRecoverer recovers from panic of underlying handlers
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if v := recover(); v != nil {
					log.WithField("panicReason", v).Error("got panic from underlying handler")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			h(w, r, p)
		}
	}
}

// Auth resolves the caller's identity from the request session and rejects
// unauthenticated requests. Downstream handlers read the identity via UserID.
func Auth(store sessions.Store) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			sess, err := store.Get(r, SessionName)
			if err != nil {
				log.WithError(err).Error("error loading request session")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			uid, ok := sess.Values[SessionKeyUserID].(string)
			if !ok || uid == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyUserID, uid)
			if esid, ok := sess.Values[SessionKeyEditSessionID].(string); ok && esid != "" {
				ctx = context.WithValue(ctx, ctxKeyEditSessionID, esid)
			}
			h(w, r.WithContext(ctx), p)
		}
	}
}

// UserID returns the authenticated user id resolved by Auth, or empty string.
func UserID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxKeyUserID).(string)
	return uid
}

// EditSessionID returns the letter-editing session id resolved by Auth, or
// empty string when the session has no editing state yet.
func EditSessionID(r *http.Request) string {
	esid, _ := r.Context().Value(ctxKeyEditSessionID).(string)
	return esid
}
