package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis"
	"github.com/gorilla/sessions"
	"github.com/spf13/viper"
	"openon.io/letters/common/logging"
	mw "openon.io/letters/common/middleware"
	rt "openon.io/letters/common/retry"
	cst "openon.io/letters/constants"
	pe "openon.io/letters/errors"
	lt "openon.io/letters/letters"
	md "openon.io/letters/models"
	st "openon.io/letters/stores"
	ss "openon.io/letters/stores/session"
)

const ctxKeyUserID = "userID"

// reader serves the query side of the letters application: sanitized letter
// views, inbox/outbox, draft and recipient listings, user profile.
type reader struct {
	Router     *gin.Engine
	Letters    *lt.Service
	Drafts     st.DraftStore
	Recipients st.RecipientStore
	Users      st.UserStore
	Sessions   sessions.Store
}

func serve() error {
	r, err := setup()
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%s", viper.GetString(cst.EnvReaderHost), viper.GetString(cst.EnvReaderPort))
	return r.Router.Run(addr)
}

func setup() (*reader, error) {
	viper.AutomaticEnv()
	logging.SetupLog("letters-reader")
	clog := logging.WithFuncName()
	rc, err := setupRedis()
	if err != nil {
		clog.WithError(err).Error("error setting up redis client")
		return nil, err
	}
	ds, err := setupDraftStore()
	if err != nil {
		clog.WithError(err).Error("error setting up DraftStore")
		return nil, err
	}
	r := &reader{
		Letters: lt.NewService(
			&st.RedisLetterStore{DB: rc},
			&st.RedisConnectionStore{DB: rc},
		),
		Drafts:     ds,
		Recipients: &st.RedisRecipientStore{DB: rc},
		Users:      &st.RedisUserStore{DB: rc},
		Sessions:   ss.NewRedistore(rc, []byte(viper.GetString(cst.EnvSessionSecret))),
	}
	r.SetupRoutes()
	return r, nil
}

func (r *reader) SetupRoutes() {
	e := gin.Default()
	authed := e.Group("/", r.authRequired())
	authed.GET("/letters/:lid", r.HandleGetLetter)
	authed.GET("/inbox", r.HandleInbox)
	authed.GET("/outbox", r.HandleOutbox)
	authed.GET("/drafts", r.HandleListDrafts)
	authed.GET("/recipients", r.HandleListRecipients)
	authed.GET("/profile", r.HandleGetProfile)
	r.Router = e
}

// authRequired resolves the caller from the gorilla session cookie the writer
// issued at login.
func (r *reader) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := r.Sessions.Get(c.Request, mw.SessionName)
		if err != nil {
			logging.WithFuncName().WithError(err).Error("error loading request session")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "error loading session"})
			return
		}
		uid, ok := sess.Values[mw.SessionKeyUserID].(string)
		if !ok || uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

func (r *reader) HandleGetLetter(c *gin.Context) {
	v, err := r.Letters.Get(c.Param("lid"), userID(c))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (r *reader) HandleInbox(c *gin.Context) {
	vs, err := r.Letters.Inbox(userID(c))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"letters": vs})
}

func (r *reader) HandleOutbox(c *gin.Context) {
	vs, err := r.Letters.Outbox(userID(c))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"letters": vs})
}

// HandleListDrafts lists the caller's drafts. Listing dedupes by row id as a
// read-side guard; a duplicate here means an upstream invariant broke, so it is
// logged loudly rather than silently hidden.
func (r *reader) HandleListDrafts(c *gin.Context) {
	uid := userID(c)
	ds, err := r.Drafts.List(c.Request.Context(), uid)
	if err != nil {
		abortErr(c, err)
		return
	}
	kept, dropped := md.DedupeDrafts(ds)
	if len(dropped) > 0 {
		logging.WithFuncName().WithField("ownerID", uid).WithField("count", len(dropped)).
			Warning("duplicate draft rows hidden from listing")
	}
	c.JSON(http.StatusOK, gin.H{"drafts": kept})
}

// HandleListRecipients lists the caller's address book, collapsing duplicate
// rows pointing at the same linked user. First occurrence wins.
func (r *reader) HandleListRecipients(c *gin.Context) {
	uid := userID(c)
	rs, err := r.Recipients.List(uid)
	if err != nil {
		abortErr(c, err)
		return
	}
	kept, dropped := md.DedupeRecipients(rs)
	for _, d := range dropped {
		logging.WithFuncName().WithField("ownerID", uid).WithField("recipientID", d.ID).
			Warning("duplicate recipient row hidden from listing")
	}
	c.JSON(http.StatusOK, gin.H{"recipients": kept})
}

func (r *reader) HandleGetProfile(c *gin.Context) {
	u, err := r.Users.Get(userID(c))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "displayName": u.DisplayName})
}

func userID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

func abortErr(c *gin.Context, err *pe.LetterErr) {
	c.AbortWithStatusJSON(err.StatusCode(), gin.H{"error": err.Error(), "code": string(err.Code)})
}

func setupRedis() (*redis.Client, error) {
	retryOpts := []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
	}
	rc := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", viper.GetString(cst.EnvRedisHost), viper.GetString(cst.EnvRedisPort)),
		Password:   viper.GetString(cst.EnvRedisPasswd),
		DB:         viper.GetInt(cst.EnvRedisDB),
		MaxRetries: 3,
	})
	pingFn := func() error {
		_, err := rc.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, retryOpts...); err != nil {
		return nil, pe.ErrServiceFailure("failed initializing Redis").WithCause(err)
	}
	return rc, nil
}

func setupDraftStore() (st.DraftStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := st.CouchDSN(viper.GetString(cst.EnvCouchAddr),
		viper.GetString(cst.EnvCouchUser), viper.GetString(cst.EnvCouchPasswd))
	if err != nil {
		return nil, pe.ErrServiceFailure("failed initializing CouchDB").WithCause(err)
	}
	var ds *st.CouchDraftStore
	dialFn := func() error {
		var err error
		ds, err = st.NewCouchDraftStore(ctx, addr, viper.GetString(cst.EnvCouchDraftDBName))
		return err
	}
	retryOpts := []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
	}
	if err := rt.Retry(dialFn, retryOpts...); err != nil {
		return nil, pe.ErrServiceFailure("failed initializing CouchDB").WithCause(err)
	}
	return ds, nil
}
