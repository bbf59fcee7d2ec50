package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/gorilla/sessions"
	hr "github.com/julienschmidt/httprouter"
	"github.com/spf13/viper"
	"openon.io/letters/common/logging"
	mw "openon.io/letters/common/middleware"
	rt "openon.io/letters/common/retry"
	cst "openon.io/letters/constants"
	"openon.io/letters/drafts"
	pe "openon.io/letters/errors"
	lt "openon.io/letters/letters"
	st "openon.io/letters/stores"
	ss "openon.io/letters/stores/session"
)

// writer handles write traffic of the letters application: auth, letter
// creation and opening, draft autosave, address book and connections.
type writer struct {
	R           *hr.Router
	Letters     *lt.Service
	Users       st.UserStore
	Recipients  st.RecipientStore
	Connections st.ConnectionStore
	Drafts      st.DraftStore
	Sessions    sessions.Store
	Registry    *drafts.Registry
	Debounce    time.Duration
	BodyLimit   int64
}

func (wrt *writer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wrt.R.ServeHTTP(w, r)
}

func serve() error {
	s, err := setup()
	if err != nil {
		return err
	}
	return s.ListenAndServe()
}

func setup() (*http.Server, error) {
	viper.AutomaticEnv()
	logging.SetupLog("letters-writer")
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
	bodyLimit := viper.GetInt64(cst.EnvReqBodySizeMaxByte)
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}
	sessTTL := viper.GetDuration(cst.EnvEditSessionIdleTTL)
	if sessTTL <= 0 {
		sessTTL = 12 * time.Hour
	}
	connections := &st.RedisConnectionStore{DB: rc}
	wrt := &writer{
		Letters:     lt.NewService(&st.RedisLetterStore{DB: rc}, connections),
		Users:       &st.RedisUserStore{DB: rc},
		Recipients:  &st.RedisRecipientStore{DB: rc},
		Connections: connections,
		Drafts:      ds,
		Sessions:    ss.NewRedistore(rc, []byte(viper.GetString(cst.EnvSessionSecret))),
		Registry:    drafts.NewRegistry(sessTTL),
		Debounce:    viper.GetDuration(cst.EnvAutosaveDebounce),
		BodyLimit:   bodyLimit,
	}
	wrt.SetupRoutes()
	addr := fmt.Sprintf("%s:%s", viper.GetString(cst.EnvWriterHost), viper.GetString(cst.EnvWriterPort))
	return &http.Server{
		Addr:           addr,
		Handler:        wrt,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 10,
	}, nil
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
	// verify the client is up correctly
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

func (wrt *writer) SetupRoutes() {
	r := hr.New()
	pub := func(h hr.Handle) hr.Handle { return mw.Chain(h, mw.PanicRecoverer()) }
	auth := func(h hr.Handle) hr.Handle { return mw.Chain(h, mw.Auth(wrt.Sessions), mw.PanicRecoverer()) }

	r.POST("/register", pub(wrt.HandleAuthRegister))
	r.POST("/login", pub(wrt.HandleAuthLogin))
	r.POST("/logout", pub(wrt.HandleAuthLogout))

	r.POST("/letters", auth(wrt.HandleLetterCreate))
	r.POST("/letters/:lid/open", auth(wrt.HandleLetterOpen))
	r.DELETE("/letters/:lid", auth(wrt.HandleLetterDiscard))

	// static draft routes live under /drafts and id-scoped ones under /draft;
	// the router rejects a static segment sharing a level with a param
	r.POST("/drafts/autosave", auth(wrt.HandleDraftAutosave))
	r.POST("/drafts/save", auth(wrt.HandleDraftSave))
	r.POST("/draft/:did/send", auth(wrt.HandleDraftSend))
	r.DELETE("/draft/:did", auth(wrt.HandleDraftDelete))

	r.POST("/recipients", auth(wrt.HandleRecipientCreate))
	r.POST("/connections/:uid", auth(wrt.HandleConnectionCreate))
	wrt.R = r
}
