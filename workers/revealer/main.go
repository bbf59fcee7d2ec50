// Package main vends a long-running worker that stamps due anonymous-letter
// reveals and notifies recipients.
package main

import (
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluele/gcache"
	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"openon.io/letters/common/logging"
	rt "openon.io/letters/common/retry"
	cst "openon.io/letters/constants"
	"openon.io/letters/email"
	pe "openon.io/letters/errors"
	st "openon.io/letters/stores"
)

func main() {
	if err := runRevealer(); err != nil {
		log.WithError(err).Fatal("error running revealer")
	}
}

func setupStores() (st.LetterStore, st.UserStore, error) {
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
		return nil, nil, pe.ErrServiceFailure("failed initializing Redis").WithCause(err)
	}
	return &st.RedisLetterStore{DB: rc}, &st.RedisUserStore{DB: rc}, nil
}

// setupNotifier wires the smtp-backed reveal notifier. It returns nil when no
// smtp server is configured; notices are then skipped entirely.
func setupNotifier() *email.Notifier {
	addr := viper.GetString(cst.EnvSMTPAddr)
	if addr == "" {
		return nil
	}
	var auth smtp.Auth
	if user := viper.GetString(cst.EnvSMTPUser); user != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			log.WithError(err).WithField("smtpAddr", addr).Fatal("got invalid smtp server address")
		}
		auth = smtp.PlainAuth("", user, viper.GetString(cst.EnvSMTPPasswd), host)
	}
	return &email.Notifier{
		M:    &email.Mailer{},
		Addr: addr,
		From: mail.Address{Name: "OpenOn", Address: viper.GetString(cst.EnvSMTPFrom)},
		Auth: auth,
	}
}

type revealer struct {
	LS       st.LetterStore
	US       st.UserStore
	Notifier *email.Notifier
	Now      func() time.Time
	wipCache gcache.Cache
}

func runRevealer() error {
	viper.AutomaticEnv()
	logging.SetupLog("letters-revealer")
	clog := logging.WithFuncName()
	ls, us, err := setupStores()
	if err != nil {
		clog.WithError(err).Error("error setting up stores")
		return err
	}
	defer ls.Close()
	localCacheSize := viper.GetInt(cst.EnvRevealerLocalCacheSize)
	wipCache := gcache.New(localCacheSize).LRU().Build()
	r := &revealer{LS: ls, US: us, Notifier: setupNotifier(), Now: time.Now, wipCache: wipCache}
	return r.Run()
}

func (r *revealer) Run() *pe.LetterErr {
	clog := logging.WithFuncName()
	freq := viper.GetDuration(cst.EnvRevealerSweepFreq)
	if freq <= 0 {
		clog.WithField("sweepFrequency", freq).Fatal("got non-positive revealer sweep frequency")
	}
	execPoolSize := viper.GetInt(cst.EnvRevealerExecutorPoolSize)
	if execPoolSize <= 0 {
		clog.WithField("revealerExecutorPoolSize", execPoolSize).Fatal("got non-positive revealer executor pool size")
	}
	quotas := make(chan struct{}, execPoolSize)
	maxLoad := viper.GetInt(cst.EnvRevealerMaxSweepLoad)
	loadTkr := time.NewTicker(freq)
	// ensure the worker can be responsive to system signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
LoopRun:
	for {
		select {
		case <-loadTkr.C:
			ids, err := r.Load(maxLoad)
			if err != nil {
				clog.WithError(err).Error("error loading due letters")
				return err
			}
			clog.WithField("count", len(ids)).Debug("due letters loaded")
			// dispatch due letters to workers in pool for stamping
			for _, id := range ids {
				go func(id string) {
					quotas <- struct{}{}
					defer func() { <-quotas }()
					if err := r.Reveal(id); err != nil {
						clog.WithError(err).WithField("letterID", id).Error("error revealing letter sender")
						return
					}
					clog.WithField("letterID", id).Debug("successfully revealed letter sender")
				}(id)
			}
		case <-sigChan:
			clog.Info("got termination signal from kernel. Stopping")
			break LoopRun
		}
	}
	return nil
}

// Load loads up to max due letters from LetterStore for reveal stamping. It
// loads all due letters when max == 0.
func (r *revealer) Load(max int) ([]string, *pe.LetterErr) {
	clog := logging.WithFuncName()
	ids, err := r.LS.Due(max)
	if err != nil {
		clog.WithError(err).Error("error loading due letters from LetterStore")
		return nil, err
	}
	// query local cache to filter out letters which are already WIP
	newIDs := []string{}
	for _, id := range ids {
		if _, err := r.wipCache.Get(id); err != nil {
			if err == gcache.KeyNotFoundError {
				newIDs = append(newIDs, id)
			} else {
				msg := "error getting letter id from local cache"
				clog.WithError(err).Error(msg)
				return nil, pe.ErrServiceFailure(msg).WithCause(err)
			}
		}
	}
	// cache these ids in WIP cache in best-effort manner - an id we failed to
	// set will be picked up again in the next sweep, and MarkRevealed is
	// idempotent anyway
	exp := viper.GetDuration(cst.EnvRevealerWIPCacheEntryExpiry)
	for _, id := range newIDs {
		if err := r.wipCache.SetWithExpire(id, struct{}{}, exp); err != nil {
			clog.WithError(err).Errorf("error keying letter id %s in local cache", id)
		}
	}
	return newIDs, nil
}

// Reveal stamps the sender reveal on one letter and sends a best-effort notice
// to the recipient. The stamp is the authoritative effect; notice failure never
// rolls it back.
func (r *revealer) Reveal(letterID string) *pe.LetterErr {
	clog := logging.WithFuncName().WithField("letterID", letterID)
	if err := r.LS.MarkRevealed(letterID, r.Now()); err != nil {
		return err
	}
	if err := r.notify(letterID); err != nil {
		clog.WithError(err).Warning("reveal stamped but notice not sent")
	}
	r.wipCache.Remove(letterID)
	return nil
}

func (r *revealer) notify(letterID string) error {
	if r.Notifier == nil {
		return nil
	}
	l, err := r.LS.Get(letterID)
	if err != nil {
		return err
	}
	recipient, err := r.US.Get(l.RecipientID)
	if err != nil {
		return err
	}
	if recipient.Email == "" {
		return nil
	}
	senderName := l.SenderID
	if sender, err := r.US.Get(l.SenderID); err == nil && sender.DisplayName != "" {
		senderName = sender.DisplayName
	}
	to := mail.Address{Name: recipient.DisplayName, Address: recipient.Email}
	return r.Notifier.NotifyReveal(to, senderName, l.Title)
}
