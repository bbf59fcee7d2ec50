package stores

import (
	"fmt"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	pe "openon.io/letters/errors"
	md "openon.io/letters/models"
)

const (
	bcryptCost                int = 8
	fieldNameUserID               = "ID"
	fieldNameUserPasswdHash       = "Hash"
	fieldNameUserDisplayName      = "DisplayName"
	fieldNameUserEmail            = "Email"
	fieldNameUserActive           = "Active"
	fieldNameUserCreationTime     = "CreationTime"

	keyTmplUser = `user.%s`
)

// UserStore vends operation to manage user and secret
type UserStore interface {
	Register(u md.User) *pe.LetterErr
	// Authenticate verifies the password and returns the stored user on success
	Authenticate(userID, passwd string) (*md.User, *pe.LetterErr)
	Get(userID string) (*md.User, *pe.LetterErr)
}

type RedisUserStore struct {
	DB *redis.Client
}

func (r *RedisUserStore) Register(u md.User) *pe.LetterErr {
	clog := log.WithField("userID", u.ID)
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Passwd), bcryptCost)
	if err != nil {
		clog.WithError(err).Error("error creating user password hash")
		return pe.ErrServiceFailure("error processing user password").WithCause(err)
	}
	userKey := fmt.Sprintf(keyTmplUser, u.ID)
	if _, err = r.DB.TxPipelined(func(p redis.Pipeliner) error {
		// check if user had already existed
		if id, err := p.HGet(userKey, fieldNameUserID).Result(); err != nil && err != redis.Nil {
			clog.Error("error checking the existence of user")
			return err
		} else if id != "" {
			return pe.ErrExisted("user being registered had already existed")
		}
		if _, err := p.HMSet(userKey, map[string]interface{}{
			fieldNameUserID:           u.ID,
			fieldNameUserPasswdHash:   hash,
			fieldNameUserDisplayName:  u.DisplayName,
			fieldNameUserEmail:        u.Email,
			fieldNameUserActive:       true,
			fieldNameUserCreationTime: u.CreationTime,
		}).Result(); err != nil {
			clog.Error("error saving user details to redis")
			return err
		}
		return nil
	}); err != nil {
		msg := "error registering user"
		clog.WithError(err).Error(msg)
		switch v := err.(type) {
		case *pe.LetterErr:
			return v
		default:
			return pe.ErrServiceFailure(msg).WithCause(err)
		}
	}
	return nil
}

func (r *RedisUserStore) Authenticate(userID, passwd string) (*md.User, *pe.LetterErr) {
	clog := log.WithField("userID", userID)
	u, gerr := r.Get(userID)
	if gerr != nil {
		return nil, gerr
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Hash), []byte(passwd)); err != nil {
		clog.Debug("password mismatch")
		return nil, pe.ErrNotFound("user not found or password mismatch")
	}
	return u, nil
}

func (r *RedisUserStore) Get(userID string) (*md.User, *pe.LetterErr) {
	clog := log.WithField("userID", userID)
	m, err := r.DB.HGetAll(fmt.Sprintf(keyTmplUser, userID)).Result()
	if err != nil {
		msg := "error getting user details"
		clog.WithError(err).Error(msg)
		return nil, pe.ErrServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		return nil, pe.ErrNotFound("user not found or password mismatch")
	}
	u := &md.User{
		ID:          m[fieldNameUserID],
		Hash:        m[fieldNameUserPasswdHash],
		DisplayName: m[fieldNameUserDisplayName],
		Email:       m[fieldNameUserEmail],
		Active:      m[fieldNameUserActive] == "1",
	}
	if raw := m[fieldNameUserCreationTime]; raw != "" {
		if err := u.CreationTime.UnmarshalBinary([]byte(raw)); err != nil {
			msg := "error unmarshalling user creation time"
			clog.WithError(err).Error(msg)
			return nil, pe.ErrServiceFailure(msg).WithCause(err)
		}
	}
	return u, nil
}
