package stores

import (
	"fmt"

	"github.com/go-redis/redis"
	"openon.io/letters/common/logging"
	pe "openon.io/letters/errors"
)

// ConnectionStore vends the social-graph edges required before anonymous letters
// may be sent.
type ConnectionStore interface {
	Connect(userA, userB string) *pe.LetterErr
	// AreConnected checks the edge bidirectionally: a connection recorded as
	// (A,B) or as (B,A) both count.
	AreConnected(userA, userB string) (bool, *pe.LetterErr)
}

// RedisConnectionStore is a ConnectionStore implementation driven by Redis.
type RedisConnectionStore struct {
	DB *redis.Client
}

const keyTmplConnections = `connections.%s`

func (s *RedisConnectionStore) Connect(userA, userB string) *pe.LetterErr {
	clog := logging.WithFuncName().WithField("userA", userA).WithField("userB", userB)
	if userA == "" || userB == "" || userA == userB {
		return pe.ErrBadInput("connection requires two distinct users")
	}
	// record both directions so lookups stay O(1) regardless of edge order
	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		if _, err := s.DB.SAdd(fmt.Sprintf(keyTmplConnections, pair[0]), pair[1]).Result(); err != nil {
			clog.WithError(err).Error("error recording connection edge")
			return pe.ErrServiceFailure("error recording connection").WithCause(err)
		}
	}
	return nil
}

func (s *RedisConnectionStore) AreConnected(userA, userB string) (bool, *pe.LetterErr) {
	clog := logging.WithFuncName().WithField("userA", userA).WithField("userB", userB)
	// tolerate edges written by older clients in a single direction
	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		ok, err := s.DB.SIsMember(fmt.Sprintf(keyTmplConnections, pair[0]), pair[1]).Result()
		if err != nil {
			clog.WithError(err).Error("error checking connection edge")
			return false, pe.ErrServiceFailure("error checking connection").WithCause(err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
