package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions and turns in Redis. Session records are JSON
// values under convo:sess:<id>; turns live in the convo:turns:<id> list.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: redis.NewClient(opts), ttl: ttl}, nil
}

func sessKey(id string) string  { return "convo:sess:" + id }
func turnsKey(id string) string { return "convo:turns:" + id }

func (s *RedisStore) CreateSession(ctx context.Context, sess Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	val, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, sessKey(sess.ID), val, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	val, err := s.client.Get(ctx, sessKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}

	// Keep an active conversation alive.
	_ = s.client.Expire(ctx, sessKey(sessionID), s.ttl).Err()
	_ = s.client.Expire(ctx, turnsKey(sessionID), s.ttl).Err()

	return sess, nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	key := sessKey(turn.SessionID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		var sess Session
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			return err
		}

		turn.Seq = sess.TurnCount + 1
		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now().UTC()
		}
		sess.TurnCount = turn.Seq
		sess.LastActivity = turn.Timestamp

		turnVal, err := json.Marshal(turn)
		if err != nil {
			return err
		}
		sessVal, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, turnsKey(turn.SessionID), turnVal)
			pipe.Set(ctx, key, sessVal, s.ttl)
			pipe.Expire(ctx, turnsKey(turn.SessionID), s.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *RedisStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	vals, err := s.client.LRange(ctx, turnsKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	return decodeTurns(vals)
}

func (s *RedisStore) TurnRange(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]Turn, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq < fromSeq {
		return nil, nil
	}
	// Seq is assigned densely from 1, so list indexes map directly.
	vals, err := s.client.LRange(ctx, turnsKey(sessionID), int64(fromSeq-1), int64(toSeq-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("turn range: %w", err)
	}
	return decodeTurns(vals)
}

func (s *RedisStore) PutSummary(ctx context.Context, sessionID string, summary Summary) error {
	key := sessKey(sessionID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var sess Session
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			return err
		}
		if summary.GeneratedAt.IsZero() {
			summary.GeneratedAt = time.Now().UTC()
		}
		sess.Summary = &summary

		sessVal, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, sessVal, s.ttl)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeTurns(vals []string) ([]Turn, error) {
	out := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}
