package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-transaction retries on WATCH conflicts.
const maxTxRetries = 5

// RedisStore implements Store on Redis. Sessions are JSON values indexed
// by status and mode in sorted sets scored by creation time; trials and
// surveys live in per-session hashes. The group-trial merge uses WATCH
// for optimistic concurrency.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default "fightcast:").
	Prefix string
	// PoolSize is the connection pool size (default 10).
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("store: redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: keyPrefix(cfg.Prefix)}, nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix(prefix)}
}

func keyPrefix(p string) string {
	if p == "" {
		return "fightcast:"
	}
	return p
}

func (r *RedisStore) sessionKey(id string) string  { return r.prefix + "session:" + id }
func (r *RedisStore) trialsKey(id string) string   { return r.prefix + "trials:" + id }
func (r *RedisStore) surveysKey(id string) string  { return r.prefix + "surveys:" + id }
func (r *RedisStore) statusIdx(s Status) string    { return r.prefix + "idx:status:" + string(s) }
func (r *RedisStore) modeIdx(m Mode) string        { return r.prefix + "idx:mode:" + string(m) }

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *RedisStore) CreateSession(ctx context.Context, s *Session) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	score := float64(s.CreatedAt.UnixMilli())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.ID), data, 0)
		pipe.ZAdd(ctx, r.statusIdx(s.Status), redis.Z{Score: score, Member: s.ID})
		pipe.ZAdd(ctx, r.modeIdx(s.Mode), redis.Z{Score: score, Member: s.ID})
		return nil
	})
	return err
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("store: unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) UpdateSession(ctx context.Context, id string, updates map[string]any) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	key := r.sessionKey(id)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("store: unmarshal session: %w", err)
		}
		oldStatus, oldMode := s.Status, s.Mode
		if err := applySessionUpdates(&s, updates); err != nil {
			return err
		}
		out, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("store: marshal session: %w", err)
		}
		score := float64(s.CreatedAt.UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if s.Status != oldStatus {
				pipe.ZRem(ctx, r.statusIdx(oldStatus), s.ID)
				pipe.ZAdd(ctx, r.statusIdx(s.Status), redis.Z{Score: score, Member: s.ID})
			}
			if s.Mode != oldMode {
				pipe.ZRem(ctx, r.modeIdx(oldMode), s.ID)
				pipe.ZAdd(ctx, r.modeIdx(s.Mode), redis.Z{Score: score, Member: s.ID})
			}
			return nil
		})
		return err
	}
	return r.retryTx(ctx, txn, key)
}

func (r *RedisStore) FindSessions(ctx context.Context, q SessionQuery) ([]*Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var idx string
	switch {
	case q.Status != "":
		idx = r.statusIdx(q.Status)
	case q.Mode != "":
		idx = r.modeIdx(q.Mode)
	default:
		return nil, errors.New("store: query needs status or mode")
	}

	stop := int64(-1)
	if q.Limit > 0 {
		stop = int64(q.Limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, idx, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store: index scan: %w", err)
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue // index raced a delete
		}
		if err != nil {
			return nil, err
		}
		if q.Status != "" && s.Status != q.Status {
			continue
		}
		if q.Mode != "" && s.Mode != q.Mode {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) AppendFinished(ctx context.Context, id, participantID string) (*Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	key := r.sessionKey(id)
	var result *Session
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("store: unmarshal session: %w", err)
		}
		present := false
		for _, fid := range s.FinishedIDs {
			if fid == participantID {
				present = true
				break
			}
		}
		if !present {
			s.FinishedIDs = append(s.FinishedIDs, participantID)
		}
		out, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("store: marshal session: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		}); err != nil {
			return err
		}
		result = &s
		return nil
	}
	if err := r.retryTx(ctx, txn, key); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RedisStore) CreateTrial(ctx context.Context, sessionID string, doc *TrialDocument) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal trial: %w", err)
	}
	created, err := r.client.HSetNX(ctx, r.trialsKey(sessionID), doc.ID, data).Result()
	if err != nil {
		return fmt.Errorf("store: create trial: %w", err)
	}
	if !created {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisStore) MergeGroupTrial(ctx context.Context, sessionID string, trialNumber int, mutate func(existing *TrialDocument) (*TrialDocument, error)) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	key := r.trialsKey(sessionID)
	docID := GroupTrialID(trialNumber)
	txn := func(tx *redis.Tx) error {
		var existing *TrialDocument
		data, err := tx.HGet(ctx, key, docID).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// first submission for this trial
		case err != nil:
			return err
		default:
			existing = &TrialDocument{}
			if err := json.Unmarshal(data, existing); err != nil {
				return fmt.Errorf("store: unmarshal trial: %w", err)
			}
		}

		next, err := mutate(existing)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		next.ID = docID
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("store: marshal trial: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, docID, out)
			return nil
		})
		return err
	}
	return r.retryTx(ctx, txn, key)
}

func (r *RedisStore) ListTrials(ctx context.Context, sessionID string) ([]*TrialDocument, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	all, err := r.client.HGetAll(ctx, r.trialsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list trials: %w", err)
	}
	out := make([]*TrialDocument, 0, len(all))
	for _, raw := range all {
		var doc TrialDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("store: unmarshal trial: %w", err)
		}
		out = append(out, &doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrialNumber != out[j].TrialNumber {
			return out[i].TrialNumber < out[j].TrialNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *RedisStore) PutSurvey(ctx context.Context, sessionID, docID string, doc *SurveyDocument) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal survey: %w", err)
	}
	return r.client.HSet(ctx, r.surveysKey(sessionID), docID, data).Err()
}

func (r *RedisStore) GetSurvey(ctx context.Context, sessionID, docID string) (*SurveyDocument, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	data, err := r.client.HGet(ctx, r.surveysKey(sessionID), docID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSurveyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get survey: %w", err)
	}
	var doc SurveyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: unmarshal survey: %w", err)
	}
	return &doc, nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// retryTx runs an optimistic WATCH transaction, retrying on conflicting
// concurrent writers up to maxTxRetries.
func (r *RedisStore) retryTx(ctx context.Context, txn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("store: transaction contention after %d retries: %w", maxTxRetries, redis.TxFailedErr)
}
