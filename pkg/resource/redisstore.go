// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openfedcore/fedcore/pkg/job"
)

// RedisStore is the durable Store backend: reservations are leased with a
// TTL tracked in Redis so a crashed process does not orphan capacity.
// Capacity pools (divisible counters, indivisible id
// sets) and outstanding holds are namespaced under site so one Redis
// instance can back every site's Manager.
//
// Store calls are only ever invoked while the owning Manager holds its
// per-site Go mutex, so RedisStore performs no additional locking of its
// own. Unlike MemStore, this backend does perform
// network I/O while the site lock is held — necessary to keep capacity
// bookkeeping consistent with the lease TTL living in Redis.
type RedisStore struct {
	rdb  *redis.Client
	site string

	stopReap context.CancelFunc
}

const (
	holdsSetKeyFmt = "fedcore:resource:%s:holds"
	holdKeyFmt     = "fedcore:resource:%s:hold:%s"
	divKeyFmt      = "fedcore:resource:%s:div:%s"
	setKeyFmt      = "fedcore:resource:%s:ids:%s"
)

type holdRecord struct {
	Resolved  job.ResourceRequest `json:"resolved"`
	Allocated bool                `json:"allocated"`
	ExpiresAt int64               `json:"expires_at_unix"`
}

// NewRedisStore returns a RedisStore for site, seeding capacity if this is
// the pool's first use (existing keys are left untouched so a restarted
// process rejoins the pool it left behind).
func NewRedisStore(ctx context.Context, rdb *redis.Client, site string, capacity map[string]job.ResourceAmount) (*RedisStore, error) {
	s := &RedisStore{rdb: rdb, site: site}

	for kind, amt := range capacity {
		if amt.IDs != nil {
			key := fmt.Sprintf(setKeyFmt, site, kind)
			if n, err := rdb.Exists(ctx, key).Result(); err != nil {
				return nil, err
			} else if n == 0 && len(amt.IDs) > 0 {
				members := make([]interface{}, len(amt.IDs))
				for i, id := range amt.IDs {
					members[i] = id
				}
				if err := rdb.SAdd(ctx, key, members...).Err(); err != nil {
					return nil, err
				}
			}
			continue
		}
		key := fmt.Sprintf(divKeyFmt, site, kind)
		if exists, err := rdb.Exists(ctx, key).Result(); err != nil {
			return nil, err
		} else if exists == 0 {
			if err := rdb.Set(ctx, key, amt.Count, 0).Err(); err != nil {
				return nil, err
			}
		}
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	s.stopReap = cancel
	go s.reapLoop(reapCtx)

	return s, nil
}

// Close stops the background reaper goroutine.
func (s *RedisStore) Close() {
	s.stopReap()
}

func (s *RedisStore) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap lazily reclaims tentative holds whose lease has expired — Redis key
// TTL is not relied on directly because releasing capacity requires
// re-crediting per-kind pools, not just deleting a key.
func (s *RedisStore) reap(ctx context.Context) {
	setKey := fmt.Sprintf(holdsSetKeyFmt, s.site)
	tokens, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return
	}
	now := time.Now().Unix()
	for _, token := range tokens {
		rec, ok, err := s.getHold(ctx, token)
		if err != nil {
			continue
		}
		if !ok {
			s.rdb.SRem(ctx, setKey, token)
			continue
		}
		if rec.Allocated || rec.ExpiresAt > now {
			continue
		}
		s.release(ctx, rec.Resolved)
		s.rdb.Del(ctx, fmt.Sprintf(holdKeyFmt, s.site, token))
		s.rdb.SRem(ctx, setKey, token)
	}
}

func (s *RedisStore) getHold(ctx context.Context, token string) (holdRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(holdKeyFmt, s.site, token)).Result()
	if err == redis.Nil {
		return holdRecord{}, false, nil
	}
	if err != nil {
		return holdRecord{}, false, err
	}
	var rec holdRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return holdRecord{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) putHold(ctx context.Context, token string, rec holdRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, fmt.Sprintf(holdKeyFmt, s.site, token), raw, 0).Err(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, fmt.Sprintf(holdsSetKeyFmt, s.site), token).Err()
}

func (s *RedisStore) Capacity(ctx context.Context) (map[string]job.ResourceAmount, error) {
	out := make(map[string]job.ResourceAmount)
	divKeys, err := s.rdb.Keys(ctx, fmt.Sprintf(divKeyFmt, s.site, "*")).Result()
	if err != nil {
		return nil, err
	}
	for _, k := range divKeys {
		kind := k[len(fmt.Sprintf(divKeyFmt, s.site, "")):]
		n, err := s.rdb.Get(ctx, k).Int()
		if err != nil {
			return nil, err
		}
		out[kind] = job.ResourceAmount{Count: n}
	}
	setKeys, err := s.rdb.Keys(ctx, fmt.Sprintf(setKeyFmt, s.site, "*")).Result()
	if err != nil {
		return nil, err
	}
	for _, k := range setKeys {
		kind := k[len(fmt.Sprintf(setKeyFmt, s.site, "")):]
		ids, err := s.rdb.SMembers(ctx, k).Result()
		if err != nil {
			return nil, err
		}
		out[kind] = job.ResourceAmount{IDs: ids}
	}
	return out, nil
}

func (s *RedisStore) Reserve(ctx context.Context, req job.ResourceRequest, grace time.Duration) (string, job.ResourceRequest, bool, error) {
	resolved := make(job.ResourceRequest, len(req))

	// Verify feasibility first so a mid-way failure never leaves an earlier
	// kind consumed.
	for kind, amt := range req {
		setKey := fmt.Sprintf(setKeyFmt, s.site, kind)
		if card, err := s.rdb.SCard(ctx, setKey).Result(); err == nil && s.rdb.Exists(ctx, setKey).Val() > 0 {
			if int(card) < amt.Count {
				return "", nil, false, nil
			}
			continue
		}
		n, err := s.rdb.Get(ctx, fmt.Sprintf(divKeyFmt, s.site, kind)).Int()
		if err != nil && err != redis.Nil {
			return "", nil, false, err
		}
		if n < amt.Count {
			return "", nil, false, nil
		}
	}

	for kind, amt := range req {
		setKey := fmt.Sprintf(setKeyFmt, s.site, kind)
		if s.rdb.Exists(ctx, setKey).Val() > 0 {
			ids, err := s.rdb.SPopN(ctx, setKey, int64(amt.Count)).Result()
			if err != nil {
				return "", nil, false, err
			}
			resolved[kind] = job.ResourceAmount{IDs: ids, Count: len(ids)}
			continue
		}
		if err := s.rdb.DecrBy(ctx, fmt.Sprintf(divKeyFmt, s.site, kind), int64(amt.Count)).Err(); err != nil {
			return "", nil, false, err
		}
		resolved[kind] = job.ResourceAmount{Count: amt.Count}
	}

	token := uuid.NewString()
	rec := holdRecord{Resolved: resolved, ExpiresAt: time.Now().Add(grace).Unix()}
	if err := s.putHold(ctx, token, rec); err != nil {
		s.release(ctx, resolved)
		return "", nil, false, err
	}
	return token, resolved, true, nil
}

func (s *RedisStore) release(ctx context.Context, resolved job.ResourceRequest) {
	for kind, amt := range resolved {
		if amt.IDs != nil {
			members := make([]interface{}, len(amt.IDs))
			for i, id := range amt.IDs {
				members[i] = id
			}
			s.rdb.SAdd(ctx, fmt.Sprintf(setKeyFmt, s.site, kind), members...)
			continue
		}
		s.rdb.IncrBy(ctx, fmt.Sprintf(divKeyFmt, s.site, kind), int64(amt.Count))
	}
}

func (s *RedisStore) Cancel(ctx context.Context, token string) (bool, error) {
	rec, ok, err := s.getHold(ctx, token)
	if err != nil || !ok || rec.Allocated {
		return false, err
	}
	s.release(ctx, rec.Resolved)
	s.rdb.Del(ctx, fmt.Sprintf(holdKeyFmt, s.site, token))
	s.rdb.SRem(ctx, fmt.Sprintf(holdsSetKeyFmt, s.site), token)
	return true, nil
}

func (s *RedisStore) Allocate(ctx context.Context, token string) (job.ResourceRequest, bool, error) {
	rec, ok, err := s.getHold(ctx, token)
	if err != nil || !ok || rec.Allocated {
		return nil, false, err
	}
	rec.Allocated = true
	if err := s.putHold(ctx, token, rec); err != nil {
		return nil, false, err
	}
	return rec.Resolved, true, nil
}

func (s *RedisStore) Free(ctx context.Context, token string) (bool, error) {
	rec, ok, err := s.getHold(ctx, token)
	if err != nil || !ok || !rec.Allocated {
		return false, err
	}
	s.release(ctx, rec.Resolved)
	s.rdb.Del(ctx, fmt.Sprintf(holdKeyFmt, s.site, token))
	s.rdb.SRem(ctx, fmt.Sprintf(holdsSetKeyFmt, s.site), token)
	return true, nil
}
