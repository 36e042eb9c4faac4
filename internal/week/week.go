// Package week tracks electricity consumption since the start of the current week.
package week

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/log2"
)

const (
	DefaultRedisPrefix = "p1meter:week:"
	redisTTL           = 8 * 24 * time.Hour
	redisDialTimeout   = 5 * time.Second
	redisIOTimeout     = 3 * time.Second
)

// WeekStart returns Monday 00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

type Baseline interface {
	// Baseline returns first total seen in the week, total becomes baseline if there was none.
	Baseline(ctx context.Context, weekStart int64, total float64) (float64, error)
}

type Tracker struct {
	b   Baseline
	log *log2.Log
}

func NewTracker(b Baseline, log *log2.Log) *Tracker { return &Tracker{b: b, log: log} }

// Observe returns Tariff1+Tariff2 consumed since the first telegram of t's week, kWh.
func (self *Tracker) Observe(ctx context.Context, t p1.Telegram) (float64, error) {
	ws := WeekStart(t.Time()).Unix()
	total := t.Total()
	base, err := self.b.Baseline(ctx, ws, total)
	if err != nil {
		return 0, errors.Annotatef(err, "week baseline start=%d", ws)
	}
	week := total - base
	if week < 0 {
		// meter replaced or counters reset
		self.log.Debugf("week total=%v below baseline=%v", total, base)
		week = 0
	}
	return week, nil
}

type MemoryBaseline struct {
	mu sync.Mutex
	m  map[int64]float64
}

func NewMemoryBaseline() *MemoryBaseline { return &MemoryBaseline{m: make(map[int64]float64)} }

func (self *MemoryBaseline) Baseline(_ context.Context, weekStart int64, total float64) (float64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if v, ok := self.m[weekStart]; ok {
		return v, nil
	}
	for k := range self.m {
		if k < weekStart {
			delete(self.m, k)
		}
	}
	self.m[weekStart] = total
	return total, nil
}

type RedisBaseline struct {
	c      redis.UniversalClient
	prefix string
}

func NewRedisBaseline(c redis.UniversalClient, prefix string) *RedisBaseline {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBaseline{c: c, prefix: prefix}
}

// DialRedis returns client which answered PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.NotValidf("redis addr empty")
	}
	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisIOTimeout,
		WriteTimeout: redisIOTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, errors.Annotatef(err, "redis ping addr=%s", addr)
	}
	return c, nil
}

func (self *RedisBaseline) Baseline(ctx context.Context, weekStart int64, total float64) (float64, error) {
	key := self.prefix + strconv.FormatInt(weekStart, 10)
	if err := self.c.SetNX(ctx, key, total, redisTTL).Err(); err != nil {
		return 0, errors.Annotatef(err, "redis SETNX key=%s", key)
	}
	v, err := self.c.Get(ctx, key).Float64()
	if err != nil {
		return 0, errors.Annotatef(err, "redis GET key=%s", key)
	}
	return v, nil
}

type FirstTotaler interface {
	FirstTotalSince(ctx context.Context, epoch int64) (float64, bool, error)
}

// SQLBaseline takes first stored row of the week, store.Store satisfies FirstTotaler.
type SQLBaseline struct{ s FirstTotaler }

func NewSQLBaseline(s FirstTotaler) SQLBaseline { return SQLBaseline{s: s} }

func (self SQLBaseline) Baseline(ctx context.Context, weekStart int64, total float64) (float64, error) {
	v, ok, err := self.s.FirstTotalSince(ctx, weekStart)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if !ok {
		return total, nil
	}
	return v, nil
}
