package exchange

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Order id type suffixes.
const (
	IDTypeEntry = "ENT"
	IDTypeExit  = "EXT"
	IDTypeStop  = "STP"
	IDTypeChase = "CHS"
)

const dedupCapacity = 4096

// IDGenerator mints client order ids of the form NP-<DDMMM>-<NNNNN>-<TYPE>
// and tracks recently issued ids so a retry never re-submits under a fresh
// id. The daily sequence lives in Redis when available; without Redis (or on
// Redis failure) the counter falls back to a random offset so two processes
// cannot collide on restart.
type IDGenerator struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger

	mu       sync.Mutex
	day      string
	fallback int64
	seen     map[string]struct{}
	order    []string // FIFO eviction ring over seen
}

// NewIDGenerator builds a generator. rdb may be nil for memory-only mode.
func NewIDGenerator(rdb *redis.Client, prefix string, logger zerolog.Logger) *IDGenerator {
	return &IDGenerator{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "orderid").Logger(),
		seen:   make(map[string]struct{}, dedupCapacity),
	}
}

// Next mints a fresh id for the given type suffix.
func (g *IDGenerator) Next(ctx context.Context, idType string, now time.Time) string {
	day := strings.ToUpper(now.UTC().Format("02Jan"))
	seq := g.sequence(ctx, day)
	id := fmt.Sprintf("NP-%s-%05d-%s", day, seq%100000, idType)
	g.Remember(ctx, id)
	return id
}

func (g *IDGenerator) sequence(ctx context.Context, day string) int64 {
	if g.rdb != nil {
		key := fmt.Sprintf("%s:orderseq:%s", g.prefix, day)
		n, err := g.rdb.Incr(ctx, key).Result()
		if err == nil {
			g.rdb.Expire(ctx, key, 48*time.Hour)
			return n
		}
		g.logger.Warn().Err(err).Msg("redis sequence unavailable, using local counter")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.day != day {
		g.day = day
		g.fallback = randomOffset()
	}
	g.fallback++
	return g.fallback
}

// randomOffset seeds the local counter somewhere random in the id space so
// independent restarts within one day stay apart.
func randomOffset() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano() % 100000
	}
	return int64(binary.BigEndian.Uint64(b[:]) % 100000)
}

// Remember records an issued id in the dedup window.
func (g *IDGenerator) Remember(ctx context.Context, id string) {
	g.mu.Lock()
	if _, ok := g.seen[id]; !ok {
		g.seen[id] = struct{}{}
		g.order = append(g.order, id)
		if len(g.order) > dedupCapacity {
			evict := g.order[0]
			g.order = g.order[1:]
			delete(g.seen, evict)
		}
	}
	g.mu.Unlock()

	if g.rdb != nil {
		key := g.prefix + ":orderids"
		pipe := g.rdb.Pipeline()
		pipe.SAdd(ctx, key, id)
		pipe.Expire(ctx, key, 48*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			g.logger.Debug().Err(err).Msg("redis dedup write failed")
		}
	}
}

// Seen reports whether an id was already issued inside the dedup window.
// The in-memory ring answers first; Redis extends the window across restarts.
func (g *IDGenerator) Seen(ctx context.Context, id string) bool {
	g.mu.Lock()
	_, ok := g.seen[id]
	g.mu.Unlock()
	if ok {
		return true
	}
	if g.rdb != nil {
		member, err := g.rdb.SIsMember(ctx, g.prefix+":orderids", id).Result()
		if err == nil {
			return member
		}
	}
	return false
}
