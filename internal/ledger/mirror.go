package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"novapulse/internal/metrics"
)

const mirrorBuffer = 256

// Mirror feeds an analytics stream from ledger writes. Non-canonical by
// contract: when the buffer is full or Redis is down, events are counted
// and dropped rather than blocking the trading path.
type Mirror struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger

	events chan mirrorEvent
	done   chan struct{}
}

type mirrorEvent struct {
	kind   string
	fields map[string]interface{}
}

// NewMirror starts the mirror pump.
func NewMirror(rdb *redis.Client, stream string, maxLen int64, logger zerolog.Logger) *Mirror {
	m := &Mirror{
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With().Str("component", "mirror").Logger(),
		events: make(chan mirrorEvent, mirrorBuffer),
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

// Publish enqueues one event; drops when the buffer is full.
func (m *Mirror) Publish(kind string, fields map[string]interface{}) {
	select {
	case m.events <- mirrorEvent{kind: kind, fields: fields}:
	default:
		metrics.MirrorDrops.Inc()
	}
}

// Close drains and stops the pump.
func (m *Mirror) Close() {
	close(m.events)
	<-m.done
}

func (m *Mirror) pump() {
	defer close(m.done)
	for ev := range m.events {
		payload, err := json.Marshal(ev.fields)
		if err != nil {
			metrics.MirrorDrops.Inc()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = m.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: m.stream,
			MaxLen: m.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"kind":    ev.kind,
				"payload": payload,
				"at":      time.Now().UTC().Format(time.RFC3339Nano),
			},
		}).Err()
		cancel()
		if err != nil {
			metrics.MirrorDrops.Inc()
			m.logger.Debug().Err(err).Msg("mirror publish failed")
		}
	}
}
