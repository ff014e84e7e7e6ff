// Package writeback announces approved assignments to whatever pushes them
// into the customer's external scheduling system. The request row is already
// committed by the time Emit is called; Emit only signals that it exists.
package writeback

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/turfline/backend/internal/models"
)

const DefaultChannel = "writeback"

type Emitter interface {
	Emit(ctx context.Context, req models.WritebackRequest) error
}

// LogEmitter records writebacks in the log. Used when Redis is not configured.
type LogEmitter struct {
	Logger zerolog.Logger
}

func (e LogEmitter) Emit(ctx context.Context, req models.WritebackRequest) error {
	e.Logger.Info().
		Str("writeback_id", req.ID).
		Str("decision_id", req.DecisionID).
		Str("job_request_id", req.JobRequestID).
		Str("crew_id", req.CrewID).
		Str("date", req.Date).
		Str("external_account_id", req.ExternalAccountID).
		Msg("writeback requested")
	return nil
}

// RedisEmitter publishes the request as JSON on a pub/sub channel.
type RedisEmitter struct {
	rdb     goredis.UniversalClient
	channel string
}

func NewRedisEmitter(rdb goredis.UniversalClient, channel string) *RedisEmitter {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisEmitter{rdb: rdb, channel: channel}
}

func (e *RedisEmitter) Emit(ctx context.Context, req models.WritebackRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return e.rdb.Publish(ctx, e.channel, raw).Err()
}
