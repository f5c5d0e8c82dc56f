package session

import (
	"github.com/rs/zerolog/log"
)

// NewStore returns a Redis-backed directory when an address is configured and
// reachable, and the in-memory one otherwise.
func NewStore(opts RedisOptions) Directory {
	if opts.Addr == "" {
		log.Info().Str("backend", "memory").Msg("session directory")
		return NewMemoryStore()
	}

	store, err := NewRedisStore(opts)
	if err != nil {
		log.Warn().Err(err).Str("addr", opts.Addr).Msg("redis connection failed, falling back to in-memory session directory")
		return NewMemoryStore()
	}
	log.Info().Str("backend", "redis").Str("addr", opts.Addr).Msg("session directory")
	return store
}
