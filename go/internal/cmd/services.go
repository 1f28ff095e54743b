package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/api"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/auth"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/content"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/game"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/realtime"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/resilience"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms"
	roomsdb "github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/rooms/db"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sanitize"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/sweep"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/timer"
	"github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/votes"
	votesdb "github.com/joshuamtm/nonprofit-trolley-game-enhanced/go/internal/votes/db"
)

type Services struct {
	Rooms     *rooms.App
	Votes     *votes.App
	Timers    *timer.Coordinator
	Hub       *realtime.Hub
	Game      *game.Coordinator
	Content   content.Store
	Tokens    *auth.TokenIssuer
	Limiter   *resilience.Limiter
	Throttle  *realtime.ConnectionThrottle
	Sweeper   *sweep.Runner
	Scheduler *sweep.AsynqScheduler
	Breakers  *resilience.Breakers
	Health    map[string]api.HealthCheck

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// onClose registers fn to run when the services shut down.
func (s *Services) onClose(name string, fn func() error) {
	s.closers = append(s.closers, namedCloser{name: name, close: fn})
}

// Close releases connections in reverse order of creation. It is safe to
// call more than once.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			log.Warn().Err(err).Str("resource", c.name).Msg("failed to close")
		}
	}
	s.closers = nil
}

func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Storage → Repository layer → App layer → Coordinator → Transport
	s := &Services{Health: make(map[string]api.HealthCheck)}
	clock := clockwork.NewRealClock()

	s.Breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig(), clock)
	exec := resilience.NewExecutor(
		resilience.WithClock(clock),
		resilience.WithBreakers(s.Breakers),
		resilience.WithRetryPolicy(resilience.DefaultRetryPolicy()),
	)

	var database *sql.DB
	if cfg.StorageDriver == driverPostgres {
		var err error
		database, err = setupDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.onClose("database", database.Close)
		s.Health["database"] = func(ctx context.Context) error { return database.PingContext(ctx) }
	}

	// Rooms and votes
	var (
		roomsRepo rooms.RoomsRepository
		votesRepo votes.VotesRepository
	)
	if database != nil {
		roomsRepo = rooms.NewRepository(roomsdb.New(database), database)
		votesRepo = votes.NewRepository(votesdb.New(database), database)
	} else {
		memRooms := rooms.NewMemoryRepository()
		roomsRepo = memRooms
		votesRepo = votes.NewMemoryRepository(memRooms)
	}
	log.Info().Str("driver", cfg.StorageDriver).Msg("storage configured")
	s.Rooms = rooms.NewApp(roomsRepo, exec, clock)

	// Broadcast hub, mirrored to JetStream when NATS is configured
	hubOpts := []realtime.HubOption{realtime.WithCounter(s.Rooms)}
	if cfg.NATSURL != "" {
		jsCfg := realtime.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		mirror, err := realtime.NewNATSMirror(ctx, jsCfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to set up event mirror: %w", err)
		}
		s.onClose("nats", mirror.Close)
		s.Health["nats"] = func(context.Context) error {
			if !mirror.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}
		hubOpts = append(hubOpts, realtime.WithMirror(mirror))
	}
	s.Hub = realtime.NewHub(hubOpts...)

	s.Votes = votes.NewApp(votesRepo, s.Rooms, s.Hub, sanitize.NewBasic(), exec, clock)

	// Rate limiting, shared through Redis when configured
	var store resilience.Store = resilience.NewMemoryStore(clock)
	if cfg.RedisURL != "" {
		redisStore, err := resilience.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.onClose("redis", redisStore.Close)
		store = redisStore
		log.Info().Msg("rate limiter using redis")
	}
	s.Limiter = resilience.NewLimiter(store, cfg.RateLimits)
	s.Throttle = realtime.NewConnectionThrottle(realtime.DefaultThrottleConfig(), clock)

	// Scenario content
	switch cfg.ContentSource {
	case contentPostgres:
		pgStore, pool, err := content.NewPostgresStoreFromDSN(ctx, cfg.Database.DSN())
		if err != nil {
			s.Close()
			return nil, err
		}
		s.onClose("content pool", func() error {
			pool.Close()
			return nil
		})
		s.Content = pgStore
	default:
		yamlStore, err := content.NewYAMLStoreFromFile(cfg.ScenariosPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Content = yamlStore
	}

	// Game coordination
	s.Timers = timer.NewCoordinator(clock, s.Hub, nil)
	s.Game = game.NewCoordinator(s.Rooms, s.Votes, s.Timers, s.Hub, clock,
		game.WithContent(s.Content),
		game.WithLimiter(s.Limiter),
	)
	s.Timers.SetExpiryHandler(s.Game.HandleExpiry)

	tokens, err := auth.NewTokenIssuer(cfg.SessionSecret, auth.DefaultTTL, clock)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Tokens = tokens

	// Staleness sweep
	s.Sweeper = sweep.NewRunner(s.Game, clock, sweep.Config{
		StaleAfter: cfg.StaleAfter,
		Interval:   cfg.SweepInterval,
	},
		sweep.WithOriginTracker(s.Throttle),
		sweep.WithBucketStore(s.Limiter),
	)
	if cfg.RedisURL != "" {
		scheduler, err := sweep.NewAsynqScheduler(cfg.RedisURL, s.Sweeper)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Scheduler = scheduler
	}

	return s, nil
}
