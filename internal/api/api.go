// Package api exposes the host and player controllers over HTTP, websockets
// and gRPC, and publishes game notifications on Redis pub/sub.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/event"
	"github.com/victornm/pinquiz/internal/host"
	"github.com/victornm/pinquiz/internal/leaderboard"
	"github.com/victornm/pinquiz/internal/store"
)

type Config struct {
	GRPC     *grpc.Server
	HTTP     gin.IRouter
	EventBus *event.Bus

	Host  *host.Service
	Store store.Store
	Clock clockwork.Clock

	// Leaderboard and Archive are optional. Without them the leaderboard is
	// built from the hosted game and results of games that are no longer
	// in the store cannot be served.
	Leaderboard Leaderboard
	Archive     Archive

	// Redis is optional, notifications are not published without it.
	Redis        Redis
	PubsubPrefix string

	// PublicURL is the address players open to join, used for QR codes.
	PublicURL string
	// SubmitDelay is passed to the player controllers of /ws/play.
	SubmitDelay time.Duration
}

type Leaderboard interface {
	GetLeaderboard(ctx context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error)
}

type Archive interface {
	LatestResults(ctx context.Context, pin string) (*domain.FinalResults, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	hs *host.Service
	ls Leaderboard
	ar Archive

	st    store.Store
	clock clockwork.Clock
	delay time.Duration

	redis  Redis
	prefix string

	publicURL string
	conns     *hub
}

func New(c Config) *API {
	a := &API{
		hs:        c.Host,
		ls:        c.Leaderboard,
		ar:        c.Archive,
		st:        c.Store,
		clock:     c.Clock,
		delay:     c.SubmitDelay,
		redis:     c.Redis,
		prefix:    c.PubsubPrefix,
		publicURL: c.PublicURL,
		conns:     newHub(),
	}

	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}

	if c.GRPC != nil {
		RegisterGameServiceServer(c.GRPC, a)
	}

	if c.HTTP != nil {
		a.registerHTTP(c.HTTP)
	}

	// Register event handlers
	c.EventBus.SubscribeMany([]string{
		domain.EventNameRosterUpdated,
		domain.EventNameRoundStarted,
		domain.EventNameRoundTick,
		domain.EventNameAnswersUpdated,
		domain.EventNameRoundEnded,
		domain.EventNameSessionEnded,
	}, func(ctx context.Context, e event.Event) error {
		return a.pushAdminView(ctx, e.(domain.GameEvent).SessionPIN())
	})

	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})

		c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
			return a.PublishSessionEnded(ctx, e.(domain.EventSessionEnded))
		})
	}

	return a
}

// Close disconnects every websocket client.
func (a *API) Close() {
	a.conns.close()
}
