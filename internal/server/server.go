package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/pinquiz/internal/api"
	"github.com/victornm/pinquiz/internal/archive"
	"github.com/victornm/pinquiz/internal/event"
	"github.com/victornm/pinquiz/internal/host"
	"github.com/victornm/pinquiz/internal/leaderboard"
	"github.com/victornm/pinquiz/internal/store"
	"github.com/victornm/pinquiz/internal/telemetry"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
		// PublicURL is where players open the game, encoded in join QR codes.
		PublicURL   string
		CORSOrigins []string
	}

	GRPC struct {
		Port int32
	}

	Store struct {
		// Backend is memory or redis.
		Backend       string
		ReadyAttempts int
		ReadyInterval time.Duration
	}

	Game struct {
		EndRoundWhenAllAnswered bool
		SubmitDelay             time.Duration
	}

	// Leaderboard and Pubsub are optional, they are skipped without addresses.
	Redis struct {
		Store       RedisConfig
		Leaderboard RedisConfig
		Pubsub      RedisConfig
	}

	// Archive is optional, it is skipped without an address.
	Postgres struct {
		Archive struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

// DefaultConfig runs everything in memory, without Redis and Postgres.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.HTTP.CORSOrigins = []string{"*"}
	c.GRPC.Port = 9090
	c.Store.Backend = BackendMemory
	c.Store.ReadyAttempts = 10
	c.Store.ReadyInterval = time.Second
	c.Game.SubmitDelay = 500 * time.Millisecond
	c.Redis.Store.Prefix = "pinquiz"
	c.Redis.Leaderboard.Prefix = "pinquiz:leaderboard"
	c.Redis.Pubsub.Prefix = "pinquiz"
	return c
}

type Server struct {
	c Config

	eb    *event.Bus
	store *store.Gateway

	infra struct {
		redis struct {
			store       redis.UniversalClient
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			archive *pgxpool.Pool
		}
	}

	service struct {
		host        *host.Service
		leaderboard *leaderboard.Service
		archive     *archive.Service
	}

	api  *api.API
	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initStore(); err != nil {
		return nil, fmt.Errorf("server: init store: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, rc RedisConfig) (redis.UniversalClient, error) {
		if len(rc.Addrs) == 0 {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Password: rc.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	if s.c.Store.Backend == BackendRedis {
		if len(s.c.Redis.Store.Addrs) == 0 {
			return errors.New("store: redis backend needs addresses")
		}
		// The gateway retries opening the backend, so the store client is not pinged here.
		s.infra.redis.store = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    s.c.Redis.Store.Addrs,
			Password: s.c.Redis.Store.Pass,
		})
		if err := telemetry.MonitorRedis(s.infra.redis.store, "store"); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}

	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	a := s.c.Postgres.Archive
	if a.Addr == "" {
		return nil
	}

	s.infra.postgres.archive, err = connect(a.Addr, a.User, a.Pass, a.Name)
	if err != nil {
		return fmt.Errorf("postgres: archive: %w", err)
	}

	return nil
}

func (s *Server) initStore() error {
	var b store.Backend
	switch s.c.Store.Backend {
	case BackendMemory, "":
		b = store.NewMemory()
	case BackendRedis:
		b = store.NewRedis(s.infra.redis.store, s.c.Redis.Store.Prefix)
	default:
		return fmt.Errorf("unknown backend %q", s.c.Store.Backend)
	}

	s.store = store.Open(store.Config{
		Backend:       b,
		ReadyAttempts: s.c.Store.ReadyAttempts,
		ReadyInterval: s.c.Store.ReadyInterval,
	})
	return nil
}

func (s *Server) initService() error {
	s.service.host = host.NewService(host.Config{
		Store:                   s.store,
		EventBus:                s.eb,
		Clock:                   clockwork.NewRealClock(),
		EndRoundWhenAllAnswered: s.c.Game.EndRoundWhenAllAnswered,
	})

	if s.infra.redis.leaderboard != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis.leaderboard,
			Prefix:   s.c.Redis.Leaderboard.Prefix,
		})
	}

	if s.infra.postgres.archive != nil {
		s.service.archive = archive.NewService(archive.Config{
			EventBus: s.eb,
			DB:       s.infra.postgres.archive,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.service.archive.Migrate(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", s.healthz)
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())

	c := api.Config{
		GRPC:        s.grpc,
		HTTP:        e,
		EventBus:    s.eb,
		Host:        s.service.host,
		Store:       s.store,
		PublicURL:   s.c.HTTP.PublicURL,
		SubmitDelay: s.c.Game.SubmitDelay,
	}
	// Typed nil pointers must not end up in the interfaces.
	if s.service.leaderboard != nil {
		c.Leaderboard = s.service.leaderboard
	}
	if s.service.archive != nil {
		c.Archive = s.service.archive
	}
	if s.infra.redis.pubsub != nil {
		c.Redis = s.infra.redis.pubsub
		c.PubsubPrefix = s.c.Redis.Pubsub.Prefix
	}
	s.api = api.New(c)

	h := cors.New(cors.Options{
		AllowedOrigins: s.c.HTTP.CORSOrigins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           h,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Handler is the HTTP handler served on the HTTP port.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	if err := s.store.Ready(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	s.api.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.host.Close()
	if s.service.leaderboard != nil {
		s.service.leaderboard.Close()
	}
	s.eb.Stop()

	if err := s.store.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close store failed", "error", err)
	}

	// The store client is closed with the store.
	for _, r := range []redis.UniversalClient{s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if r != nil {
			_ = r.Close()
		}
	}
	if s.infra.postgres.archive != nil {
		s.infra.postgres.archive.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
