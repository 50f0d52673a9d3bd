// Package host implements the admin side of a game: it owns the authoritative
// state of the sessions it runs and drives them through their rounds.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/event"
	"github.com/victornm/pinquiz/internal/store"
	"github.com/victornm/pinquiz/internal/telemetry"
)

const defaultPINAttempts = 5

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	Clock    clockwork.Clock

	// EndRoundWhenAllAnswered ends a round as soon as every player in the
	// roster has answered, instead of waiting for the countdown.
	EndRoundWhenAllAnswered bool

	// PINAttempts bounds how many random PINs are tried when one is taken.
	PINAttempts int
}

// Service keeps the games hosted by this process, keyed by PIN.
type Service struct {
	st          store.Store
	eb          *event.Bus
	clock       clockwork.Clock
	endEarly    bool
	pinAttempts int

	mu    sync.Mutex
	games map[string]*Game
}

func NewService(c Config) *Service {
	s := &Service{
		st:          c.Store,
		eb:          c.EventBus,
		clock:       c.Clock,
		endEarly:    c.EndRoundWhenAllAnswered,
		pinAttempts: c.PINAttempts,
		games:       make(map[string]*Game),
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.pinAttempts <= 0 {
		s.pinAttempts = defaultPINAttempts
	}

	return s
}

// CreateSessionRequest represents a request to open a new game session.
type CreateSessionRequest struct {
	Name string
}

// CreateSession writes a new session in the waiting state under a fresh PIN.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*Game, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidArgument("session name must not be empty")
	}

	pin, err := s.newPIN(ctx)
	if err != nil {
		return nil, err
	}

	ss := domain.Session{
		PIN:     pin,
		Name:    name,
		Created: domain.Millis(s.clock.Now()),
		State:   domain.StateWaiting,
	}
	if err := s.st.Write(ctx, domain.SessionPath(pin), ss); err != nil {
		return nil, fmt.Errorf("host: create session: %w", err)
	}

	g := newGame(s, ss)
	if err := g.watch(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.games[pin] = g
	s.mu.Unlock()

	telemetry.GamesCreated.Inc()
	s.eb.Publish(ctx, domain.EventSessionCreated{Session: ss})
	slog.InfoContext(ctx, "host: session created", "pin", pin, "name", name)

	return g, nil
}

func (s *Service) newPIN(ctx context.Context) (string, error) {
	for i := 0; i < s.pinAttempts; i++ {
		pin, err := s.st.NewSessionID()
		if err != nil {
			return "", err
		}

		var state domain.State
		found, err := s.st.Read(ctx, domain.SessionPath(pin)+"/state", &state)
		if err != nil {
			return "", fmt.Errorf("host: check PIN %s: %w", pin, err)
		}
		if !found {
			return pin, nil
		}

		slog.WarnContext(ctx, "host: PIN already taken", "pin", pin, "attempt", i+1)
	}

	return "", errors.New(errors.CodeUnavailable, errors.WithMessagef("no free PIN after %d attempts", s.pinAttempts))
}

// Resume returns the game with the given PIN, loading it from the store when
// this process does not host it yet (e.g. after a restart).
func (s *Service) Resume(ctx context.Context, pin string) (*Game, error) {
	s.mu.Lock()
	g, ok := s.games[pin]
	s.mu.Unlock()
	if ok {
		return g, nil
	}

	if !domain.ValidPIN(pin) {
		return nil, errors.InvalidArgument("PIN must have %d digits", domain.PINLength)
	}

	var ss domain.Session
	found, err := s.st.Read(ctx, domain.SessionPath(pin), &ss)
	if err != nil {
		return nil, fmt.Errorf("host: load session %s: %w", pin, err)
	}
	if !found {
		return nil, errors.NotFound("game %s not found", pin)
	}
	ss.PIN = pin

	g = newGame(s, ss)
	if err := g.watch(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if other, ok := s.games[pin]; ok {
		s.mu.Unlock()
		g.Close()
		return other, nil
	}
	s.games[pin] = g
	s.mu.Unlock()

	if err := g.resume(ctx, ss); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "host: session resumed", "pin", pin, "state", ss.State)
	return g, nil
}

// Close stops every hosted game.
func (s *Service) Close() {
	s.mu.Lock()
	games := s.games
	s.games = make(map[string]*Game)
	s.mu.Unlock()

	for _, g := range games {
		g.Close()
	}
}

func decodeSnapshot[T any](snap store.Snapshot) (T, error) {
	var v T
	if _, err := snap.Decode(&v); err != nil {
		return v, fmt.Errorf("decode %s: %w", snap.Path, err)
	}
	return v, nil
}
