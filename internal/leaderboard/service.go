package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/event"
)

const (
	publishInterval  = 200 * time.Millisecond
	defaultRetention = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// Retention is how long the leaderboard of a finished game is kept.
	Retention time.Duration
	// PublishInterval throttles leaderboard.updated per session.
	PublishInterval time.Duration
}

type Service struct {
	eb        *event.Bus
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	interval  time.Duration

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		redis:     c.Redis,
		prefix:    c.Prefix,
		retention: c.Retention,
		interval:  c.PublishInterval,
	}

	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.interval <= 0 {
		s.interval = publishInterval
	}

	s.eb.Subscribe(domain.EventNameRosterUpdated, func(ctx context.Context, e event.Event) error {
		return s.SyncRoster(ctx, e.(domain.EventRosterUpdated))
	})

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.CloseLeaderboard(ctx, e.(domain.EventSessionEnded))
	})

	return s
}

type GetLeaderboardRequest struct {
	PIN string
}

// GetLeaderboard returns the leaderboard of a session, including all players and their scores.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.PIN), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: pin=%s", req.PIN))
	}

	ids := make([]string, 0, len(res))
	for _, z := range res {
		ids = append(ids, z.Member.(string))
	}

	names, err := s.redis.HMGet(ctx, s.getNamesKey(req.PIN), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get player names: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		name, _ := names[i].(string)
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID:   ids[i],
			PlayerName: name,
			Score:      int(z.Score),
		})
	}

	return &domain.Leaderboard{
		PIN:     req.PIN,
		Entries: entries,
	}, nil
}

// UpdateLeaderboard overwrites the player's score in the leaderboard.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	sc := e.Score

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.getLeaderboardKey(sc.PIN), redis.Z{
			Score:  float64(sc.TotalScore),
			Member: sc.PlayerID,
		})
		pipe.HSet(ctx, s.getNamesKey(sc.PIN), sc.PlayerID, sc.PlayerName)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, sc.PIN, sc.UpdateTime)
}

// SyncRoster puts every player of the roster on the leaderboard, at their
// stored score, and removes the players who left.
func (s *Service) SyncRoster(ctx context.Context, e domain.EventRosterUpdated) error {
	key, names := s.getLeaderboardKey(e.PIN), s.getNamesKey(e.PIN)

	members, err := s.redis.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("get leaderboard members: %w", err)
	}

	var left []string
	for _, id := range members {
		if _, ok := e.Players[id]; !ok {
			left = append(left, id)
		}
	}

	if len(e.Players) == 0 && len(left) == 0 {
		return nil
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, p := range e.Players {
			// Scores only grow, a newer score.updated is never overwritten.
			pipe.ZAddArgs(ctx, key, redis.ZAddArgs{
				GT:      true,
				Members: []redis.Z{{Score: float64(p.Score), Member: id}},
			})
			pipe.HSet(ctx, names, id, p.Name)
		}
		if len(left) > 0 {
			pipe.ZRem(ctx, key, toAny(left)...)
			pipe.HDel(ctx, names, left...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e.PIN, time.Now())
}

// schedulePublishLeaderboard publishes the leaderboard at most once per interval.
// All the scores of a round are updated at once, so this saves a lot of events.
// Updates throttled during an interval are published once it is over.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, pin string, at time.Time) error {
	// Marked before the throttle check, so the trailing publish of the
	// running interval either sees it or has already released the throttle.
	if err := s.redis.Set(ctx, s.getPendingKey(pin), at.UnixMilli(), 2*s.interval).Err(); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}

	// This is a simple way to prevent multiple instances of the service from publishing the leaderboard.
	// But it's not perfect and can be improved.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(pin), at.UnixMilli(), s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}
	s.trail(context.WithoutCancel(ctx), pin)

	if err := s.redis.Del(ctx, s.getPendingKey(pin)).Err(); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}

	if err := s.publishLeaderboard(ctx, pin); err != nil && !errors.Is(err, errors.CodeNotFound) {
		return err
	}
	return nil
}

// trail ends the interval that just started, publishing the updates it throttled.
func (s *Service) trail(ctx context.Context, pin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.pending.Add(1)
	time.AfterFunc(s.interval, func() {
		defer s.pending.Done()

		var pending *redis.IntCmd
		_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.getLeaderboardTimeKey(pin))
			pending = pipe.Del(ctx, s.getPendingKey(pin))
			return nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "leaderboard: trailing publish failed", "pin", pin, "error", err)
			return
		}
		if pending.Val() == 0 {
			return
		}

		if err := s.publishLeaderboard(ctx, pin); err != nil && !errors.Is(err, errors.CodeNotFound) {
			slog.ErrorContext(ctx, "leaderboard: trailing publish failed", "pin", pin, "error", err)
		}
	})
}

// Close waits for the trailing publishes in flight. Call it before stopping the event bus.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()
}

func (s *Service) publishLeaderboard(ctx context.Context, pin string) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		PIN: pin,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: pin=%s: %w", pin, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

// CloseLeaderboard publishes the final leaderboard of a finished session,
// skipping the throttle, and lets its keys expire.
func (s *Service) CloseLeaderboard(ctx context.Context, e domain.EventSessionEnded) error {
	pin := e.Session.PIN

	if err := s.publishLeaderboard(ctx, pin); err != nil && !errors.Is(err, errors.CodeNotFound) {
		return err
	}

	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.getLeaderboardKey(pin), s.retention)
		pipe.Expire(ctx, s.getNamesKey(pin), s.retention)
		pipe.Del(ctx, s.getPendingKey(pin))
		return nil
	})
	if err != nil {
		return fmt.Errorf("expire leaderboard: %w", err)
	}

	return nil
}

func (s *Service) getLeaderboardKey(pin string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, pin)
}

func (s *Service) getNamesKey(pin string) string {
	return fmt.Sprintf("%s:%s:names", s.prefix, pin)
}

func (s *Service) getLeaderboardTimeKey(pin string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, pin)
}

func (s *Service) getPendingKey(pin string) string {
	return fmt.Sprintf("%s:%s:pending", s.prefix, pin)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}
