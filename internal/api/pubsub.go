package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/score"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	// GameResults is sent on the game channel when a game ends.
	GameResults struct {
		PIN         string                    `json:"pin"`
		Name        string                    `json:"name"`
		Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
		Rounds      int                       `json:"rounds"`
	}

	// PlayerResult is sent on the channel of each player when a game ends.
	PlayerResult struct {
		PIN         string `json:"pin"`
		PlayerID    string `json:"playerId"`
		Score       int    `json:"score"`
		Rank        int    `json:"rank"`
		Total       int    `json:"total"`
		Achievement string `json:"achievement"`
	}
)

func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	return a.publishNotification(ctx, a.gameChannel(e.Leaderboard.PIN), e.Name(), e.Leaderboard)
}

// PublishSessionEnded sends the final leaderboard to the game channel and
// the rank of every player to its own channel.
func (a *API) PublishSessionEnded(ctx context.Context, e domain.EventSessionEnded) error {
	ss := e.Session
	if ss.FinalResults == nil {
		return nil
	}

	board := ss.FinalResults.FinalLeaderboard
	data := GameResults{
		PIN:         ss.PIN,
		Name:        ss.Name,
		Leaderboard: make([]domain.LeaderboardEntry, 0, len(board)),
		Rounds:      len(ss.FinalResults.QuestionResults),
	}
	for _, p := range board {
		data.Leaderboard = append(data.Leaderboard, domain.LeaderboardEntry{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Score:      p.Score,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, a.gameChannel(ss.PIN), e.Name(), data)
	})

	for i, p := range board {
		r := PlayerResult{
			PIN:         ss.PIN,
			PlayerID:    p.ID,
			Score:       p.Score,
			Rank:        i + 1,
			Total:       len(board),
			Achievement: score.Achievement(i+1, len(board)),
		}
		eg.Go(func() error {
			return a.publishNotification(ctx, a.playerChannel(p.ID), e.Name(), r)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) gameChannel(pin string) string {
	return fmt.Sprintf("%s:game:%s", a.prefix, pin)
}

func (a *API) playerChannel(id string) string {
	return fmt.Sprintf("%s:player:%s", a.prefix, id)
}
