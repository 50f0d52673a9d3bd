package api_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/pinquiz/internal/api"
	"github.com/victornm/pinquiz/internal/domain"
)

func setupPubsub(t *testing.T) (*api.API, redis.UniversalClient) {
	t.Helper()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { _ = rc.Close() })

	f := setup(t, func(c *api.Config) {
		c.Redis = rc
		c.PubsubPrefix = "pinquiz"
	})
	return f.api, rc
}

func subscribe(t *testing.T, rc redis.UniversalClient, channels ...string) <-chan *redis.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ps := rc.Subscribe(ctx, channels...)
	t.Cleanup(func() { _ = ps.Close() })

	for range channels {
		_, err := ps.Receive(ctx)
		require.NoError(t, err, "should confirm the subscription")
	}
	return ps.Channel()
}

func receive(t *testing.T, ch <-chan *redis.Message) (string, api.Notification, json.RawMessage) {
	t.Helper()

	select {
	case msg := <-ch:
		var n struct {
			api.Notification
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		return msg.Channel, n.Notification, n.Data
	case <-time.After(time.Second):
		require.FailNow(t, "no notification received")
		return "", api.Notification{}, nil
	}
}

func TestAPI_PublishLeaderboardUpdated(t *testing.T) {
	a, rc := setupPubsub(t)
	ch := subscribe(t, rc, "pinquiz:game:111111")

	l := domain.Leaderboard{
		PIN: "111111",
		Entries: []domain.LeaderboardEntry{
			{PlayerID: "p1", PlayerName: "ann", Score: 1750},
		},
	}
	require.NoError(t, a.PublishLeaderboardUpdated(context.Background(), domain.EventLeaderboardUpdated{Leaderboard: l}))

	channel, n, data := receive(t, ch)
	assert.Equal(t, "pinquiz:game:111111", channel)
	assert.Equal(t, domain.EventNameLeaderboardUpdated, n.Event)

	var got domain.Leaderboard
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, l, got)
}

func TestAPI_PublishSessionEnded(t *testing.T) {
	a, rc := setupPubsub(t)
	game := subscribe(t, rc, "pinquiz:game:111111")
	players := subscribe(t, rc, "pinquiz:player:p1", "pinquiz:player:p2")

	ss := domain.Session{
		PIN:   "111111",
		Name:  "friday quiz",
		State: domain.StateFinished,
		FinalResults: &domain.FinalResults{
			FinalLeaderboard: []domain.Player{
				{ID: "p1", Name: "ann", Score: 3000},
				{ID: "p2", Name: "bob", Score: 1200},
			},
			QuestionResults: make([]domain.QuestionResult, 3),
		},
	}
	require.NoError(t, a.PublishSessionEnded(context.Background(), domain.EventSessionEnded{Session: ss}))

	_, n, data := receive(t, game)
	assert.Equal(t, domain.EventNameSessionEnded, n.Event)

	var results api.GameResults
	require.NoError(t, json.Unmarshal(data, &results))
	assert.Equal(t, api.GameResults{
		PIN:  "111111",
		Name: "friday quiz",
		Leaderboard: []domain.LeaderboardEntry{
			{PlayerID: "p1", PlayerName: "ann", Score: 3000},
			{PlayerID: "p2", PlayerName: "bob", Score: 1200},
		},
		Rounds: 3,
	}, results)

	got := make(map[string]api.PlayerResult)
	for range 2 {
		channel, _, data := receive(t, players)
		var r api.PlayerResult
		require.NoError(t, json.Unmarshal(data, &r))
		got[channel] = r
	}

	assert.Equal(t, api.PlayerResult{
		PIN: "111111", PlayerID: "p1", Score: 3000, Rank: 1, Total: 2, Achievement: "CHAMPION! YOU WON THE GAME!",
	}, got["pinquiz:player:p1"])
	assert.Equal(t, api.PlayerResult{
		PIN: "111111", PlayerID: "p2", Score: 1200, Rank: 2, Total: 2, Achievement: "SILVER MEDAL! AMAZING!",
	}, got["pinquiz:player:p2"])
}
