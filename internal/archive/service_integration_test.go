//go:build integration_test

package archive_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/pinquiz/internal/archive"
	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/event"
)

func TestService_SaveResults(t *testing.T) {
	url := os.Getenv("PINQUIZ_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PINQUIZ_TEST_POSTGRES_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	eb := event.NewBus()
	s := archive.NewService(archive.Config{EventBus: eb, DB: db})
	require.NoError(t, s.Migrate(ctx))

	pin := fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)

	_, err = s.LatestResults(ctx, pin)
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	ss := domain.Session{
		PIN:     pin,
		Name:    "friday quiz",
		State:   domain.StateFinished,
		EndTime: domain.Millis(time.Now()),
		FinalResults: &domain.FinalResults{
			Players: map[string]domain.Player{"p1": {ID: "p1", Name: "ann", Score: 1750}},
			QuestionResults: []domain.QuestionResult{{
				QuestionIndex: 0,
				QuestionText:  "Capital of France?",
				CorrectAnswer: 2,
				PlayerResults: []domain.PlayerResult{{PlayerID: "p1", PlayerName: "ann", Answer: 2, Correct: true, Points: 1750}},
			}},
			FinalLeaderboard: []domain.Player{{ID: "p1", Name: "ann", Score: 1750}},
		},
	}

	eb.Publish(ctx, domain.EventSessionEnded{Session: ss})
	eb.Stop()

	fr, err := s.LatestResults(ctx, pin)
	require.NoError(t, err)
	assert.Equal(t, *ss.FinalResults, *fr)
}
