package archive

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/pinquiz/internal/domain"
)

func TestNewRows(t *testing.T) {
	start := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)

	ss := domain.Session{
		PIN:       "123456",
		Name:      "friday quiz",
		State:     domain.StateFinished,
		StartTime: domain.Millis(start),
		EndTime:   domain.Millis(end),
		FinalResults: &domain.FinalResults{
			Players: map[string]domain.Player{
				"p1": {ID: "p1", Name: "ann", Score: 1750},
				"p2": {ID: "p2", Name: "bob", Score: 0},
			},
			QuestionResults: []domain.QuestionResult{
				{
					QuestionIndex: 0,
					QuestionText:  "Capital of France?",
					CorrectAnswer: 2,
					PlayerResults: []domain.PlayerResult{
						{PlayerID: "p1", Answer: 2, Correct: true, Points: 1750},
						{PlayerID: "p2", Answer: 1},
					},
				},
				{QuestionIndex: 1, QuestionText: "Capital of Italy?", CorrectAnswer: 1},
			},
		},
	}

	rs, err := newRows(ss)
	require.NoError(t, err)

	assert.Equal(t, "123456", rs.game.PIN)
	assert.Equal(t, 2, rs.game.Players)
	require.NotNil(t, rs.game.StartedAt)
	assert.True(t, start.Equal(*rs.game.StartedAt))
	assert.True(t, end.Equal(rs.game.EndedAt))

	var fr domain.FinalResults
	require.NoError(t, json.Unmarshal(rs.game.FinalResults, &fr))
	assert.Equal(t, *ss.FinalResults, fr)

	require.Len(t, rs.rounds, 2)
	assert.Equal(t, 2, rs.rounds[0].Answers)
	assert.Equal(t, 1, rs.rounds[0].Correct)
	assert.Equal(t, 0, rs.rounds[1].Answers)
	assert.JSONEq(t, `[]`, string(rs.rounds[1].PlayerResults))
}

func TestNewRows_NotStarted(t *testing.T) {
	rs, err := newRows(domain.Session{
		PIN:          "123456",
		State:        domain.StateFinished,
		EndTime:      1,
		FinalResults: &domain.FinalResults{},
	})
	require.NoError(t, err)
	assert.Nil(t, rs.game.StartedAt)
	assert.Empty(t, rs.rounds)
}
