package player_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/event"
	"github.com/victornm/pinquiz/internal/host"
	"github.com/victornm/pinquiz/internal/player"
	"github.com/victornm/pinquiz/internal/store"
)

const pin = "123456"

var question = domain.Question{
	ID:            "q1",
	Text:          "Capital of France?",
	Options:       []string{"Lyon", "Paris", "Nice", "Lille"},
	CorrectAnswer: 2,
	TimeLimit:     20,
}

type fixture struct {
	st    *store.Gateway
	clock *clockwork.FakeClock
}

func setup(t *testing.T) fixture {
	t.Helper()

	f := fixture{
		st:    store.Open(store.Config{Backend: store.NewMemory()}),
		clock: clockwork.NewFakeClockAt(time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)),
	}
	t.Cleanup(func() { _ = f.st.Close() })

	return f
}

type screen struct {
	mu    sync.Mutex
	views []player.View
}

func (s *screen) show(v player.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, v)
}

func (s *screen) last() player.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.views) == 0 {
		return player.View{}
	}
	return s.views[len(s.views)-1]
}

func (s *screen) waitFor(t *testing.T, msg string, cond func(v player.View) bool) player.View {
	t.Helper()

	require.Eventually(t, func() bool {
		return cond(s.last())
	}, 2*time.Second, 5*time.Millisecond, msg)
	return s.last()
}

func (f fixture) newClient(t *testing.T) (*player.Client, *screen) {
	t.Helper()

	s := &screen{}
	c := player.NewClient(player.Config{
		Store:  f.st,
		Clock:  f.clock,
		OnView: s.show,
	})
	t.Cleanup(c.Close)

	return c, s
}

func (f fixture) openSession(t *testing.T, players ...domain.Player) {
	t.Helper()

	ss := domain.Session{
		PIN:       pin,
		Name:      "friday quiz",
		Created:   domain.Millis(f.clock.Now()),
		State:     domain.StateWaiting,
		Questions: []domain.Question{question},
		Players:   make(map[string]domain.Player),
	}
	for _, p := range players {
		ss.Players[p.ID] = p
	}

	require.NoError(t, f.st.Write(context.Background(), domain.SessionPath(pin), ss))
}

func (f fixture) startRound(t *testing.T, index int, q domain.Question) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.st.Patch(ctx, domain.SessionPath(pin), map[string]any{"state": domain.StatePlaying}))
	require.NoError(t, f.st.Write(ctx, domain.CurrentQuestionPath(pin), domain.CurrentQuestion{
		Index:     index,
		Question:  q,
		StartTime: domain.Millis(f.clock.Now()),
		TimeLimit: q.TimeLimit,
	}))
}

func (f fixture) storedAnswer(t *testing.T, id string) (domain.Answer, bool) {
	t.Helper()

	var a domain.Answer
	found, err := f.st.Read(context.Background(), domain.AnswerPath(pin, id), &a)
	require.NoError(t, err)
	return a, found
}

func TestClient_Join(t *testing.T) {
	tests := map[string]struct {
		arrange  func(t *testing.T, f fixture)
		pin      string
		name     string
		wantCode errors.Code
	}{
		"short PIN": {
			pin:      "1234",
			name:     "ann",
			wantCode: errors.CodeInvalidArgument,
		},
		"PIN with a path in it": {
			pin:      "../../",
			name:     "ann",
			wantCode: errors.CodeInvalidArgument,
		},
		"empty name": {
			pin:      pin,
			name:     "   ",
			wantCode: errors.CodeInvalidArgument,
		},
		"unknown session": {
			pin:      "654321",
			name:     "ann",
			wantCode: errors.CodeNotFound,
		},
		"finished session": {
			arrange: func(t *testing.T, f fixture) {
				f.openSession(t)
				require.NoError(t, f.st.Patch(context.Background(), domain.SessionPath(pin), map[string]any{"state": domain.StateFinished}))
			},
			pin:      pin,
			name:     "ann",
			wantCode: errors.CodeFailedPrecondition,
		},
		"name taken with another case": {
			arrange: func(t *testing.T, f fixture) {
				f.openSession(t, domain.Player{ID: "p1", Name: "Ann"})
			},
			pin:      pin,
			name:     "aNN",
			wantCode: errors.CodeAlreadyExists,
		},
		"valid join": {
			arrange: func(t *testing.T, f fixture) {
				f.openSession(t, domain.Player{ID: "p1", Name: "bob"})
			},
			pin:  " " + pin + " ",
			name: " ann ",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := setup(t)
			if tt.arrange != nil {
				tt.arrange(t, f)
			}

			c, s := f.newClient(t)
			err := c.Join(context.Background(), tt.pin, tt.name)

			if tt.wantCode != 0 {
				assert.True(t, errors.Is(err, tt.wantCode), "got %v", err)
				assert.Equal(t, player.StateJoining, c.View().State)
				return
			}

			require.NoError(t, err)
			v := s.waitFor(t, "should wait for the game", func(v player.View) bool {
				return v.State == player.StateWaiting
			})
			assert.Equal(t, pin, v.PIN)
			assert.Equal(t, "ann", v.Name)

			var p domain.Player
			found, err := f.st.Read(context.Background(), domain.PlayerPath(pin, v.PlayerID), &p)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, domain.Player{
				ID:         v.PlayerID,
				Name:       "ann",
				Joined:     domain.Millis(f.clock.Now()),
				Status:     domain.PlayerWaiting,
				LastActive: domain.Millis(f.clock.Now()),
			}, p)

			err = c.Join(context.Background(), pin, "ann again")
			assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "already joined")
		})
	}
}

func TestClient_SelectAnswer(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	require.NoError(t, c.Join(context.Background(), pin, "ann"))

	err := c.SelectAnswer(2)
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "no round yet")

	f.startRound(t, 0, question)
	v := s.waitFor(t, "question should be shown", func(v player.View) bool {
		return v.Question != nil
	})
	assert.Equal(t, player.StatePlaying, v.State)
	assert.Equal(t, player.Question{Index: 0, Text: question.Text, Options: question.Options, TimeLimit: 20}, *v.Question)
	assert.Equal(t, 20, v.TimeLeft)

	assert.True(t, errors.Is(c.SelectAnswer(5), errors.CodeInvalidArgument))

	require.NoError(t, c.SelectAnswer(3))
	require.NoError(t, c.SelectAnswer(2))
	assert.Equal(t, 2, c.View().Selected)
	assert.False(t, c.View().Submitted)

	f.clock.Advance(499 * time.Millisecond)
	_, found := f.storedAnswer(t, c.View().PlayerID)
	assert.False(t, found, "answer should not be submitted before the delay")

	f.clock.Advance(time.Millisecond)
	v = s.waitFor(t, "answer should be submitted after the delay", func(v player.View) bool {
		return v.Submitted
	})

	a, found := f.storedAnswer(t, v.PlayerID)
	require.True(t, found)
	assert.Equal(t, domain.Answer{
		PlayerID:   v.PlayerID,
		PlayerName: "ann",
		Answer:     2,
		TimeLeft:   20,
		Submitted:  domain.Millis(f.clock.Now()),
	}, a)

	require.NotNil(t, v.Feedback)
	assert.Equal(t, player.Feedback{
		Answer:            2,
		Correct:           true,
		CorrectAnswer:     2,
		CorrectAnswerText: "Paris",
		Points:            2000,
	}, *v.Feedback)
}

func TestClient_SubmitAnswerIsIdempotent(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, pin, "ann"))

	f.startRound(t, 0, question)
	s.waitFor(t, "question should be shown", func(v player.View) bool { return v.Question != nil })

	require.NoError(t, c.SelectAnswer(1))
	require.NoError(t, c.SubmitAnswer(ctx))
	first, found := f.storedAnswer(t, c.View().PlayerID)
	require.True(t, found)

	f.clock.Advance(time.Second)
	require.NoError(t, c.SubmitAnswer(ctx))
	require.NoError(t, c.SelectAnswer(3), "selecting after submitting is ignored")
	f.clock.Advance(time.Second)

	second, found := f.storedAnswer(t, c.View().PlayerID)
	require.True(t, found)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.View().Selected)
	assert.False(t, c.View().Feedback.Correct)
}

func TestClient_TimeoutSubmitsNoAnswer(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	require.NoError(t, c.Join(context.Background(), pin, "ann"))

	q := question
	q.TimeLimit = 2
	f.startRound(t, 0, q)
	s.waitFor(t, "question should be shown", func(v player.View) bool { return v.Question != nil })

	f.clock.Advance(time.Second)
	s.waitFor(t, "countdown should tick", func(v player.View) bool { return v.TimeLeft == 1 })

	f.clock.Advance(time.Second)
	v := s.waitFor(t, "answer should be submitted at zero", func(v player.View) bool { return v.Submitted })

	a, found := f.storedAnswer(t, v.PlayerID)
	require.True(t, found)
	assert.Equal(t, domain.NoAnswer, a.Answer)
	assert.Equal(t, 0, a.TimeLeft)
	require.NotNil(t, v.Feedback)
	assert.False(t, v.Feedback.Correct)
	assert.Zero(t, v.Feedback.Points)
}

func TestClient_RendersEachRoundOnce(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, pin, "ann"))

	f.startRound(t, 0, question)
	s.waitFor(t, "first question", func(v player.View) bool { return v.Question != nil })
	require.NoError(t, c.SubmitAnswer(ctx))

	second := question
	second.Text = "Capital of Italy?"
	second.Options = []string{"Rome", "Milan", "Turin", "Naples"}
	second.CorrectAnswer = 1
	f.startRound(t, 1, second)

	v := s.waitFor(t, "second question", func(v player.View) bool {
		return v.Question != nil && v.Question.Index == 1
	})
	assert.Equal(t, "Capital of Italy?", v.Question.Text)
	assert.False(t, v.Submitted, "a new round resets the submission")
	assert.Zero(t, v.Selected)

	require.NoError(t, c.SelectAnswer(4))

	// Unrelated session changes deliver the same round again.
	require.NoError(t, f.st.Patch(ctx, domain.SessionPath(pin), map[string]any{"startTime": 42}))
	require.Eventually(t, func() bool {
		var start int64
		_, err := f.st.Read(ctx, domain.SessionPath(pin)+"/startTime", &start)
		return err == nil && start == 42
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, c.View().Selected, "the selection survives")
}

func TestClient_ShowsHostResult(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, pin, "ann"))

	f.startRound(t, 0, question)
	s.waitFor(t, "question should be shown", func(v player.View) bool { return v.Question != nil })
	require.NoError(t, c.SelectAnswer(2))
	require.NoError(t, c.SubmitAnswer(ctx))

	id := c.View().PlayerID
	require.NoError(t, f.st.Patch(ctx, domain.SessionPath(pin), map[string]any{
		"players/" + id + "/score":      2000,
		"players/" + id + "/lastAnswer": domain.LastAnswer{Correct: true, Points: 2000, TimeBonus: 1000, QuestionIndex: 0, AnswerGiven: 2},
	}))

	v := s.waitFor(t, "host result should be shown", func(v player.View) bool { return v.Result != nil })
	assert.Equal(t, 2000, v.Score)
	assert.Equal(t, 2000, v.Result.Points)
}

func TestClient_Finished(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, pin, "ann"))
	s.waitFor(t, "should wait", func(v player.View) bool { return v.State == player.StateWaiting })

	id := c.View().PlayerID
	board := []domain.Player{
		{ID: "p1", Name: "bob", Score: 3000},
		{ID: id, Name: "ann", Score: 2000},
		{ID: "p3", Name: "cid", Score: 1000},
		{ID: "p4", Name: "dan", Score: 0},
	}
	require.NoError(t, f.st.Patch(ctx, domain.SessionPath(pin), map[string]any{
		"state":        domain.StateFinished,
		"finalResults": domain.FinalResults{FinalLeaderboard: board},
	}))

	v := s.waitFor(t, "final view", func(v player.View) bool { return v.State == player.StateFinished })
	assert.Equal(t, 2, v.Rank)
	assert.Equal(t, 4, v.Total)
	assert.Equal(t, 2000, v.Score)
	assert.Equal(t, "SILVER MEDAL! AMAZING!", v.Achievement)
	require.Len(t, v.Leaderboard, 4)
	assert.Equal(t, domain.LeaderboardEntry{PlayerID: "p1", PlayerName: "bob", Score: 3000}, v.Leaderboard[0])

	require.Eventually(t, func() bool {
		var status domain.PlayerStatus
		_, err := f.st.Read(ctx, domain.PlayerPath(pin, id)+"/status", &status)
		return err == nil && status == domain.PlayerFinished
	}, time.Second, 5*time.Millisecond, "player should report its status")
}

func TestClient_Leave(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, pin, "ann"))
	id := c.View().PlayerID

	require.NoError(t, c.Leave(ctx))
	assert.Equal(t, player.StateJoining, s.last().State)

	var p domain.Player
	found, err := f.st.Read(ctx, domain.PlayerPath(pin, id), &p)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Leave(ctx), "leaving twice is a no-op")
	require.NoError(t, c.Join(ctx, pin, "ann"), "the name is free again")
}

func TestClient_Reset(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, _ := f.newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, pin, "ann"))
	id := c.View().PlayerID

	c.Reset()
	assert.Equal(t, player.StateJoining, c.View().State)

	var p domain.Player
	found, err := f.st.Read(ctx, domain.PlayerPath(pin, id), &p)
	require.NoError(t, err)
	assert.True(t, found, "reset keeps the player record")
}

func TestClient_SessionDeleted(t *testing.T) {
	f := setup(t)
	f.openSession(t)
	c, s := f.newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Join(ctx, pin, "ann"))
	s.waitFor(t, "should wait", func(v player.View) bool { return v.State == player.StateWaiting })

	require.NoError(t, f.st.Delete(ctx, domain.SessionPath(pin)))

	v := s.waitFor(t, "should go back to joining", func(v player.View) bool { return v.Error != "" })
	assert.Equal(t, player.StateJoining, v.State)
	assert.Equal(t, "game not found", v.Error)
}

func TestClient_PlaysAgainstHost(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	eb := event.NewBus()
	svc := host.NewService(host.Config{Store: f.st, EventBus: eb, Clock: f.clock})
	t.Cleanup(func() {
		svc.Close()
		eb.Stop()
	})

	g, err := svc.CreateSession(ctx, host.CreateSessionRequest{Name: "friday quiz"})
	require.NoError(t, err)
	_, err = g.AddQuestion(ctx, host.AddQuestionRequest{
		Text:          question.Text,
		Options:       question.Options,
		CorrectAnswer: question.CorrectAnswer,
		TimeLimit:     question.TimeLimit,
	})
	require.NoError(t, err)

	c, s := f.newClient(t)
	require.NoError(t, c.Join(ctx, g.PIN(), "ann"))

	require.NoError(t, g.StartGame(ctx))
	s.waitFor(t, "question should be shown", func(v player.View) bool { return v.Question != nil })

	require.NoError(t, c.SelectAnswer(2))
	f.clock.Advance(500 * time.Millisecond)
	s.waitFor(t, "answer should be submitted", func(v player.View) bool { return v.Submitted })

	require.NoError(t, g.AdvanceRound(ctx))

	v := s.waitFor(t, "game should be over", func(v player.View) bool { return v.State == player.StateFinished })
	assert.Equal(t, 2000, v.Score)
	assert.Equal(t, 1, v.Rank)
	assert.Equal(t, "CHAMPION! YOU WON THE GAME!", v.Achievement)
}
