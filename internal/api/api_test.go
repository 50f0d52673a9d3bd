package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/victornm/pinquiz/internal/api"
	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/event"
	"github.com/victornm/pinquiz/internal/host"
	"github.com/victornm/pinquiz/internal/store"
)

type fixture struct {
	st     *store.Gateway
	eb     *event.Bus
	clock  *clockwork.FakeClock
	hs     *host.Service
	engine *gin.Engine
	api    *api.API
}

func setup(t *testing.T, opts ...func(c *api.Config)) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := fixture{
		st:     store.Open(store.Config{Backend: store.NewMemory()}),
		eb:     event.NewBus(),
		clock:  clockwork.NewFakeClockAt(time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)),
		engine: gin.New(),
	}

	f.hs = host.NewService(host.Config{
		Store:    f.st,
		EventBus: f.eb,
		Clock:    f.clock,
	})

	c := api.Config{
		HTTP:     f.engine,
		EventBus: f.eb,
		Host:     f.hs,
		Store:    f.st,
		Clock:    f.clock,
	}
	for _, opt := range opts {
		opt(&c)
	}

	f.api = api.New(c)
	t.Cleanup(func() {
		f.api.Close()
		f.hs.Close()
		f.eb.Stop()
		_ = f.st.Close()
	})

	return f
}

func (f fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var b []byte
	switch v := body.(type) {
	case nil:
	case string:
		b = []byte(v)
	default:
		var err error
		b, err = json.Marshal(v)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

// newGame creates a game with one question (correct answer 2, 20 seconds) and returns its PIN.
func (f fixture) newGame(t *testing.T) string {
	t.Helper()

	w := f.do(t, http.MethodPost, "/api/games", api.CreateSessionRequest{Name: "friday quiz"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	v := decode[host.View](t, w)

	w = f.do(t, http.MethodPost, "/api/games/"+v.PIN+"/questions", api.AddQuestionRequest{
		Text:          "Capital of France?",
		Options:       []string{"Lyon", "Paris", "Nice", "Lille"},
		CorrectAnswer: 2,
		TimeLimit:     20,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	return v.PIN
}

func (f fixture) join(t *testing.T, pin, id, name string) {
	t.Helper()

	require.NoError(t, f.st.Write(context.Background(), domain.PlayerPath(pin, id), domain.Player{
		ID:     id,
		Name:   name,
		Joined: domain.Millis(f.clock.Now()),
		Status: domain.PlayerWaiting,
	}))
}

func (f fixture) answer(t *testing.T, pin, id string, answer, timeLeft int) {
	t.Helper()

	require.NoError(t, f.st.Write(context.Background(), domain.AnswerPath(pin, id), domain.Answer{
		PlayerID:  id,
		Answer:    answer,
		TimeLeft:  timeLeft,
		Submitted: domain.Millis(f.clock.Now()),
	}))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}
