// Package player implements the player side of a game. A Client joins one
// session by PIN, follows its state through the store and answers the rounds.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/score"
	"github.com/victornm/pinquiz/internal/store"
	"github.com/victornm/pinquiz/internal/telemetry"
)

const defaultSubmitDelay = 500 * time.Millisecond

type Config struct {
	Store store.Store
	Clock clockwork.Clock
	// OnView is called with every new view. Views are delivered in order.
	OnView func(View)
	// SubmitDelay is the wait between selecting an option and submitting it.
	SubmitDelay time.Duration
}

// Client is the controller of one player. Its state always follows the
// session state written by the host.
type Client struct {
	st     store.Store
	clock  clockwork.Clock
	onView func(View)
	delay  time.Duration

	mu    sync.Mutex
	state State
	pin   string
	id    string
	name  string
	err   string
	// gen changes on every reset, so late callbacks of a previous session are dropped.
	gen  int
	subs []*store.Subscription

	round     *domain.CurrentQuestion
	rendered  int
	selected  int
	submitted bool
	timeLeft  int
	feedback  *Feedback
	stop      chan struct{}
	debounce  clockwork.Timer

	status      domain.PlayerStatus
	score       int
	result      *domain.LastAnswer
	leaderboard []domain.Player

	dirty    bool
	seq      uint64
	renderMu sync.Mutex
	shown    uint64
}

func NewClient(c Config) *Client {
	cl := &Client{
		st:       c.Store,
		clock:    c.Clock,
		onView:   c.OnView,
		delay:    c.SubmitDelay,
		state:    StateJoining,
		rendered: -1,
	}

	if cl.clock == nil {
		cl.clock = clockwork.NewRealClock()
	}
	if cl.delay <= 0 {
		cl.delay = defaultSubmitDelay
	}
	if cl.onView == nil {
		cl.onView = func(View) {}
	}

	return cl
}

// Join validates the PIN and the name, registers the player in the session
// and starts following it.
func (c *Client) Join(ctx context.Context, pin, name string) error {
	pin, name = strings.TrimSpace(pin), strings.TrimSpace(name)
	if !domain.ValidPIN(pin) {
		return errors.InvalidArgument("PIN must have %d digits", domain.PINLength)
	}
	if name == "" {
		return errors.InvalidArgument("name must not be empty")
	}

	return c.do(func() error {
		if c.state != StateJoining {
			return errors.FailedPrecondition("already joined game %s", c.pin)
		}

		var ss domain.Session
		found, err := c.st.Read(ctx, domain.SessionPath(pin), &ss)
		if err != nil {
			return fmt.Errorf("player: read session %s: %w", pin, err)
		}
		if !found {
			return errors.NotFound("game %s not found", pin)
		}
		if ss.State == domain.StateFinished {
			return errors.FailedPrecondition("game %s already finished", pin)
		}

		// Best effort, two players joining at the same time may still get the same name.
		for _, p := range ss.Players {
			if strings.EqualFold(p.Name, name) {
				return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("name %q is already taken", name))
			}
		}

		now := domain.Millis(c.clock.Now())
		p := domain.Player{
			ID:         c.st.NewPlayerID(),
			Name:       name,
			Joined:     now,
			Status:     domain.PlayerWaiting,
			LastActive: now,
		}
		if err := c.st.Write(ctx, domain.PlayerPath(pin, p.ID), p); err != nil {
			return fmt.Errorf("player: join %s: %w", pin, err)
		}

		c.pin, c.id, c.name = pin, p.ID, p.Name
		c.status = p.Status
		c.state = StateWaiting
		c.err = ""
		c.dirty = true

		if err := c.follow(ctx); err != nil {
			c.resetLocked()
			return err
		}

		telemetry.PlayersJoined.Inc()
		slog.InfoContext(ctx, "player: joined", "pin", pin, "player", p.ID, "name", name)
		return nil
	})
}

func (c *Client) follow(ctx context.Context) error {
	session, err := c.st.Subscribe(ctx, domain.SessionPath(c.pin))
	if err != nil {
		return fmt.Errorf("player: follow session: %w", err)
	}

	round, err := c.st.Subscribe(ctx, domain.CurrentQuestionPath(c.pin))
	if err != nil {
		session.Close()
		return fmt.Errorf("player: follow round: %w", err)
	}

	c.subs = []*store.Subscription{session, round}

	go c.consume(c.gen, session, c.onSession)
	go c.consume(c.gen, round, c.onRound)

	return nil
}

func (c *Client) consume(gen int, sub *store.Subscription, apply func(ctx context.Context, snap store.Snapshot) error) {
	ctx := context.Background()
	for snap := range sub.C() {
		err := c.do(func() error {
			if c.gen != gen {
				return nil
			}
			return apply(ctx, snap)
		})
		if err != nil {
			slog.ErrorContext(ctx, "player: apply snapshot failed", "path", snap.Path, "error", err)
		}
	}
}

func (c *Client) onSession(ctx context.Context, snap store.Snapshot) error {
	var ss domain.Session
	found, err := snap.Decode(&ss)
	if err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if !found {
		slog.WarnContext(ctx, "player: session disappeared", "pin", c.pin)
		c.resetLocked()
		c.err = "game not found"
		return nil
	}

	me, joined := ss.Players[c.id]
	if joined {
		c.score = me.Score
		if me.LastAnswer != nil && me.LastAnswer.QuestionIndex == c.rendered {
			c.result = me.LastAnswer
		}
	}

	switch ss.State {
	case domain.StateWaiting:
		c.state = StateWaiting
	case domain.StatePlaying:
		c.state = StatePlaying
		if ss.CurrentQuestion != nil {
			c.render(ss.CurrentQuestion)
		}
	case domain.StateFinished:
		c.finish(ss)
	}
	c.dirty = true

	if joined {
		c.reportStatus(ctx)
	}
	return nil
}

func (c *Client) onRound(_ context.Context, snap store.Snapshot) error {
	var cq domain.CurrentQuestion
	found, err := snap.Decode(&cq)
	if err != nil {
		return fmt.Errorf("decode round: %w", err)
	}
	if !found || c.state == StateFinished {
		return nil
	}

	// A round only exists while the game is being played.
	c.state = StatePlaying
	c.render(&cq)
	c.dirty = true
	return nil
}

// render shows the question of a round once, whichever subscription
// delivers it first.
func (c *Client) render(cq *domain.CurrentQuestion) {
	if cq.Index <= c.rendered {
		return
	}

	c.stopTimers()
	c.round = cq
	c.rendered = cq.Index
	c.selected = domain.NoAnswer
	c.submitted = false
	c.feedback = nil
	c.result = nil
	c.timeLeft = cq.TimeLimit

	stop := make(chan struct{})
	c.stop = stop
	go c.countdown(c.gen, cq.Index, c.clock.NewTicker(time.Second), stop)
}

func (c *Client) countdown(gen, index int, t clockwork.Ticker, stop <-chan struct{}) {
	defer t.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-t.Chan():
		}

		done := false
		_ = c.do(func() error {
			if c.gen != gen || c.rendered != index || c.state != StatePlaying {
				done = true
				return nil
			}

			c.timeLeft--
			c.dirty = true
			if c.timeLeft > 0 {
				return nil
			}

			done = true
			c.submitLocked(ctx)
			return nil
		})
		if done {
			return
		}
	}
}

func (c *Client) finish(ss domain.Session) {
	c.stopTimers()
	c.state = StateFinished

	if ss.FinalResults != nil && len(ss.FinalResults.FinalLeaderboard) > 0 {
		c.leaderboard = ss.FinalResults.FinalLeaderboard
	} else {
		c.leaderboard = score.Leaderboard(ss.Players)
	}

	for _, p := range c.leaderboard {
		if p.ID == c.id {
			c.score = p.Score
		}
	}
}

// reportStatus mirrors the local state into the player record.
func (c *Client) reportStatus(ctx context.Context) {
	status := domain.PlayerWaiting
	switch c.state {
	case StatePlaying:
		status = domain.PlayerPlaying
	case StateFinished:
		status = domain.PlayerFinished
	}
	if status == c.status {
		return
	}
	c.status = status

	if err := c.st.Patch(ctx, domain.PlayerPath(c.pin, c.id), map[string]any{
		"status":     status,
		"lastActive": domain.Millis(c.clock.Now()),
	}); err != nil {
		slog.ErrorContext(ctx, "player: report status failed", "pin", c.pin, "player", c.id, "error", err)
	}
}

// SelectAnswer records the choice and submits it after a short delay.
// It is ignored once the answer of the round was submitted.
func (c *Client) SelectAnswer(choice int) error {
	if choice < 1 || choice > domain.OptionCount {
		return errors.InvalidArgument("choice must be between 1 and %d", domain.OptionCount)
	}

	return c.do(func() error {
		if c.state != StatePlaying || c.round == nil {
			return errors.FailedPrecondition("no question to answer")
		}
		if c.submitted {
			return nil
		}

		c.selected = choice
		c.dirty = true

		if c.debounce != nil {
			c.debounce.Stop()
		}
		gen, index := c.gen, c.rendered
		c.debounce = c.clock.AfterFunc(c.delay, func() {
			_ = c.do(func() error {
				if c.gen == gen && c.rendered == index {
					c.submitLocked(context.Background())
				}
				return nil
			})
		})
		return nil
	})
}

// SubmitAnswer writes the answer of the current round. Only the first call
// of a round writes; without a selection the no answer sentinel is sent.
func (c *Client) SubmitAnswer(ctx context.Context) error {
	return c.do(func() error {
		if c.state != StatePlaying || c.round == nil {
			return errors.FailedPrecondition("no question to answer")
		}
		c.submitLocked(ctx)
		return nil
	})
}

// submitLocked never fails: a lost answer is only logged.
func (c *Client) submitLocked(ctx context.Context) {
	if c.submitted || c.round == nil {
		return
	}
	c.submitted = true
	c.dirty = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}

	a := domain.Answer{
		PlayerID:   c.id,
		PlayerName: c.name,
		Answer:     c.selected,
		TimeLeft:   max(c.timeLeft, 0),
		Submitted:  domain.Millis(c.clock.Now()),
	}

	points, _ := score.Points(c.round.Question, a)
	c.feedback = &Feedback{
		Answer:            a.Answer,
		Correct:           a.Answer == c.round.Question.CorrectAnswer,
		CorrectAnswer:     c.round.Question.CorrectAnswer,
		CorrectAnswerText: c.round.Question.CorrectAnswerText(),
		Points:            points,
	}

	outcome := "wrong"
	switch {
	case a.Answer == domain.NoAnswer:
		outcome = "none"
	case c.feedback.Correct:
		outcome = "correct"
	}

	if err := c.st.Write(ctx, domain.AnswerPath(c.pin, c.id), a); err != nil {
		telemetry.AnswersSubmitted.WithLabelValues("failed").Inc()
		slog.ErrorContext(ctx, "player: submit answer failed",
			"pin", c.pin,
			"player", c.id,
			"round", c.rendered,
			"error", err,
		)
		return
	}

	telemetry.AnswersSubmitted.WithLabelValues(outcome).Inc()
	slog.DebugContext(ctx, "player: answer submitted", "pin", c.pin, "player", c.id, "round", c.rendered, "answer", a.Answer)
}

// Leave removes the player from the session and goes back to joining.
func (c *Client) Leave(ctx context.Context) error {
	return c.do(func() error {
		if c.state == StateJoining {
			return nil
		}

		pin, id := c.pin, c.id
		c.resetLocked()

		if err := c.st.Delete(ctx, domain.PlayerPath(pin, id)); err != nil {
			return fmt.Errorf("player: leave %s: %w", pin, err)
		}

		slog.InfoContext(ctx, "player: left", "pin", pin, "player", id)
		return nil
	})
}

// Reset goes back to joining without removing the player, e.g. to play again.
func (c *Client) Reset() {
	_ = c.do(func() error {
		c.resetLocked()
		return nil
	})
}

// Close stops following the session without rendering anything.
func (c *Client) Close() {
	c.mu.Lock()
	c.resetLocked()
	c.dirty = false
	c.mu.Unlock()
}

func (c *Client) resetLocked() {
	c.stopTimers()
	for _, sub := range c.subs {
		sub.Close()
	}

	c.gen++
	c.subs = nil
	c.state = StateJoining
	c.pin, c.id, c.name, c.err = "", "", "", ""
	c.round = nil
	c.rendered = -1
	c.selected = domain.NoAnswer
	c.submitted = false
	c.timeLeft = 0
	c.feedback = nil
	c.status = ""
	c.score = 0
	c.result = nil
	c.leaderboard = nil
	c.dirty = true
}

func (c *Client) stopTimers() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

// do runs fn under the lock and renders the view if fn changed it.
func (c *Client) do(fn func() error) error {
	c.mu.Lock()
	err := fn()
	if !c.dirty {
		c.mu.Unlock()
		return err
	}
	c.dirty = false
	c.seq++
	seq, v := c.seq, c.viewLocked()
	c.mu.Unlock()

	c.renderMu.Lock()
	if seq > c.shown {
		c.shown = seq
		c.onView(v)
	}
	c.renderMu.Unlock()

	return err
}
