package host

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/pinquiz/internal/domain"
	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/event"
	"github.com/victornm/pinquiz/internal/score"
	"github.com/victornm/pinquiz/internal/store"
	"github.com/victornm/pinquiz/internal/telemetry"
)

// Game is the authoritative controller of one session.
//
// All state changes happen under mu. Events produced while holding it are
// queued and published once it is released, so event handlers may call back
// into the game.
type Game struct {
	pin      string
	st       store.Store
	eb       *event.Bus
	clock    clockwork.Clock
	endEarly bool

	mu        sync.Mutex
	session   domain.Session
	players   map[string]domain.Player
	answers   map[string]domain.Answer
	round     int
	roundOpen bool
	timeLeft  int
	history   []domain.QuestionResult
	stop      chan struct{}
	pending   []event.Event
	closed    bool

	subs []*store.Subscription
}

func newGame(s *Service, ss domain.Session) *Game {
	g := &Game{
		pin:      ss.PIN,
		st:       s.st,
		eb:       s.eb,
		clock:    s.clock,
		endEarly: s.endEarly,
		players:  ss.Players,
		answers:  make(map[string]domain.Answer),
		round:    -1,
	}

	if g.players == nil {
		g.players = make(map[string]domain.Player)
	}
	if ss.CurrentQuestion != nil {
		g.round = ss.CurrentQuestion.Index
	}
	if ss.FinalResults != nil {
		g.history = ss.FinalResults.QuestionResults
	}

	ss.Players, ss.CurrentQuestion = nil, nil
	g.session = ss

	return g
}

func (g *Game) PIN() string {
	return g.pin
}

// watch keeps the roster and the answers of the current round live.
func (g *Game) watch(ctx context.Context) error {
	players, err := g.st.Subscribe(ctx, domain.PlayersPath(g.pin))
	if err != nil {
		return fmt.Errorf("host: watch players: %w", err)
	}

	answers, err := g.st.Subscribe(ctx, domain.AnswersPath(g.pin))
	if err != nil {
		players.Close()
		return fmt.Errorf("host: watch answers: %w", err)
	}

	g.subs = []*store.Subscription{players, answers}

	go g.consume(players, g.onPlayers)
	go g.consume(answers, g.onAnswers)

	return nil
}

func (g *Game) consume(sub *store.Subscription, apply func(ctx context.Context, snap store.Snapshot) error) {
	ctx := context.Background()
	for snap := range sub.C() {
		if err := apply(ctx, snap); err != nil {
			slog.ErrorContext(ctx, "host: apply snapshot failed",
				"pin", g.pin,
				"path", snap.Path,
				"error", err,
			)
		}
	}
}

func (g *Game) onPlayers(ctx context.Context, snap store.Snapshot) error {
	players, err := decodeSnapshot[map[string]domain.Player](snap)
	if err != nil {
		return err
	}

	return g.do(ctx, func() error {
		g.setPlayers(players)
		g.emit(domain.EventRosterUpdated{PIN: g.pin, Players: maps.Clone(players)})

		return g.endIfAllAnswered(ctx)
	})
}

func (g *Game) onAnswers(ctx context.Context, snap store.Snapshot) error {
	answers, err := decodeSnapshot[map[string]domain.Answer](snap)
	if err != nil {
		return err
	}

	return g.do(ctx, func() error {
		if answers == nil {
			answers = make(map[string]domain.Answer)
		}
		g.answers = answers
		g.emit(domain.EventAnswersUpdated{
			PIN:   g.pin,
			Index: g.round,
			Count: len(answers),
			Stats: answerStats(answers),
		})

		return g.endIfAllAnswered(ctx)
	})
}

func (g *Game) endIfAllAnswered(ctx context.Context) error {
	if !g.endEarly || !g.roundOpen || len(g.players) == 0 || !answeredBy(g.answers, g.players) {
		return nil
	}

	// The snapshot may belong to the previous round, confirm with the store.
	var answers map[string]domain.Answer
	if _, err := g.st.Read(ctx, domain.AnswersPath(g.pin), &answers); err != nil {
		return fmt.Errorf("host: read answers: %w", err)
	}
	if !answeredBy(answers, g.players) {
		return nil
	}

	slog.InfoContext(ctx, "host: every player answered", "pin", g.pin, "round", g.round)
	return g.endRound(ctx)
}

func answeredBy(answers map[string]domain.Answer, players map[string]domain.Player) bool {
	for id := range players {
		if _, ok := answers[id]; !ok {
			return false
		}
	}
	return true
}

func answerStats(answers map[string]domain.Answer) [domain.OptionCount + 1]int {
	var stats [domain.OptionCount + 1]int
	for _, a := range answers {
		if a.Answer >= domain.NoAnswer && a.Answer <= domain.OptionCount {
			stats[a.Answer]++
		}
	}
	return stats
}

// resume restarts the countdown of a round that was running when the
// session was loaded.
func (g *Game) resume(ctx context.Context, ss domain.Session) error {
	return g.do(ctx, func() error {
		cq := ss.CurrentQuestion
		if ss.State != domain.StatePlaying || cq == nil || cq.Index < 0 || cq.Index >= len(g.session.Questions) {
			return nil
		}

		g.roundOpen = true
		elapsed := g.clock.Now().Sub(time.UnixMilli(cq.StartTime))
		left := cq.TimeLimit - int(elapsed/time.Second)
		if left <= 0 {
			return g.endRound(ctx)
		}

		g.startCountdown(cq.Index, left)
		return nil
	})
}

// do runs fn under the game lock and then publishes the events it queued.
func (g *Game) do(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	err := fn()
	events := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, e := range events {
		g.eb.Publish(ctx, e)
	}
	return err
}

func (g *Game) emit(e event.Event) {
	g.pending = append(g.pending, e)
}

// AddQuestionRequest represents a question authored by the admin.
type AddQuestionRequest struct {
	Text          string
	Options       []string
	CorrectAnswer int
	// TimeLimit is in seconds.
	TimeLimit int
}

func (r AddQuestionRequest) validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.InvalidArgument("question text must not be empty")
	}
	if len(r.Options) != domain.OptionCount {
		return errors.InvalidArgument("question must have exactly %d options, got %d", domain.OptionCount, len(r.Options))
	}
	for i, o := range r.Options {
		if strings.TrimSpace(o) == "" {
			return errors.InvalidArgument("option %d must not be empty", i+1)
		}
	}
	if r.CorrectAnswer < 1 || r.CorrectAnswer > domain.OptionCount {
		return errors.InvalidArgument("correct answer must be between 1 and %d", domain.OptionCount)
	}
	if r.TimeLimit <= 0 {
		return errors.InvalidArgument("time limit must be positive")
	}
	return nil
}

// AddQuestion appends a question and persists the whole list.
func (g *Game) AddQuestion(ctx context.Context, req AddQuestionRequest) (domain.Question, error) {
	if err := req.validate(); err != nil {
		return domain.Question{}, err
	}

	q := domain.Question{
		ID:            uuid.NewString(),
		Text:          strings.TrimSpace(req.Text),
		CorrectAnswer: req.CorrectAnswer,
		TimeLimit:     req.TimeLimit,
		Added:         domain.Millis(g.clock.Now()),
	}
	for _, o := range req.Options {
		q.Options = append(q.Options, strings.TrimSpace(o))
	}

	err := g.do(ctx, func() error {
		if err := g.mustBe(domain.StateWaiting); err != nil {
			return err
		}
		return g.saveQuestions(ctx, append(slices.Clone(g.session.Questions), q))
	})
	if err != nil {
		return domain.Question{}, err
	}

	slog.InfoContext(ctx, "host: question added", "pin", g.pin, "question", q.ID)
	return q, nil
}

// RemoveQuestion removes the question at index and persists the whole list.
func (g *Game) RemoveQuestion(ctx context.Context, index int) error {
	return g.do(ctx, func() error {
		if err := g.mustBe(domain.StateWaiting); err != nil {
			return err
		}
		if index < 0 || index >= len(g.session.Questions) {
			return errors.InvalidArgument("question index %d out of range [0, %d)", index, len(g.session.Questions))
		}
		return g.saveQuestions(ctx, slices.Delete(slices.Clone(g.session.Questions), index, index+1))
	})
}

func (g *Game) saveQuestions(ctx context.Context, questions []domain.Question) error {
	if err := g.st.Write(ctx, domain.QuestionsPath(g.pin), questions); err != nil {
		return fmt.Errorf("host: save questions: %w", err)
	}
	g.session.Questions = questions
	return nil
}

// StartGame moves the session to playing and opens the first round.
func (g *Game) StartGame(ctx context.Context) error {
	return g.do(ctx, func() error {
		if err := g.mustBe(domain.StateWaiting); err != nil {
			return err
		}
		if len(g.session.Questions) == 0 {
			return errors.FailedPrecondition("add at least one question before starting")
		}

		var players map[string]domain.Player
		if _, err := g.st.Read(ctx, domain.PlayersPath(g.pin), &players); err != nil {
			return fmt.Errorf("host: read players: %w", err)
		}
		if len(players) == 0 {
			return errors.FailedPrecondition("at least one player must join before starting")
		}

		now := domain.Millis(g.clock.Now())
		if err := g.st.Patch(ctx, domain.SessionPath(g.pin), map[string]any{
			"state":     domain.StatePlaying,
			"startTime": now,
		}); err != nil {
			return fmt.Errorf("host: start game: %w", err)
		}

		g.session.State = domain.StatePlaying
		g.session.StartTime = now
		g.setPlayers(players)
		g.round = -1

		slog.InfoContext(ctx, "host: game started", "pin", g.pin, "players", len(players), "questions", len(g.session.Questions))
		return g.advance(ctx)
	})
}

// AdvanceRound scores the open round, if any, and opens the next one.
// Past the last question the game ends.
func (g *Game) AdvanceRound(ctx context.Context) error {
	return g.do(ctx, func() error {
		if err := g.mustBe(domain.StatePlaying); err != nil {
			return err
		}
		return g.advance(ctx)
	})
}

func (g *Game) advance(ctx context.Context) error {
	if err := g.endRound(ctx); err != nil {
		return err
	}

	next := g.round + 1
	if next >= len(g.session.Questions) {
		return g.end(ctx)
	}

	q := g.session.Questions[next]
	cq := domain.CurrentQuestion{
		Index:     next,
		Question:  q,
		StartTime: domain.Millis(g.clock.Now()),
		TimeLimit: q.TimeLimit,
	}

	// Replacing the whole record also clears the answers of the last round.
	if err := g.st.Write(ctx, domain.CurrentQuestionPath(g.pin), cq); err != nil {
		return fmt.Errorf("host: open round %d: %w", next, err)
	}

	g.round = next
	g.roundOpen = true
	g.answers = make(map[string]domain.Answer)
	g.startCountdown(next, q.TimeLimit)

	g.emit(domain.EventRoundStarted{PIN: g.pin, Index: next, Question: q})
	slog.InfoContext(ctx, "host: round started", "pin", g.pin, "round", next, "timeLimit", q.TimeLimit)

	return nil
}

// EndRound scores the open round before its countdown runs out.
func (g *Game) EndRound(ctx context.Context) error {
	return g.do(ctx, func() error {
		if err := g.mustBe(domain.StatePlaying); err != nil {
			return err
		}
		if !g.roundOpen {
			return errors.FailedPrecondition("no round in progress")
		}
		return g.endRound(ctx)
	})
}

func (g *Game) startCountdown(index, seconds int) {
	g.stopCountdown()

	stop := make(chan struct{})
	g.stop = stop
	g.timeLeft = seconds

	t := g.clock.NewTicker(time.Second)
	go g.countdown(index, t, stop)
}

func (g *Game) stopCountdown() {
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
}

func (g *Game) countdown(index int, t clockwork.Ticker, stop <-chan struct{}) {
	defer t.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-t.Chan():
		}

		done := false
		err := g.do(ctx, func() error {
			// A tick of a round that was already closed is stale.
			if !g.roundOpen || g.round != index {
				done = true
				return nil
			}

			g.timeLeft--
			g.emit(domain.EventRoundTick{PIN: g.pin, Index: index, TimeLeft: g.timeLeft})
			if g.timeLeft > 0 {
				return nil
			}

			done = true
			return g.endRound(ctx)
		})
		if err != nil {
			slog.ErrorContext(ctx, "host: end round failed", "pin", g.pin, "round", index, "error", err)
		}
		if done {
			return
		}
	}
}

// endRound scores the open round. It is a no-op when no round is open.
func (g *Game) endRound(ctx context.Context) error {
	if !g.roundOpen {
		return nil
	}
	g.stopCountdown()

	var answers map[string]domain.Answer
	if _, err := g.st.Read(ctx, domain.AnswersPath(g.pin), &answers); err != nil {
		return fmt.Errorf("host: read answers: %w", err)
	}

	var players map[string]domain.Player
	if _, err := g.st.Read(ctx, domain.PlayersPath(g.pin), &players); err != nil {
		return fmt.Errorf("host: read players: %w", err)
	}

	r := score.ScoreRound(g.round, g.session.Questions[g.round], answers, players)

	if len(r.Players) > 0 {
		fields := make(map[string]any, 2*len(r.Players))
		for id, p := range r.Players {
			fields[path.Join("players", id, "score")] = p.Score
			fields[path.Join("players", id, "lastAnswer")] = p.LastAnswer
		}
		// Players who left since the read keep no score.
		if err := g.st.PatchExisting(ctx, domain.SessionPath(g.pin), fields); err != nil {
			return fmt.Errorf("host: save scores: %w", err)
		}
	}

	g.roundOpen = false
	g.timeLeft = 0
	g.history = append(g.history, r.Result)
	g.setPlayers(players)
	maps.Copy(g.players, r.Players)

	telemetry.RoundsScored.Inc()
	now := g.clock.Now()
	for _, pr := range r.Result.PlayerResults {
		telemetry.PointsAwarded.Observe(float64(pr.Points))

		p := r.Players[pr.PlayerID]
		g.emit(domain.EventScoreUpdated{Score: domain.Score{
			PIN:        g.pin,
			PlayerID:   p.ID,
			PlayerName: p.Name,
			TotalScore: p.Score,
			UpdateTime: now,
		}})
	}
	g.emit(domain.EventRoundEnded{PIN: g.pin, Result: r.Result})

	slog.InfoContext(ctx, "host: round scored",
		"pin", g.pin,
		"round", g.round,
		"answers", len(answers),
		"scored", len(r.Result.PlayerResults),
	)
	return nil
}

// EndGame finishes the session, scoring the open round first.
func (g *Game) EndGame(ctx context.Context) error {
	return g.do(ctx, func() error {
		return g.end(ctx)
	})
}

func (g *Game) end(ctx context.Context) error {
	if g.session.State == domain.StateFinished {
		return errors.FailedPrecondition("game %s already finished", g.pin)
	}
	if err := g.endRound(ctx); err != nil {
		return err
	}

	var players map[string]domain.Player
	if _, err := g.st.Read(ctx, domain.PlayersPath(g.pin), &players); err != nil {
		return fmt.Errorf("host: read players: %w", err)
	}

	fr := &domain.FinalResults{
		Players:          players,
		QuestionResults:  slices.Clone(g.history),
		FinalLeaderboard: score.Leaderboard(players),
	}

	now := domain.Millis(g.clock.Now())
	if err := g.st.Patch(ctx, domain.SessionPath(g.pin), map[string]any{
		"state":           domain.StateFinished,
		"endTime":         now,
		"finalResults":    fr,
		"currentQuestion": nil,
	}); err != nil {
		return fmt.Errorf("host: end game: %w", err)
	}

	g.session.State = domain.StateFinished
	g.session.EndTime = now
	g.session.FinalResults = fr
	g.setPlayers(players)

	telemetry.GamesFinished.Inc()
	g.emit(domain.EventSessionEnded{Session: g.snapshot()})
	slog.InfoContext(ctx, "host: game finished", "pin", g.pin, "players", len(players), "rounds", len(g.history))

	return nil
}

func (g *Game) setPlayers(players map[string]domain.Player) {
	if players == nil {
		players = make(map[string]domain.Player)
	}
	g.players = players
}

func (g *Game) mustBe(state domain.State) error {
	if g.closed {
		return errors.FailedPrecondition("game %s is closed", g.pin)
	}
	if g.session.State != state {
		return errors.FailedPrecondition("game %s is %s, want %s", g.pin, g.session.State, state)
	}
	return nil
}

// Close stops the countdown and the subscriptions. The stored session is kept.
func (g *Game) Close() {
	g.mu.Lock()
	g.closed = true
	g.roundOpen = false
	g.stopCountdown()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
