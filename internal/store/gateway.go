package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/pinquiz/internal/errors"
)

const (
	defaultReadyAttempts = 10
	defaultReadyInterval = time.Second
)

// Backend is the tree storage behind a Gateway. Values passed to Set and
// Update are already normalized JSON values.
type Backend interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	Get(ctx context.Context, p Path) (any, error)
	Set(ctx context.Context, p Path, v any) error
	Update(ctx context.Context, p Path, fields map[string]any) error
	UpdateExisting(ctx context.Context, p Path, fields map[string]any) error
	Subscribe(ctx context.Context, p Path) (*Subscription, error)
}

// Store is the contract the game controllers depend on.
type Store interface {
	Write(ctx context.Context, path string, v any) error
	Read(ctx context.Context, path string, dst any) (bool, error)
	Patch(ctx context.Context, path string, fields map[string]any) error
	PatchExisting(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	Subscribe(ctx context.Context, path string) (*Subscription, error)
	NewSessionID() (string, error)
	NewPlayerID() string
}

type Config struct {
	Backend Backend
	// ReadyAttempts bounds how many times opening the backend is tried.
	ReadyAttempts int
	// ReadyInterval is the wait between two attempts.
	ReadyInterval time.Duration
}

// Gateway is the shared data gateway. It is opened asynchronously and every
// operation waits until the backend is ready, instead of failing early.
type Gateway struct {
	b        Backend
	attempts int
	interval time.Duration

	ready     chan struct{}
	readyErr  error
	closeOnce sync.Once
}

var _ Store = (*Gateway)(nil)

// Open creates a gateway and starts opening the backend in the background.
func Open(c Config) *Gateway {
	g := &Gateway{
		b:        c.Backend,
		attempts: c.ReadyAttempts,
		interval: c.ReadyInterval,
		ready:    make(chan struct{}),
	}

	if g.attempts <= 0 {
		g.attempts = defaultReadyAttempts
	}
	if g.interval <= 0 {
		g.interval = defaultReadyInterval
	}

	go g.open()
	return g
}

func (g *Gateway) open() {
	ctx := context.Background()
	defer close(g.ready)

	var err error
	for i := 1; i <= g.attempts; i++ {
		if err = g.b.Open(ctx); err == nil {
			slog.InfoContext(ctx, "store: ready", "backend", g.b.Name(), "attempt", i)
			return
		}

		slog.WarnContext(ctx, "store: backend not ready",
			"backend", g.b.Name(),
			"attempt", i,
			"error", err,
		)
		if i < g.attempts {
			time.Sleep(g.interval)
		}
	}

	g.readyErr = errors.New(errors.CodeUnavailable,
		errors.WithMessagef("store %s not ready after %d attempts", g.b.Name(), g.attempts),
		errors.WithCause(err),
	)
	slog.ErrorContext(ctx, "store: giving up", "error", g.readyErr)
}

// Ready blocks until the backend is open. A non nil error is final.
func (g *Gateway) Ready(ctx context.Context) error {
	select {
	case <-g.ready:
		return g.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		<-g.ready
		err = g.b.Close()
	})
	return err
}

// Write replaces the whole subtree at path.
func (g *Gateway) Write(ctx context.Context, path string, v any) error {
	p, err := g.prepare(ctx, path)
	if err != nil {
		return err
	}

	nv, err := normalize(v)
	if err != nil {
		return errors.InvalidArgument("cannot store value at %s: %v", path, err)
	}

	if err := g.b.Set(ctx, p, nv); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}

	slog.DebugContext(ctx, "store: written", "path", path)
	return nil
}

// Read decodes the value at path into dst. It reports false when nothing is stored there.
func (g *Gateway) Read(ctx context.Context, path string, dst any) (bool, error) {
	p, err := g.prepare(ctx, path)
	if err != nil {
		return false, err
	}

	v, err := g.b.Get(ctx, p)
	if err != nil {
		return false, fmt.Errorf("store: read %s: %w", path, err)
	}
	if v == nil {
		return false, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("store: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", path, err)
	}

	return true, nil
}

// Patch merges fields into the object at path without touching sibling keys.
func (g *Gateway) Patch(ctx context.Context, path string, fields map[string]any) error {
	p, err := g.prepare(ctx, path)
	if err != nil {
		return err
	}

	nf := make(map[string]any, len(fields))
	for k, v := range fields {
		if nf[k], err = normalize(v); err != nil {
			return errors.InvalidArgument("cannot store field %s at %s: %v", k, path, err)
		}
	}

	if err := g.b.Update(ctx, p, nf); err != nil {
		return fmt.Errorf("store: patch %s: %w", path, err)
	}

	slog.DebugContext(ctx, "store: patched", "path", path, "fields", len(fields))
	return nil
}

// PatchExisting is Patch for fields whose parent object is still stored.
// Fields under a deleted object are dropped instead of recreating it.
func (g *Gateway) PatchExisting(ctx context.Context, path string, fields map[string]any) error {
	p, err := g.prepare(ctx, path)
	if err != nil {
		return err
	}

	nf := make(map[string]any, len(fields))
	for k, v := range fields {
		if nf[k], err = normalize(v); err != nil {
			return errors.InvalidArgument("cannot store field %s at %s: %v", k, path, err)
		}
	}

	if err := g.b.UpdateExisting(ctx, p, nf); err != nil {
		return fmt.Errorf("store: patch %s: %w", path, err)
	}

	slog.DebugContext(ctx, "store: patched existing", "path", path, "fields", len(fields))
	return nil
}

func (g *Gateway) Delete(ctx context.Context, path string) error {
	p, err := g.prepare(ctx, path)
	if err != nil {
		return err
	}

	if err := g.b.Set(ctx, p, nil); err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}

	slog.DebugContext(ctx, "store: deleted", "path", path)
	return nil
}

// Subscribe watches path. The current value is delivered right away.
func (g *Gateway) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	p, err := g.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	sub, err := g.b.Subscribe(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("store: subscribe %s: %w", path, err)
	}

	slog.DebugContext(ctx, "store: subscribed", "path", path)
	return sub, nil
}

// NewSessionID returns a random 6 digit numeric PIN.
func (*Gateway) NewSessionID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("store: generate session ID: %w", err)
	}
	return fmt.Sprintf("%d", 100000+n.Int64()), nil
}

func (*Gateway) NewPlayerID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "player_" + uuid.NewString()
	}
	return "player_" + id.String()
}

func (g *Gateway) prepare(ctx context.Context, path string) (Path, error) {
	if err := g.Ready(ctx); err != nil {
		return nil, err
	}

	p, err := ParsePath(path)
	if err != nil {
		return nil, errors.InvalidArgument("invalid path: %v", err)
	}
	return p, nil
}
