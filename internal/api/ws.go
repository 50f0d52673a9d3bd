package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/player"
	"github.com/victornm/pinquiz/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the envelope of everything sent on a websocket, in both directions.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`

	// Player commands.
	PIN    string `json:"pin,omitempty"`
	Name   string `json:"name,omitempty"`
	Answer int    `json:"answer,omitempty"`
}

const (
	MessageView   = "view"
	MessageError  = "error"
	MessageJoin   = "join"
	MessageSelect = "select"
	MessageSubmit = "submit"
	MessageLeave  = "leave"
	MessageReset  = "reset"
)

// conn is one websocket client. Views are latest-wins, errors are queued.
type conn struct {
	ws  *websocket.Conn
	pin string

	mu     sync.Mutex
	view   *Message
	queue  []Message
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newConn(ws *websocket.Conn, pin string) *conn {
	return &conn{
		ws:   ws,
		pin:  pin,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *conn) sendView(v any) {
	c.mu.Lock()
	c.view = &Message{Type: MessageView, Data: v}
	c.mu.Unlock()
	c.notify()
}

func (c *conn) sendError(err error) {
	c.mu.Lock()
	c.queue = append(c.queue, Message{Type: MessageError, Data: errorResponse(errors.Convert(err))})
	c.mu.Unlock()
	c.notify()
}

func (c *conn) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case <-c.wake:
			c.mu.Lock()
			msgs := c.queue
			if c.view != nil {
				msgs = append(msgs, *c.view)
			}
			c.queue, c.view = nil, nil
			c.mu.Unlock()

			for _, m := range msgs {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(m); err != nil {
					slog.Debug("api: websocket write failed", "pin", c.pin, "error", err)
					return
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump calls handle for every message until the client goes away.
func (c *conn) readPump(handle func(m Message)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("api: websocket closed", "pin", c.pin, "error", err)
			}
			return
		}
		if handle != nil {
			handle(m)
		}
	}
}

// hub keeps the connected clients. Admin clients are grouped by PIN.
type hub struct {
	mu    sync.Mutex
	conns map[*conn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*conn]struct{})}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

func (h *hub) admins(pin string) []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	var cs []*conn
	for c := range h.conns {
		if c.pin == pin {
			cs = append(cs, c)
		}
	}
	return cs
}

func (h *hub) close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.close()
	}
}

// serveAdmin pushes the host view of a game on every game event.
func (a *API) serveAdmin(c *gin.Context) {
	g, err := a.hs.Resume(c.Request.Context(), c.Param("pin"))
	if err != nil {
		renderError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}

	cc := newConn(ws, g.PIN())
	a.conns.add(cc)
	defer a.conns.remove(cc)

	telemetry.WebsocketClients.WithLabelValues("admin").Inc()
	defer telemetry.WebsocketClients.WithLabelValues("admin").Dec()

	cc.sendView(g.View())
	go cc.writePump()
	cc.readPump(nil)
}

func (a *API) pushAdminView(ctx context.Context, pin string) error {
	cs := a.conns.admins(pin)
	if len(cs) == 0 {
		return nil
	}

	g, err := a.hs.Resume(ctx, pin)
	if err != nil {
		return err
	}

	v := g.View()
	for _, c := range cs {
		c.sendView(v)
	}
	return nil
}

// servePlay bridges a websocket to a player controller. Closing the socket
// stops the controller but keeps the player in the game.
func (a *API) servePlay(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}

	cc := newConn(ws, "")
	a.conns.add(cc)
	defer a.conns.remove(cc)

	telemetry.WebsocketClients.WithLabelValues("player").Inc()
	defer telemetry.WebsocketClients.WithLabelValues("player").Dec()

	pc := player.NewClient(player.Config{
		Store:       a.st,
		Clock:       a.clock,
		OnView:      func(v player.View) { cc.sendView(v) },
		SubmitDelay: a.delay,
	})
	defer pc.Close()

	cc.sendView(pc.View())
	go cc.writePump()

	ctx := context.WithoutCancel(c.Request.Context())
	cc.readPump(func(m Message) {
		if err := a.play(ctx, pc, m); err != nil {
			cc.sendError(err)
		}
	})
}

func (a *API) play(ctx context.Context, pc *player.Client, m Message) error {
	switch m.Type {
	case MessageJoin:
		return pc.Join(ctx, m.PIN, m.Name)
	case MessageSelect:
		return pc.SelectAnswer(m.Answer)
	case MessageSubmit:
		return pc.SubmitAnswer(ctx)
	case MessageLeave:
		return pc.Leave(ctx)
	case MessageReset:
		pc.Reset()
		return nil
	default:
		return errors.InvalidArgument("unknown message type %q", m.Type)
	}
}
