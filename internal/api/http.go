package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"google.golang.org/grpc/codes"

	"github.com/victornm/pinquiz/internal/errors"
	"github.com/victornm/pinquiz/internal/host"
)

const qrSize = 320

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *API) registerHTTP(r gin.IRouter) {
	games := r.Group("/api/games")
	games.POST("", handle(http.StatusCreated, bindJSON(a.createSession)))
	games.GET("/:pin", handle(http.StatusOK, bindPIN(a.getGame)))
	games.POST("/:pin/questions", handle(http.StatusCreated, func(c *gin.Context) (any, error) {
		var req AddQuestionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, errors.InvalidArgument("invalid request body: %v", err)
		}
		req.PIN = c.Param("pin")
		return a.addQuestion(c.Request.Context(), req)
	}))
	games.DELETE("/:pin/questions/:index", handle(http.StatusOK, func(c *gin.Context) (any, error) {
		i, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			return nil, errors.InvalidArgument("question index must be a number: %q", c.Param("index"))
		}
		return a.removeQuestion(c.Request.Context(), RemoveQuestionRequest{PIN: c.Param("pin"), Index: i})
	}))
	games.POST("/:pin/start", handle(http.StatusOK, a.controlHandler((*host.Game).StartGame)))
	games.POST("/:pin/next", handle(http.StatusOK, a.controlHandler((*host.Game).AdvanceRound)))
	games.POST("/:pin/end-round", handle(http.StatusOK, a.controlHandler((*host.Game).EndRound)))
	games.POST("/:pin/end", handle(http.StatusOK, bindPIN(a.endGame)))
	games.GET("/:pin/leaderboard", handle(http.StatusOK, bindPIN(a.getLeaderboard)))
	games.GET("/:pin/results", handle(http.StatusOK, bindPIN(a.getResults)))
	games.GET("/:pin/qr", a.serveQR)

	r.GET("/ws/admin/:pin", a.serveAdmin)
	r.GET("/ws/play", a.servePlay)
}

func handle[T any](status int, fn func(c *gin.Context) (T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := fn(c)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(status, resp)
	}
}

func bindJSON[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) func(c *gin.Context) (Resp, error) {
	return func(c *gin.Context) (Resp, error) {
		var req Req
		if err := c.ShouldBindJSON(&req); err != nil {
			var zero Resp
			return zero, errors.InvalidArgument("invalid request body: %v", err)
		}
		return fn(c.Request.Context(), req)
	}
}

func bindPIN[Resp any](fn func(ctx context.Context, req GameRequest) (Resp, error)) func(c *gin.Context) (Resp, error) {
	return func(c *gin.Context) (Resp, error) {
		return fn(c.Request.Context(), GameRequest{PIN: c.Param("pin")})
	}
}

func (a *API) controlHandler(op func(g *host.Game, ctx context.Context) error) func(c *gin.Context) (host.View, error) {
	return bindPIN(func(ctx context.Context, req GameRequest) (host.View, error) {
		return a.control(ctx, req, op)
	})
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), errorResponse(e))
}

func errorResponse(e *errors.Error) ErrorResponse {
	return ErrorResponse{
		Code:    codes.Code(e.Code).String(),
		Message: e.Message,
	}
}

// serveQR renders a PNG QR code of the join link of a game.
func (a *API) serveQR(c *gin.Context) {
	pin := c.Param("pin")
	if _, err := a.hs.Resume(c.Request.Context(), pin); err != nil {
		renderError(c, err)
		return
	}

	png, err := qrcode.Encode(a.joinURL(c.Request, pin), qrcode.Medium, qrSize)
	if err != nil {
		renderError(c, fmt.Errorf("qr: encode: %w", err))
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

func (a *API) joinURL(r *http.Request, pin string) string {
	base := a.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}

	return strings.TrimSuffix(base, "/") + "/play?pin=" + url.QueryEscape(pin)
}
