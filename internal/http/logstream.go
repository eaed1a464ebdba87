package http

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
	// close frame payloads are limited to 125 bytes, two of which hold the code
	maxCloseReason = 123
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		originSet[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowAll || originSet[origin]
		},
	}
}

// streamLogs tails an app's logs over a websocket, one text frame per line.
func (h *Handler) streamLogs(c *gin.Context) {
	req := h.controlRequest(c, c.Query("appName"), c.Query("herokuAppName"), "")
	if err := h.bots.CheckAccess(c.Request.Context(), req); err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the client only sends control frames; a read error means it went away
	conn.SetReadLimit(maxMessageSize)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = h.bots.StreamLogs(ctx, req, func(line string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	})

	code, reason := websocket.CloseNormalClosure, ""
	if err != nil {
		h.log.WithError(err).WithField("app", req.AppName).Warn("Log stream ended with error")
		code, reason = websocket.CloseInternalServerErr, closeReason(err.Error())
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

// closeReason fits msg into a close frame without splitting a UTF-8 sequence.
func closeReason(msg string) string {
	msg = strings.ToValidUTF8(msg, "?")
	if len(msg) <= maxCloseReason {
		return msg
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
