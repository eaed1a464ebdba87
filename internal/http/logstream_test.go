package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestLogStream_SendsOneFramePerLine(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.login(t, "alice")

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/logs/stream?appName=their-app&token=" + token
	header := http.Header{herokuKeyHeader: []string{"caller-key"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var lines []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		lines = append(lines, string(msg))
	}
	require.Equal(t, []string{"first", "second"}, lines)
}

func TestLogStream_ChecksOwnershipBeforeUpgrade(t *testing.T) {
	s := newTestServer(t, nil)
	token, _ := s.login(t, "alice")

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/logs/stream?appName=not-mine&token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCloseReason_KeepsValidUTF8(t *testing.T) {
	short := "Error creating log session: app not found"
	require.Equal(t, short, closeReason(short))

	msg := strings.Repeat("a", maxCloseReason-1) + "é suffix"
	got := closeReason(msg)
	require.LessOrEqual(t, len(got), maxCloseReason)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("a", maxCloseReason-1), got)

	long := strings.Repeat("日本", 40)
	got = closeReason(long)
	require.LessOrEqual(t, len(got), maxCloseReason)
	require.True(t, utf8.ValidString(got))
	require.True(t, strings.HasPrefix(long, got))

	require.True(t, utf8.ValidString(closeReason("bad \xff byte")))
}
