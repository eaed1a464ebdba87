package github

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_LatestCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/mrfrank-ofc/SUBZERO-BOT/commits/main", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"sha": "abc123",
			"commit": {
				"message": "fix: reconnect",
				"author": {"name": "dev", "date": "2025-02-01T10:00:00Z"}
			}
		}`)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Owner: "mrfrank-ofc", Repo: "SUBZERO-BOT", BaseURL: srv.URL})
	require.NoError(t, err)

	commit, err := c.LatestCommit(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc123", commit.SHA)
	require.Equal(t, "fix: reconnect", commit.Message)
	require.True(t, commit.Date.Equal(time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)))
}

func TestClient_LatestCommitUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not Found"}`)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Owner: "o", Repo: "r", BaseURL: srv.URL, Token: "t"})
	require.NoError(t, err)

	_, err = c.LatestCommit(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Not Found")
}

func TestClient_ArchiveURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/o/r/tarball/main", r.URL.Path)
		w.Header().Set("Location", "https://codeload.example.com/o/r/legacy.tar.gz/refs/heads/main")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Owner: "o", Repo: "r", BaseURL: srv.URL})
	require.NoError(t, err)

	link, err := c.ArchiveURL(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://codeload.example.com/o/r/legacy.tar.gz/refs/heads/main", link)
}

func TestNewClient_RequiresRepo(t *testing.T) {
	_, err := NewClient(Config{Owner: "o"})
	require.Error(t, err)
}
