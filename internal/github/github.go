package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v60/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Commit is the head commit summary reported by /repo-status.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
}

// Config points the client at the bot's source repository.
type Config struct {
	Owner  string
	Repo   string
	Branch string
	// Token is optional; anonymous calls work for public repositories.
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Client reads the bot repository through the GitHub REST API.
type Client struct {
	log    logrus.FieldLogger
	gh     *github.Client
	owner  string
	repo   string
	branch string
}

// NewClient creates a new GitHub client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	httpClient := cfg.HTTPClient
	if cfg.Token != "" {
		ctx := context.Background()
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}

	gh := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		gh.BaseURL = base
	}

	return &Client{
		log:    cfg.Logger.WithField("component", "github"),
		gh:     gh,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		branch: cfg.Branch,
	}, nil
}

// LatestCommit returns the head commit of the configured branch.
func (c *Client) LatestCommit(ctx context.Context) (*Commit, error) {
	c.log.WithFields(logrus.Fields{
		"owner":  c.owner,
		"repo":   c.repo,
		"branch": c.branch,
	}).Debug("Getting latest commit")

	rc, _, err := c.gh.Repositories.GetCommit(ctx, c.owner, c.repo, c.branch, nil)
	if err != nil {
		return nil, fmt.Errorf("getting commit: %w", err)
	}

	commit := rc.GetCommit()
	return &Commit{
		SHA:     rc.GetSHA(),
		Message: commit.GetMessage(),
		Date:    commit.GetAuthor().GetDate().Time,
	}, nil
}

// ArchiveURL resolves the tarball URL of the configured branch, used as a
// build source when no explicit archive URL is configured.
func (c *Client) ArchiveURL(ctx context.Context) (string, error) {
	link, _, err := c.gh.Repositories.GetArchiveLink(ctx, c.owner, c.repo, github.Tarball,
		&github.RepositoryContentGetOptions{Ref: c.branch}, 0)
	if err != nil {
		return "", fmt.Errorf("getting archive link: %w", err)
	}

	c.log.WithField("url", link.String()).Debug("Resolved source archive")
	return link.String(), nil
}

// Branch reports the branch builds are taken from.
func (c *Client) Branch() string {
	return c.branch
}
