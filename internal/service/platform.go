package service

import (
	"context"
	"encoding/json"
	"io"

	"bot-panel/internal/heroku"
)

// Platform is the hosting API surface the services drive. *heroku.Client implements it.
type Platform interface {
	CreateApp(ctx context.Context, name string) (json.RawMessage, error)
	DeleteApp(ctx context.Context, app string) error
	UpdateConfigVars(ctx context.Context, app string, vars map[string]string) (json.RawMessage, error)
	CreateBuild(ctx context.Context, app, sourceURL, version string) (*heroku.Build, json.RawMessage, error)
	GetBuild(ctx context.Context, app, buildID string) (*heroku.Build, error)
	ScaleFormation(ctx context.Context, app, processType string, quantity int) (json.RawMessage, error)
	CreateLogSession(ctx context.Context, app string, opts heroku.LogSessionOptions) (*heroku.LogSession, error)
	FetchLogs(ctx context.Context, logplexURL string) (string, error)
	OpenLogStream(ctx context.Context, logplexURL string) (io.ReadCloser, error)
	ProbeApp(ctx context.Context, app string) (heroku.BotStatus, error)
}

// PlatformForKey returns a Platform authenticated with a caller-supplied API key.
type PlatformForKey func(apiKey string) Platform

// HerokuPlatforms adapts a heroku client to the Platform/PlatformForKey pair.
func HerokuPlatforms(client *heroku.Client) (Platform, PlatformForKey) {
	return client, func(apiKey string) Platform {
		return client.WithAPIKey(apiKey)
	}
}
