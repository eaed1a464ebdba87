package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// LogArchive keeps per-app log snapshots under <prefix>/<app>/<timestamp>.log.
type LogArchive struct {
	store   Service
	bucket  string
	prefix  string
	linkTTL time.Duration
}

// ArchivedLog is one stored snapshot with a time-limited download link.
type ArchivedLog struct {
	Key          string     `json:"key"`
	Location     string     `json:"location,omitempty"`
	URL          string     `json:"url,omitempty"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

func NewLogArchive(store Service, bucket, prefix string, linkTTL time.Duration) *LogArchive {
	if linkTTL <= 0 {
		linkTTL = 15 * time.Minute
	}
	return &LogArchive{
		store:   store,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		linkTTL: linkTTL,
	}
}

// Key returns the object key of a snapshot taken at t.
func (a *LogArchive) Key(app string, t time.Time) string {
	return path.Join(a.appPrefix(app), t.UTC().Format("20060102T150405.000Z")+".log")
}

func (a *LogArchive) appPrefix(app string) string {
	return path.Join(a.prefix, app) + "/"
}

func (a *LogArchive) Save(ctx context.Context, app, logs string, at time.Time) (*ArchivedLog, error) {
	key := a.Key(app, at)
	location, err := a.store.Put(ctx, strings.NewReader(logs), PutOptions{Bucket: a.bucket, Key: key})
	if err != nil {
		return nil, err
	}
	url, err := a.store.GetObjectURL(ctx, a.bucket, key, a.linkTTL)
	if err != nil {
		return nil, err
	}
	return &ArchivedLog{Key: key, Location: location, URL: url, Size: int64(len(logs)), LastModified: &at}, nil
}

// List returns the app's snapshots, newest first.
func (a *LogArchive) List(ctx context.Context, app string) ([]ArchivedLog, error) {
	objects, err := a.store.ListObjects(ctx, a.bucket, a.appPrefix(app))
	if err != nil {
		return nil, err
	}

	out := make([]ArchivedLog, 0, len(objects))
	for _, obj := range objects {
		url, err := a.store.GetObjectURL(ctx, a.bucket, obj.Key, a.linkTTL)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", obj.Key, err)
		}
		out = append(out, ArchivedLog{Key: obj.Key, URL: url, Size: obj.Size, LastModified: obj.LastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func (a *LogArchive) Purge(ctx context.Context, app string) error {
	return a.store.DeletePrefix(ctx, a.bucket, a.appPrefix(app))
}
