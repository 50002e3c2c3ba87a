// Package store provides the backends that persist the authorization state of the hub mail
// login: a local file, a PostgreSQL row or an object in an S3-compatible bucket.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/innoactive/asset-pipeline-connector/internal/auth/hub"
	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/innoactive/asset-pipeline-connector/internal/util"
	log "github.com/sirupsen/logrus"
)

// New opens the state store selected by cfg.StateStore.Kind. The returned closer is never nil.
func New(ctx context.Context, cfg *config.Config) (hub.StateStore, io.Closer, error) {
	switch cfg.StateStore.Kind {
	case "", config.StateStoreFile:
		path, err := util.ResolvePath(cfg.StateFile)
		if err != nil {
			return nil, nil, fmt.Errorf("state file: %w", err)
		}
		log.WithField("path", path).Debug("using file state store")
		return hub.NewFileStateStore(path), nopCloser{}, nil

	case config.StateStorePostgres:
		pg := cfg.StateStore.Postgres
		s, err := NewPostgresStateStore(ctx, PostgresStoreConfig{
			DSN:    pg.DSN,
			Schema: pg.Schema,
			Table:  pg.Table,
			ID:     pg.ID,
		})
		if err != nil {
			return nil, nil, err
		}
		if err = s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		log.Info("using postgres state store")
		return s, s, nil

	case config.StateStoreObject:
		obj := cfg.StateStore.Object
		s, err := NewObjectStateStore(ObjectStoreConfig{
			Endpoint:  obj.Endpoint,
			Bucket:    obj.Bucket,
			AccessKey: obj.AccessKey,
			SecretKey: obj.SecretKey,
			Region:    obj.Region,
			Prefix:    obj.Prefix,
			UseSSL:    obj.UseSSL,
			PathStyle: obj.PathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		if err = s.Bootstrap(ctx); err != nil {
			return nil, nil, err
		}
		log.Info("using object state store")
		return s, nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown state store kind %q", cfg.StateStore.Kind)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
