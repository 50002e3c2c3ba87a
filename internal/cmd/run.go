package cmd

import (
	"context"
	"fmt"

	"github.com/innoactive/asset-pipeline-connector/internal/agent"
	"github.com/innoactive/asset-pipeline-connector/internal/config"
	"github.com/innoactive/asset-pipeline-connector/internal/converter"
	"github.com/innoactive/asset-pipeline-connector/internal/hubapi"
	"github.com/innoactive/asset-pipeline-connector/internal/util"
	log "github.com/sirupsen/logrus"
)

// DoRun authenticates to the hub, resolves the configured platform and serves conversion events
// until ctx is cancelled.
func DoRun(ctx context.Context, cfg *config.Config, options *Options) error {
	conv, err := converter.New(cfg.Converter)
	if err != nil {
		return err
	}

	session, cfg, closer, err := authenticate(ctx, cfg, options)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	client := hubapi.New(session)
	platform, err := client.PlatformBySlug(ctx, cfg.PlatformSlug)
	if err != nil {
		return fmt.Errorf("resolve platform %q: %w", cfg.PlatformSlug, err)
	}
	log.WithField("platform", platform.Slug).Infof("serving conversions for platform %d with %s", platform.ID, conv.Name())

	workDir, err := util.ResolvePath(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	dialer, err := agent.NewDialer(&cfg.SDKConfig)
	if err != nil {
		return err
	}
	a, err := agent.New(agent.Options{
		URL:          cfg.WebsocketURL(),
		PlatformSlug: platform.Slug,
		PlatformID:   platform.ID,
		WorkDir:      workDir,
		Auth:         session,
		Hub:          client,
		Converter:    conv,
		Dialer:       dialer,
	})
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
