// Package controller owns the update store for the lifetime of the process
// and enforces the startup ordering the downstream components rely on: the
// build-data guard runs before the integrity check, which runs before any
// reap. The store is opened exactly once here and passed by reference to
// everything that needs it.
package controller

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/otakit/otastore/internal/builddata"
	"github.com/otakit/otastore/internal/config"
	"github.com/otakit/otastore/internal/integrity"
	"github.com/otakit/otastore/internal/reaper"
	"github.com/otakit/otastore/internal/selection"
	"github.com/otakit/otastore/internal/storage"
)

// Controller wires the store, the configuration, and the maintenance
// components together.
type Controller struct {
	cfg        *config.Configuration
	store      *storage.Store
	updatesDir string
	policy     selection.Policy
}

// New opens the store inside updatesDir and returns a controller around it.
// The caller owns Close.
func New(ctx context.Context, cfg *config.Configuration, updatesDir string) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, result, err := storage.Open(ctx, updatesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open update store: %w", err)
	}
	log.WithFields(log.Fields{"directory": updatesDir, "result": result.String()}).
		Info("opened update store")

	return &Controller{
		cfg:        cfg,
		store:      store,
		updatesDir: updatesDir,
		policy:     selection.ReaperPolicy{},
	}, nil
}

// Store exposes the underlying store to collaborators (the downloader, the
// launcher) that need direct row access.
func (c *Controller) Store() *storage.Store {
	return c.store
}

// Start runs the cold-start maintenance sequence. The build-data guard may
// wipe the store, so it must complete before the integrity check reads any
// rows. embeddedUpdate is the update bundled into the current binary, or
// nil when the build carries none.
func (c *Controller) Start(ctx context.Context, embeddedUpdate *storage.Update) error {
	builddata.EnsureConsistent(ctx, c.store, c.cfg)
	if err := integrity.Run(ctx, c.store, c.updatesDir, embeddedUpdate); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	return nil
}

// RunReaper reclaims storage from updates made obsolete by launchedUpdate.
// Call it after a launch is confirmed good, never before.
func (c *Controller) RunReaper(ctx context.Context, launchedUpdate *storage.Update) error {
	return reaper.ReapUnusedUpdates(ctx, c.cfg, c.store, c.updatesDir, launchedUpdate, c.policy)
}

// LaunchableUpdates returns the candidates the launcher may pick from.
func (c *Controller) LaunchableUpdates(ctx context.Context) ([]*storage.Update, error) {
	return c.store.LoadLaunchableUpdates(ctx, c.cfg.ScopeKey)
}

// Close releases the store.
func (c *Controller) Close() error {
	return c.store.Close()
}
