// otastore is a maintenance tool for a local update store: inspect its
// contents, run a reap cycle, or wipe it the way the build-data guard would.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/otakit/otastore/internal/config"
	"github.com/otakit/otastore/internal/controller"
	"github.com/otakit/otastore/internal/storage"
)

// storeConfig holds the flags shared by every subcommand.
type storeConfig struct {
	Directory      string `long:"directory" env:"OTASTORE_DIR" required:"true" description:"Updates storage directory containing updates.db and asset files"`
	ScopeKey       string `long:"scope-key" env:"OTASTORE_SCOPE_KEY" default:"default" description:"Project scope key"`
	RuntimeVersion string `long:"runtime-version" env:"OTASTORE_RUNTIME_VERSION" default:"1" description:"Runtime version of the consuming binary"`
	UpdateURL      string `long:"update-url" env:"OTASTORE_UPDATE_URL" description:"Remote update URL baked into the build"`
}

func (c *storeConfig) configuration() *config.Configuration {
	return &config.Configuration{
		ScopeKey:       c.ScopeKey,
		UpdateURL:      c.UpdateURL,
		RuntimeVersion: c.RuntimeVersion,
	}
}

func (c *storeConfig) open(ctx context.Context) (*controller.Controller, error) {
	return controller.New(ctx, c.configuration(), c.Directory)
}

type cmdInspect struct {
	storeConfig
}

func (cmd *cmdInspect) Execute([]string) error {
	ctx := context.Background()
	ctl, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer ctl.Close()

	updates, err := ctl.Store().LoadAllUpdates(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("updates (%d):\n", len(updates))
	for _, u := range updates {
		fmt.Printf("  %s scope=%s runtime=%s status=%d keep=%t commit=%s launches=%d/%d\n",
			u.ID, u.ScopeKey, u.RuntimeVersion, u.Status, u.Keep,
			u.CommitTime.Format("2006-01-02T15:04:05Z07:00"),
			u.SuccessfulLaunchCount, u.FailedLaunchCount)
	}

	assets, err := ctl.Store().LoadAllAssets(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("assets (%d):\n", len(assets))
	for _, a := range assets {
		key, path := "", ""
		if a.Key != nil {
			key = *a.Key
		}
		if a.RelativePath != nil {
			path = *a.RelativePath
		}
		fmt.Printf("  %d key=%q path=%q\n", a.ID, key, path)
	}
	return nil
}

type cmdReap struct {
	storeConfig
}

func (cmd *cmdReap) Execute([]string) error {
	ctx := context.Background()
	ctl, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer ctl.Close()

	// Anchor on the most recently committed launchable update, the same
	// anchor an embedding application would use after a confirmed launch.
	launchable, err := ctl.LaunchableUpdates(ctx)
	if err != nil {
		return err
	}
	var launched *storage.Update
	for _, u := range launchable {
		if launched == nil || u.CommitTime.After(launched.CommitTime) {
			launched = u
		}
	}
	if launched == nil {
		log.Warn("no launchable update found, nothing to reap against")
		return nil
	}
	return ctl.RunReaper(ctx, launched)
}

type cmdWipe struct {
	storeConfig
}

func (cmd *cmdWipe) Execute([]string) error {
	ctx := context.Background()
	ctl, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer ctl.Close()

	store := ctl.Store()
	store.Mu.Lock()
	defer store.Mu.Unlock()

	if err := store.DeleteAllUpdates(ctx); err != nil {
		return err
	}
	keys := []storage.JSONDataKey{
		storage.ManifestFiltersKey,
		storage.ServerDefinedHeadersKey,
		storage.StaticBuildDataKey,
	}
	if err := store.DeleteJSONDataForAllScopes(ctx, keys); err != nil {
		return err
	}
	log.Info("wiped all updates and selection metadata")
	return nil
}

func mustAddCmd(parser *flags.Parser, name, short, long string, cfg interface{}) {
	if _, err := parser.AddCommand(name, short, long, cfg); err != nil {
		log.WithFields(log.Fields{"command": name, "error": err}).Fatal("failed to add command")
	}
}

func main() {
	log.SetOutput(os.Stderr)

	parser := flags.NewParser(nil, flags.Default)
	parser.LongDescription = `otastore inspects and maintains a local over-the-air update store.

See --help pages of each sub-command for documentation and usage examples.`

	mustAddCmd(parser, "inspect", "Print stored updates and assets",
		"Prints every update and asset row in the store.", &cmdInspect{})
	mustAddCmd(parser, "reap", "Run one garbage collection cycle",
		"Runs one reap cycle anchored on the most recently committed launchable update.", &cmdReap{})
	mustAddCmd(parser, "wipe", "Delete all updates and selection metadata",
		"Deletes every update row and the persisted selection metadata, as the build-data guard would after a configuration change. Asset rows are reclaimed by the next reap.", &cmdWipe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
