// Package config holds the update configuration baked into an application
// build. Values are supplied by the embedding application (or the
// maintenance CLI) and are read-only once constructed.
package config

import "fmt"

// Configuration is the subset of build-time update settings this subsystem
// consumes. RequestHeaders carries the extra headers attached to every
// update request; these participate in the build fingerprint because a
// header change (channel, auth) invalidates previously cached updates.
type Configuration struct {
	ScopeKey          string
	UpdateURL         string
	RequestHeaders    map[string]string
	HasEmbeddedUpdate bool
	RuntimeVersion    string
}

// Validate checks that the fields the store depends on are present.
func (c *Configuration) Validate() error {
	if c.ScopeKey == "" {
		return fmt.Errorf("configuration requires a scope key")
	}
	if c.RuntimeVersion == "" {
		return fmt.Errorf("configuration requires a runtime version")
	}
	return nil
}
