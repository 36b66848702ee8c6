package core

import "fmt"

// CurrentConfigVersion is the latest config schema version.
const CurrentConfigVersion = 2

// configMigration defines a single config migration step.
type configMigration struct {
	FromVersion int
	Migrate     func(raw map[string]interface{}) error
}

// configMigrations is the ordered list of all migrations.
// Each migration transforms raw YAML map from FromVersion to FromVersion+1.
var configMigrations = []configMigration{
	{FromVersion: 0, Migrate: migrateV0toV1},
	{FromVersion: 1, Migrate: migrateV1toV2},
}

// MigrateConfig applies all pending migrations to a raw YAML config map.
// Returns the final version number and whether any migration was applied.
func MigrateConfig(raw map[string]interface{}) (version int, migrated bool, err error) {
	// Extract current version (0 if missing, i.e. pre-versioned config).
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	default:
		version = 0
	}

	startVersion := version
	for _, m := range configMigrations {
		if m.FromVersion == version {
			if err := m.Migrate(raw); err != nil {
				return version, version != startVersion,
					fmt.Errorf("migration v%d→v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
			}
			version++
			raw["version"] = version
		}
	}
	return version, version != startVersion, nil
}

// legacyProfileKeys are the top-level keys of the single-profile layout.
var legacyProfileKeys = []string{"resolver", "domain", "socks_auth_enabled", "username", "password"}

// migrateV0toV1 moves a top-level single profile into profiles[].
func migrateV0toV1(raw map[string]interface{}) error {
	domain, ok := raw["domain"].(string)
	if !ok || domain == "" {
		for _, k := range legacyProfileKeys {
			delete(raw, k)
		}
		return nil
	}

	profile := map[string]interface{}{
		"id":   "cfg_legacy",
		"name": "Default",
	}
	for _, k := range legacyProfileKeys {
		if v, ok := raw[k]; ok {
			profile[k] = v
			delete(raw, k)
		}
	}
	if _, ok := profile["socks_auth_enabled"]; !ok {
		profile["socks_auth_enabled"] = true
	}

	var profiles []interface{}
	if existing, ok := raw["profiles"].([]interface{}); ok {
		profiles = existing
	}
	raw["profiles"] = append([]interface{}{profile}, profiles...)
	if _, ok := raw["selected"]; !ok {
		raw["selected"] = "cfg_legacy"
	}
	return nil
}

// migrateV1toV2 converts interface.dns (string) → interface.dns ([]string).
func migrateV1toV2(raw map[string]interface{}) error {
	ifaceRaw, ok := raw["interface"]
	if !ok {
		return nil
	}
	iface, ok := ifaceRaw.(map[string]interface{})
	if !ok {
		return nil
	}
	if dns, ok := iface["dns"].(string); ok {
		if dns == "" {
			delete(iface, "dns")
		} else {
			iface["dns"] = []interface{}{dns}
		}
	}
	return nil
}
