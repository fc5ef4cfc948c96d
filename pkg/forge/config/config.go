// Package config implements the layered configuration surface shared by
// forge's sample command line clients: an optional forge.toml file, then
// environment variables, and finally explicit command flags, each layer
// overriding the last.
package config

import (
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/forgebuild/forge/pkg/encoding"
)

// Configuration holds the settings every sample client needs to construct
// an Engine: where its cache lives, where it stages rollbacks, and how
// many fingerprints to memoize.
type Configuration struct {
	CachePath       string `toml:"cache_path" env:"CACHE_PATH"`
	StagingRoot     string `toml:"staging_root" env:"STAGING_ROOT"`
	FingerprintMemo int    `toml:"fingerprint_memo" env:"FINGERPRINT_MEMO"`
	Verbose         bool   `toml:"verbose" env:"VERBOSE"`
}

// Default returns the Configuration a client starts from before any layer
// is applied.
func Default() Configuration {
	return Configuration{
		CachePath:       ".forge/cache.yml",
		StagingRoot:     ".forge/staging",
		FingerprintMemo: 8192,
	}
}

// Load builds a Configuration by starting from Default, applying tomlPath
// if it exists, then applying FORGE_-prefixed environment variables. Flags
// are intentionally not handled here: callers bind pflag values directly
// onto the returned Configuration's fields after Load returns, so that
// flags always win as the outermost layer.
func Load(tomlPath string) (Configuration, error) {
	configuration := Default()

	if tomlPath != "" {
		if err := encoding.LoadAndUnmarshalTOML(tomlPath, &configuration); err != nil && !os.IsNotExist(err) {
			return Configuration{}, err
		}
	}

	if err := env.ParseWithOptions(&configuration, env.Options{Prefix: "FORGE_"}); err != nil {
		return Configuration{}, err
	}

	return configuration, nil
}
