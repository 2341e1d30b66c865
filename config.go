package linkdoc

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// LINKDOC_CACHE_SIZE or LINKDOC_LOG_LEVEL.
const envPrefix = "LINKDOC_"

// LoadOptions builds Options from defaults, an optional .env file, and
// LINKDOC_-prefixed environment variables, in increasing precedence.
func LoadOptions(path string) (*Options, error) {
	v := viper.New()

	// 1. Load from .env file (if exists). A missing file is fine; a file
	// that exists but cannot be parsed is a configuration error.
	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read .env: %w", err)
		}
	}

	// 2. Environment variables. AutomaticEnv does not feed Unmarshal when
	// the keys are not already known, so set them explicitly.
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, envPrefix) {
			// LINKDOC_CACHE_SIZE -> cache_size
			propKey := strings.ToLower(strings.TrimPrefix(key, envPrefix))
			v.Set(propKey, value)
		}
	}

	opts := DefaultOptions(path)
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if opts.Path == "" {
		opts.Path = path
	}

	return opts, nil
}
