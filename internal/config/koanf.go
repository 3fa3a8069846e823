// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix recognized by ApplyEnv:
// RESMOND_ADMIN_DIR and RESMOND_LOG_LEVEL.
const EnvPrefix = "RESMOND"

// ApplyEnv layers environment-variable overrides on top of a parsed
// [General] section: the profile file is the primary source, and any
// recognized RESMOND_ environment variable wins over it.
//
// Only two keys are recognized: RESMOND_ADMIN_DIR (the administration
// directory) and RESMOND_LOG_LEVEL (the log verbosity, 0-3). Anything else
// under the RESMOND_ prefix is ignored rather than erroring, since the
// profile file - not the environment - is the source of truth for
// per-resource configuration.
func ApplyEnv(g *GeneralSection) error {
	k := koanf.New(".")

	provider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix+"_")
			return strings.ToLower(key), value
		},
	})

	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("load environment overrides: %w", err)
	}

	if v := k.String("admin_dir"); v != "" {
		g.AdminDir = v
	}
	if k.Exists("log_level") {
		g.LogLevel = k.Int("log_level")
	}
	return nil
}
