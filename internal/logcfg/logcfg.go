// Package logcfg locates the logger configuration shared by the coordinator
// and worker binaries.
package logcfg

import (
	"fmt"
	"os"

	logs "github.com/danmuck/smplog"
)

// EnvConfigPath names an explicit smplog TOML file.
const EnvConfigPath = "SMPLOG_CONFIG"

// candidates are tried in order when EnvConfigPath is unset or unreadable.
var candidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

// Load returns file-backed logging configuration when available, otherwise
// defaults.
func Load() logs.Config {
	cfg, _ := Resolve()
	return cfg
}

// Resolve is Load that also reports which file was used ("" for defaults).
func Resolve() (logs.Config, string) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		cfg, err := logs.ConfigFromFile(path)
		if err == nil {
			return cfg, path
		}
		fmt.Fprintf(os.Stderr, "logcfg: ignoring %s=%s: %v\n", EnvConfigPath, path, err)
	}
	for _, path := range candidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg, path
		}
	}
	return logs.DefaultConfig(), ""
}
