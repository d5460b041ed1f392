// Package worktree provisions isolated git worktrees for agent sessions.
package worktree

import "github.com/spf13/viper"

const (
	DefaultBaseDir = "/tmp/astrid-worktrees"
	BranchPrefix   = "astrid/task-"
)

// Config controls worktree isolation.
type Config struct {
	Enabled     bool
	BaseDir     string
	AutoCleanup bool
}

// DefaultConfig is the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		BaseDir:     DefaultBaseDir,
		AutoCleanup: true,
	}
}

// SetDefaults registers the worktree keys on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("worktree.enabled", d.Enabled)
	v.SetDefault("worktree.base_dir", d.BaseDir)
	v.SetDefault("worktree.auto_cleanup", d.AutoCleanup)
}

// FromViper reads the worktree configuration at call time. A nil v reads the
// global viper instance.
func FromViper(v *viper.Viper) Config {
	if v == nil {
		v = viper.GetViper()
	}
	cfg := DefaultConfig()
	if v.IsSet("worktree.enabled") {
		cfg.Enabled = v.GetBool("worktree.enabled")
	}
	if s := v.GetString("worktree.base_dir"); s != "" {
		cfg.BaseDir = s
	}
	if v.IsSet("worktree.auto_cleanup") {
		cfg.AutoCleanup = v.GetBool("worktree.auto_cleanup")
	}
	return cfg
}

// ShouldUse reports whether sessions should run in a worktree.
func (c Config) ShouldUse() bool {
	return c.Enabled && c.BaseDir != ""
}
