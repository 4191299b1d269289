// Package config loads RepositoryConfig from reposync.yaml/.json/.toml (via
// viper) with an optional .reposync.jsonc override layered on top, the way
// the teacher threads one config struct through its whole command tree.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"muzzammil.xyz/jsonc"

	"github.com/terrasync/reposync/internal/filterset"
)

// RepositoryConfig holds everything Repository.New/SetBaseURL/SetFilter/
// SetInstalledCopyPath need, plus the pool/retry tunables spec.md §9 names.
// PoolCap and RetryBudget are loaded and validated only: Repository uses its
// own fixed pool cap (5) and retry budget (2) and does not read them.
type RepositoryConfig struct {
	BaseURL           string   `mapstructure:"base_url"`
	Root              string   `mapstructure:"root"`
	InstalledCopyPath string   `mapstructure:"installed_copy_path"`
	GlobExcludes      []string `mapstructure:"glob_excludes"`
	GitignoreExcludes []string `mapstructure:"gitignore_excludes"`
	PoolCap           int      `mapstructure:"pool_cap"`
	RetryBudget       int      `mapstructure:"retry_budget"`
}

// BuildFilter compiles GlobExcludes/GitignoreExcludes into the Filter
// Repository.SetFilter and the archive extractor both consume.
func (c *RepositoryConfig) BuildFilter() (filterset.Filter, error) {
	var filters []filterset.Filter
	if len(c.GlobExcludes) > 0 {
		g, err := filterset.NewGlob(c.GlobExcludes)
		if err != nil {
			return nil, errors.Wrap(err, "compiling glob_excludes")
		}
		filters = append(filters, g)
	}
	if len(c.GitignoreExcludes) > 0 {
		filters = append(filters, filterset.NewGitIgnore(c.GitignoreExcludes))
	}
	return filterset.Chain(filters...), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool_cap", 5)
	v.SetDefault("retry_budget", 2)
}

// Load reads reposync.{yaml,json,toml} from the current directory (or any
// path added by the caller) via viper, then layers an optional
// .reposync.jsonc override — comments-friendly, for hand-edited local
// tweaks — on top via mapstructure, and finally resolves Root and
// InstalledCopyPath through homedir expansion and an XDG-based default.
func Load(searchPaths ...string) (*RepositoryConfig, error) {
	v := viper.New()
	v.SetConfigName("reposync")
	v.AddConfigPath(".")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading reposync config")
		}
	}

	var cfg RepositoryConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling reposync config")
	}

	if err := applyJSONCOverride(&cfg, ".reposync.jsonc"); err != nil {
		return nil, err
	}

	root, err := resolveRoot(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root

	if cfg.InstalledCopyPath != "" {
		expanded, err := homedir.Expand(cfg.InstalledCopyPath)
		if err != nil {
			return nil, errors.Wrap(err, "expanding installed_copy_path")
		}
		cfg.InstalledCopyPath = expanded
	}

	return &cfg, nil
}

// applyJSONCOverride merges a comments-friendly override file on top of cfg,
// if present. Missing is not an error; anything else is.
func applyJSONCOverride(cfg *RepositoryConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "reading .reposync.jsonc")
	}

	var override map[string]interface{}
	if err := jsonc.Unmarshal(raw, &override); err != nil {
		return errors.Wrap(err, "parsing .reposync.jsonc")
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "building jsonc override decoder")
	}
	if err := dec.Decode(override); err != nil {
		return errors.Wrap(err, "applying .reposync.jsonc override")
	}
	return nil
}

// resolveRoot expands a leading ~, and falls back to the fixed XDG cache
// path reposync/root when unset, matching the teacher's
// fs.GetTempDir default-location role.
func resolveRoot(root string) (string, error) {
	if root == "" {
		dir, err := xdg.CacheFile(filepath.Join("reposync", "root"))
		if err != nil {
			return "", errors.Wrap(err, "resolving default cache root")
		}
		return dir, nil
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return "", errors.Wrap(err, "expanding root")
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", errors.Wrap(err, "resolving absolute root")
	}
	return abs, nil
}

// Validate reports the first configuration problem that would otherwise
// surface confusingly deep inside Repository.New.
func (c *RepositoryConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.PoolCap <= 0 {
		return fmt.Errorf("pool_cap must be positive, got %d", c.PoolCap)
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("retry_budget must be non-negative, got %d", c.RetryBudget)
	}
	return nil
}
