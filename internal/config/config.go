// Package config assembles and validates MagicFS's runtime configuration
// from CLI flags and environment overrides.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"magicfs/internal/model"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	Mountpoint string
	WatchRoots []string
	DataDir    string
	ModelTag   string
	LogLevel   string
	ChunkSize  int
	ScoreAgg   model.ScoreAggregation
	TrashMode  bool

	// TrashSchedule and TrashThreshold configure the background sweep that
	// expires soft-deleted tag edges when TrashMode is on.
	TrashSchedule  string
	TrashThreshold time.Duration
}

// Parse builds a Config from CLI args (flag package) with environment
// variable overrides applied afterward, then validates it.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("magicfsd", flag.ContinueOnError)

	mountpoint := fs.String("mountpoint", "", "path to mount the MagicFS virtual filesystem")
	watchRoots := fs.String("watch", "", "comma-separated list of directories to index and watch")
	dataDir := fs.String("data-dir", defaultDataDir(), "directory for the daemon's database and archive storage")
	modelTag := fs.String("model", "default", "embedding model identity, used to namespace the database")
	logLevel := fs.String("log-level", "info", "log level: error, warn, info, debug, trace")
	chunkSize := fs.Int("chunk-size", 300, "maximum characters per indexed chunk")
	scoreAgg := fs.String("score-agg", "min", "per-file score aggregation: min or mean")
	trashMode := fs.Bool("trash", false, "interpret unlink in a tag view as a soft @trash edge")
	trashSchedule := fs.String("trash-schedule", "*/15 * * * *", "cron expression for the trash sweep")
	trashThreshold := fs.Duration("trash-threshold", 7*24*time.Hour, "how long a trashed edge survives before the sweep removes it")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Mountpoint:     *mountpoint,
		WatchRoots:     splitNonEmpty(*watchRoots),
		DataDir:        *dataDir,
		ModelTag:       *modelTag,
		LogLevel:       *logLevel,
		ChunkSize:      *chunkSize,
		TrashMode:      *trashMode,
		TrashSchedule:  *trashSchedule,
		TrashThreshold: *trashThreshold,
	}

	if agg, err := parseAggregation(*scoreAgg); err != nil {
		return nil, err
	} else {
		cfg.ScoreAgg = agg
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAGICFS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MAGICFS_MODEL"); v != "" {
		cfg.ModelTag = v
	}
	if v := os.Getenv("MAGICFS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAGICFS_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("MAGICFS_SCORE_AGG"); v != "" {
		if agg, err := parseAggregation(v); err == nil {
			cfg.ScoreAgg = agg
		}
	}
	if v := os.Getenv("MAGICFS_TRASH"); v != "" {
		cfg.TrashMode = v == "1" || strings.EqualFold(v, "true")
	}
}

func parseAggregation(s string) (model.ScoreAggregation, error) {
	switch strings.ToLower(s) {
	case "min", "":
		return model.AggregateMin, nil
	case "mean":
		return model.AggregateMean, nil
	default:
		return 0, fmt.Errorf("unknown score aggregation %q (want min or mean)", s)
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "magicfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".magicfs"
	}
	return filepath.Join(home, ".local", "share", "magicfs")
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate enforces the feedback-loop guard and basic filesystem sanity:
// the mountpoint and every watch root must exist, the mountpoint must be
// writable, and no watch root may contain (or be contained by) the
// mountpoint.
func (c *Config) Validate() error {
	if c.Mountpoint == "" {
		return fmt.Errorf("mountpoint is required")
	}
	if len(c.WatchRoots) == 0 {
		return fmt.Errorf("at least one watch root is required")
	}

	mount, err := filepath.Abs(c.Mountpoint)
	if err != nil {
		return fmt.Errorf("resolve mountpoint: %w", err)
	}
	c.Mountpoint = mount

	if info, err := os.Stat(mount); err != nil || !info.IsDir() {
		return fmt.Errorf("mountpoint %s is not a directory", mount)
	}
	// 2 is W_OK: the mountpoint must be writable by this process.
	if err := syscall.Access(mount, 2); err != nil {
		return fmt.Errorf("mountpoint %s is not writable: %w", mount, err)
	}

	resolved := make([]string, 0, len(c.WatchRoots))
	for _, root := range c.WatchRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve watch root %s: %w", root, err)
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return fmt.Errorf("watch root %s is not a directory", abs)
		}
		if isAncestorOrSelf(abs, mount) || isAncestorOrSelf(mount, abs) {
			return fmt.Errorf("feedback loop: watch root %s and mountpoint %s contain one another", abs, mount)
		}
		resolved = append(resolved, abs)
	}
	c.WatchRoots = resolved

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	return nil
}

// isAncestorOrSelf reports whether candidate is path or a parent directory
// of path.
func isAncestorOrSelf(candidate, path string) bool {
	rel, err := filepath.Rel(candidate, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "")
}

// DatabasePath returns the per-model database path: switching embedding
// models never blends incompatible vector dimensions because each model
// tag gets its own file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("index-%s.db", sanitizeModelTag(c.ModelTag)))
}

// ArchiveDir is where the Landing Zone Pattern physically stores files
// created or moved into a tag directory.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive")
}

// InboxDir is the system-managed inbox directory where untagged files land.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataDir, "inbox")
}

// sanitizeModelTag maps a model tag to a safe filename component.
func sanitizeModelTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
