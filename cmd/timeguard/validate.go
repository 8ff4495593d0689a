package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/timeguard/internal/config"
	"github.com/goodtune/timeguard/internal/policy"
	"github.com/goodtune/timeguard/internal/rules"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and rules files",
	Long:  `Validate the TimeGuard configuration file and the rules file it points to, listing rule entries that would be dropped.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil && !isMissing(err) {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	red := color.New(color.FgRed, color.Bold)
	if len(unknownKeys) > 0 {
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// Validate rules file
	rs, report, err := rules.LoadFile(cfg.Rules.Path, cfg.Rules.URLCacheSize)
	switch {
	case err != nil && isMissing(err):
		_, _ = fmt.Fprintf(os.Stdout, "⚠️  Rules file not found: %s (everything is allowed until rules arrive)\n", cfg.Rules.Path)
	case err != nil:
		fmt.Fprintf(os.Stderr, "❌ Rules validation failed: %v\n", err)
		return err
	default:
		_, _ = fmt.Fprintf(os.Stdout, "✅ Rules are valid: %s\n", cfg.Rules.Path)
		printRulesSummary(rs, report)
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

func isMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

// findUnknownKeys returns keys present in the config file that have no default
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	config.SetDefaults(known)
	validKeys := make(map[string]bool)
	for _, key := range known.AllKeys() {
		validKeys[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// printRulesSummary prints rule counts and every dropped entry
func printRulesSummary(rs *policy.RuleSet, report *rules.Report) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	_, _ = cyan.Println("\n[rules]")
	fmt.Printf("  fingerprint      = %s\n", rs.Fingerprint())
	fmt.Printf("  blocked_packages = %d\n", len(rs.BlockedApps()))
	fmt.Printf("  blocked_urls     = %d\n", len(rs.BlockedURLs()))
	fmt.Printf("  time_limits      = %d\n", len(rs.TimeLimits()))
	fmt.Printf("  geofences        = %d\n", rs.Geofences().Len())
	for _, f := range rs.Geofences().Fences() {
		fmt.Printf("    %s: %.6f, %.6f r=%.0fm apps=%d\n", f.Name, f.Center.Lat, f.Center.Lon, f.RadiusMeters, len(f.BlockedApps))
	}

	if report.Len() > 0 {
		fmt.Println()
		yellow.Printf("⚠️  %d rule entries will be dropped:\n", report.Len())
		for _, d := range report.Dropped {
			yellow.Printf("   - %s\n", d)
		}
	}
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  admin_api", cfg.Server.AdminAPI, defaultCfg.Server.AdminAPI, yellow, green)
	dumpField("  admin_token", redactPassword(cfg.Server.AdminToken), redactPassword(defaultCfg.Server.AdminToken), yellow, green)

	// Engine
	_, _ = cyan.Println("\n[engine]")
	dumpField("  host_app_id", cfg.Engine.HostAppID, defaultCfg.Engine.HostAppID, yellow, green)
	dumpField("  exempt_apps", cfg.Engine.ExemptApps, defaultCfg.Engine.ExemptApps, yellow, green)
	dumpField("  tick_interval", cfg.Engine.TickInterval, defaultCfg.Engine.TickInterval, yellow, green)

	// Rules
	_, _ = cyan.Println("\n[rules]")
	dumpField("  path", cfg.Rules.Path, defaultCfg.Rules.Path, yellow, green)
	dumpField("  url_cache_size", cfg.Rules.URLCacheSize, defaultCfg.Rules.URLCacheSize, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	// Usage
	_, _ = cyan.Println("\n[usage]")
	dumpField("  retention_days", cfg.Usage.RetentionDays, defaultCfg.Usage.RetentionDays, yellow, green)
	dumpField("  cleanup_time", cfg.Usage.CleanupTime, defaultCfg.Usage.CleanupTime, yellow, green)

	// Feed
	_, _ = cyan.Println("\n[feed]")
	dumpField("  enabled", cfg.Feed.Enabled, defaultCfg.Feed.Enabled, yellow, green)
	dumpField("  url", cfg.Feed.URL, defaultCfg.Feed.URL, yellow, green)
	_, _ = cyan.Println("  [feed.subjects]")
	dumpField("    rules", cfg.Feed.Subjects.Rules, defaultCfg.Feed.Subjects.Rules, yellow, green)
	dumpField("    location", cfg.Feed.Subjects.Location, defaultCfg.Feed.Subjects.Location, yellow, green)
	dumpField("    foreground", cfg.Feed.Subjects.Foreground, defaultCfg.Feed.Subjects.Foreground, yellow, green)
	dumpField("    url", cfg.Feed.Subjects.URL, defaultCfg.Feed.Subjects.URL, yellow, green)
	dumpField("    decisions", cfg.Feed.Subjects.Decisions, defaultCfg.Feed.Subjects.Decisions, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
