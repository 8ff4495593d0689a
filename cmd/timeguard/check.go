package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/timeguard/internal/config"
	"github.com/goodtune/timeguard/internal/geo"
	"github.com/goodtune/timeguard/internal/policy"
	"github.com/goodtune/timeguard/internal/rules"
	"github.com/goodtune/timeguard/internal/storage"
	"github.com/goodtune/timeguard/internal/storage/memory"
	"github.com/goodtune/timeguard/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkRulesPath string
	checkLat       float64
	checkLon       float64
	checkUsed      int
	checkLive      bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check policy decisions interactively",
	Long:  `Check what policy decisions TimeGuard would make for an app or a URL against the configured rules file.`,
}

var checkAppCmd = &cobra.Command{
	Use:   "app [flags] APP_ID",
	Short: "Check app policy decision",
	Long:  `Check whether an app would be blocked, optionally at a location and with a given amount of usage today.`,
	Example: `  timeguard -c config.yaml check app com.roblox.client
  timeguard check app --lat 55.7539 --lon 37.6208 com.roblox.client
  timeguard check app --used 45 com.google.android.youtube
  timeguard check app --live com.google.android.youtube`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckApp,
}

var checkURLCmd = &cobra.Command{
	Use:   "url [flags] TEXT",
	Short: "Check URL policy decision",
	Long:  `Check whether URL-bar text would be blocked.`,
	Example: `  timeguard check url https://www.reddit.com/r/golang
  timeguard check url --rules ./rules.yaml example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckURL,
}

func init() {
	for _, c := range []*cobra.Command{checkAppCmd, checkURLCmd} {
		c.Flags().StringVar(&checkRulesPath, "rules", "", "Rules file (defaults to rules.path from the configuration)")
	}

	checkAppCmd.Flags().Float64Var(&checkLat, "lat", 0, "Latitude of the device")
	checkAppCmd.Flags().Float64Var(&checkLon, "lon", 0, "Longitude of the device")
	checkAppCmd.Flags().IntVar(&checkUsed, "used", 0, "Minutes already used today")
	checkAppCmd.Flags().BoolVar(&checkLive, "live", false, "Read today's usage from the configured storage")
	checkAppCmd.MarkFlagsRequiredTogether("lat", "lon")
	checkAppCmd.MarkFlagsMutuallyExclusive("used", "live")

	// Add subcommands
	checkCmd.AddCommand(checkAppCmd)
	checkCmd.AddCommand(checkURLCmd)
	rootCmd.AddCommand(checkCmd)
}

// loadCheckEngine builds an engine over the rules file and the given usage store
func loadCheckEngine(cfg *config.Config, usageStore storage.UsageStore) (*policy.Engine, *usage.Tracker, *rules.Report, error) {
	path := cfg.Rules.Path
	if checkRulesPath != "" {
		path = checkRulesPath
	}

	rs, report, err := rules.LoadFile(path, cfg.Rules.URLCacheSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load rules: %w", err)
	}

	logger := zerolog.Nop()
	tracker := usage.NewTracker(usageStore, cfg.Engine.HostAppID, logger)
	engine := policy.NewEngine(nil, tracker, nil, cfg.Engine.HostAppID, logger)
	engine.SetExemptApps(cfg.Engine.ExemptApps)
	engine.InstallRuleSet(rs)

	return engine, tracker, report, nil
}

func runCheckApp(cmd *cobra.Command, args []string) error {
	appID := args[0]
	ctx := context.Background()
	now := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var store storage.Store
	if checkLive {
		store, err = openStorage(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	} else {
		store = memory.Open()
		if checkUsed > 0 {
			if _, err := store.Usage().IncrementUsage(ctx, appID, usage.DateKey(now), checkUsed); err != nil {
				return fmt.Errorf("failed to seed usage: %w", err)
			}
		}
	}
	defer store.Close()

	engine, tracker, report, err := loadCheckEngine(cfg, store.Usage())
	if err != nil {
		return err
	}

	var point *geo.Point
	if cmd.Flags().Changed("lat") {
		point = &geo.Point{Lat: checkLat, Lon: checkLon}
		if !point.Valid() {
			return fmt.Errorf("invalid location: %v,%v", checkLat, checkLon)
		}
	}

	decision := engine.EvaluateApp(ctx, appID, now, point)

	stats, err := tracker.Stats(ctx, appID, engine.Rules().TimeLimit(appID), now)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}

	var fences []string
	if point != nil {
		fences = engine.Rules().Geofences().Containing(*point)
	}

	printAppResult(appID, point, fences, stats, decision, report)
	return nil
}

func runCheckURL(cmd *cobra.Command, args []string) error {
	text := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	engine, _, report, err := loadCheckEngine(cfg, memory.Open().Usage())
	if err != nil {
		return err
	}

	printURLResult(text, engine.DecideURL(text), report)
	return nil
}

// printAppResult prints the app check result with colors
func printAppResult(appID string, point *geo.Point, fences []string, stats *usage.UsageStats, decision policy.Decision, report *rules.Report) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	printHeader(cyan, "APP POLICY CHECK")

	fmt.Printf("App:        %s\n", appID)
	if point != nil {
		fmt.Printf("Location:   %.6f, %.6f\n", point.Lat, point.Lon)
		if len(fences) > 0 {
			fmt.Printf("Geofences:  %s\n", strings.Join(fences, ", "))
		} else {
			fmt.Printf("Geofences:  (outside all geofences)\n")
		}
	} else {
		fmt.Printf("Location:   (unknown, geofences not evaluated)\n")
	}
	if stats.LimitMinutes > 0 {
		fmt.Printf("Usage:      %d of %d minutes (%d remaining)\n", stats.UsedMinutes, stats.LimitMinutes, stats.RemainingToday)
	} else {
		fmt.Printf("Usage:      %d minutes (no limit)\n", stats.UsedMinutes)
	}
	fmt.Printf("Rules:      version %d\n", decision.RuleSetVersion)
	fmt.Println()

	printDecision(cyan, decision)

	if report.Len() > 0 {
		yellow.Printf("Warning:    %d malformed rule entries were dropped (run 'timeguard validate')\n", report.Len())
	}

	printFooter(cyan)
}

// printURLResult prints the URL check result with colors
func printURLResult(text string, decision policy.Decision, report *rules.Report) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	printHeader(cyan, "URL POLICY CHECK")

	fmt.Printf("Text:       %s\n", text)
	fmt.Printf("Normalized: %s\n", policy.NormalizeURL(text))
	fmt.Println()

	printDecision(cyan, decision)

	if report.Len() > 0 {
		yellow.Printf("Warning:    %d malformed rule entries were dropped (run 'timeguard validate')\n", report.Len())
	}

	printFooter(cyan)
}

func printHeader(cyan *color.Color, title string) {
	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println(title)
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printFooter(cyan *color.Color) {
	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printDecision(cyan *color.Color, decision policy.Decision) {
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	cyan.Print("Decision:   ")
	switch decision.Action {
	case policy.ActionAllow:
		green.Println("ALLOW")
	case policy.ActionBlock:
		red.Println("BLOCK")
	default:
		fmt.Printf("%s\n", decision.Action)
	}

	if decision.Reason != policy.ReasonNone {
		fmt.Printf("Reason:     %s\n", describeReason(decision))
	}
	if decision.MatchedRule != "" {
		fmt.Printf("Matched:    %s\n", decision.MatchedRule)
	}
}

func describeReason(d policy.Decision) string {
	switch d.Reason {
	case policy.ReasonHostApp:
		return "host app is never blocked"
	case policy.ReasonExemptApp:
		return "app is exempt from app blocking"
	case policy.ReasonNoRules:
		return "no rules installed"
	case policy.ReasonTimeLimit:
		return fmt.Sprintf("daily limit reached (%d/%d minutes)", d.UsedMinutes, d.LimitMinutes)
	case policy.ReasonBlockedApp:
		return "app is on the block list"
	case policy.ReasonGeofence:
		return "blocked inside geofence"
	case policy.ReasonBlockedURL:
		return "URL matches a blocked pattern"
	default:
		return string(d.Reason)
	}
}
