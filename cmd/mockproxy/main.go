package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mockproxy",
	Short: "Recording HTTP proxy with switchable mock responses",
	Long: `MockProxy sits between a client and an upstream HTTP service.

Every request is recorded. Requests that match an active mock are answered
locally, everything else is forwarded to the upstream target. A dashboard API
exposes the request log, the mock definitions and a realtime event stream.
`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().String("storage-driver", "", "Storage driver (sqlite, memory)")
	rootCmd.PersistentFlags().String("storage-path", "", "SQLite database path")

	rootCmd.Flags().IntP("port", "p", 0, "Proxy listen port")
	rootCmd.Flags().StringP("target", "t", "", "Upstream target URL")
	rootCmd.Flags().Bool("secure", false, "Verify the upstream TLS certificate")
	rootCmd.Flags().Int("timeout", 0, "Upstream response header timeout in seconds")
	rootCmd.Flags().Bool("h2c", false, "Accept cleartext HTTP/2 on the proxy listener")
	rootCmd.Flags().Bool("tls", false, "Serve the proxy over TLS")
	rootCmd.Flags().String("tls-cert", "", "TLS certificate path")
	rootCmd.Flags().String("tls-key", "", "TLS private key path")
	rootCmd.Flags().Bool("dashboard-enable", false, "Enable/disable the dashboard API")
	rootCmd.Flags().Int("dashboard-port", 0, "Dashboard API listen port")
	rootCmd.Flags().String("api-path", "", "Dashboard API path prefix")
	rootCmd.Flags().String("seed-mocks", "", "Mock file imported at startup")
	rootCmd.Flags().String("output", "", "Console output mode (console, json)")
	rootCmd.Flags().Bool("silence", false, "Suppress exchange output")
	rootCmd.Flags().Bool("log-file-enable", false, "Enable file logging")
	rootCmd.Flags().String("log-file-path", "", "Log file path")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd, newMocksCmd(), newLogsCmd())
}

func bindFlags(cmd *cobra.Command) {
	bindings := map[string]string{
		"log.level":               "log-level",
		"storage.driver":          "storage-driver",
		"storage.path":            "storage-path",
		"proxy.port":              "port",
		"proxy.target":            "target",
		"proxy.secure":            "secure",
		"proxy.timeout":           "timeout",
		"proxy.h2c":               "h2c",
		"tls.enable":              "tls",
		"tls.cert_path":           "tls-cert",
		"tls.key_path":            "tls-key",
		"dashboard.enable":        "dashboard-enable",
		"dashboard.port":          "dashboard-port",
		"dashboard.api_path":      "api-path",
		"mocks.seed_file":         "seed-mocks",
		"output.mode":             "output",
		"output.silence":          "silence",
		"log.file_logging.enable": "log-file-enable",
		"log.file_logging.path":   "log-file-path",
	}
	for key, name := range bindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		viper.BindPFlag(key, flag)
	}
}

// loadConfig reads the configuration file, environment and bound flags, then
// validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	printStartupBanner(cfg, log)
	return srv.Start()
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("MockProxy version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func printStartupBanner(cfg *config.Config, log logger.Logger) {
	titleLine := fmt.Sprintf("MockProxy v%s", version)
	subtitleLine := "Recording Proxy & Mock Server"

	scheme := "http"
	if cfg.TLS.Enable {
		scheme = "https"
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("🚀 Proxy:          %s://0.0.0.0:%d", scheme, cfg.Proxy.Port))
	lines = append(lines, fmt.Sprintf("🎯 Target:         %s", cfg.Proxy.Target))
	if mode := cfg.Proxy.PathStrategy.Mode; mode != "" && mode != "append" {
		lines = append(lines, fmt.Sprintf("   └─ Path mode:   %s", mode))
	}
	lines = append(lines, fmt.Sprintf("📊 Log Level:      %s", cfg.Log.Level))
	if cfg.Dashboard.Enable {
		lines = append(lines, fmt.Sprintf("🖥️ Dashboard:      http://0.0.0.0:%d%s", cfg.Dashboard.Port, cfg.Dashboard.APIPath))
		lines = append(lines, fmt.Sprintf("   └─ Events:      %s/logs/stream, %s/ws", cfg.Dashboard.APIPath, cfg.Dashboard.APIPath))
	} else {
		lines = append(lines, "🖥️ Dashboard:      Disabled")
	}

	lines = append(lines, "")
	storageLine := fmt.Sprintf("💾 Storage:        %s", cfg.Storage.Driver)
	if cfg.Storage.Driver != "memory" {
		storageLine += fmt.Sprintf(" (%s)", cfg.Storage.Path)
	}
	lines = append(lines, storageLine)
	if cfg.Storage.Retention > 0 {
		lines = append(lines, fmt.Sprintf("   └─ Retention:   %s", cfg.Storage.Retention))
	}
	if cfg.Mocks.SeedFile != "" {
		lines = append(lines, fmt.Sprintf("🧩 Seed Mocks:     %s", cfg.Mocks.SeedFile))
	}
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, fmt.Sprintf("📝 File Logging:   %s (%dMB, %d backups)",
			cfg.Log.FileLogging.Path,
			cfg.Log.FileLogging.MaxSizeMB,
			cfg.Log.FileLogging.MaxBackups))
	}

	lines = append(lines, "")
	lines = append(lines, "(Press Ctrl+C to stop)")

	maxLength := max(runewidth.StringWidth(titleLine), runewidth.StringWidth(subtitleLine))
	for _, line := range lines {
		maxLength = max(maxLength, runewidth.StringWidth(line))
	}
	boxWidth := max(maxLength+4, 50)

	fmt.Println()
	printBoxLine("┌", "┐", boxWidth)
	printBoxContent(titleLine, boxWidth, true)
	printBoxContent(subtitleLine, boxWidth, true)
	printBoxLine("├", "┤", boxWidth)
	for _, line := range lines {
		printBoxContent(line, boxWidth, false)
	}
	printBoxLine("└", "┘", boxWidth)
	fmt.Println()

	log.Info("MockProxy starting",
		"version", version,
		"proxy_port", cfg.Proxy.Port,
		"target", cfg.Proxy.Target,
		"dashboard", cfg.Dashboard.Enable,
		"dashboard_port", cfg.Dashboard.Port,
		"storage", cfg.Storage.Driver,
		"log_level", cfg.Log.Level,
	)
}

func printBoxLine(left, right string, width int) {
	fmt.Printf("%s%s%s\n", left, strings.Repeat("─", width-2), right)
}

// printBoxContent prints one padded row of the banner box.
func printBoxContent(content string, boxWidth int, center bool) {
	padding := max(boxWidth-2-runewidth.StringWidth(content), 0)

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", max(padding-2, 0))
	}
	fmt.Printf("│%s%s%s│\n", leftPad, content, rightPad)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
