package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tresor/internal/app"
	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/models"
)

// skipApp marks commands that run without the wired application.
const skipApp = "skip-app"

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool
	userID     int64

	cfg    *config.Config
	logger *events.Logger
	tresor *app.App
)

var rootCmd = &cobra.Command{
	Use:   "tresor",
	Short: "Multi-party password manager",
	Long: `tresor keeps secrets encrypted under per-user key pairs that are
unlocked by authentication plugins. Secrets can be shared with users and
with groups whose access key is split between members.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if tresor != nil {
			if err := tresor.Close(); err != nil {
				logger.WithError(err).Warn("Close failed")
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default searches ./tresor.yaml, ~/.config/tresor, /etc/tresor)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
	rootCmd.PersistentFlags().Int64VarP(&userID, "user", "u", 0,
		"Directory id of the acting user")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   models.PublicMessage(err),
				"code":    models.Code(err),
			})
		} else {
			printError("%s", models.PublicMessage(err))
		}
		if logger != nil {
			logger.WithError(err).Debug("Command failed")
		}
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(cfgFile)
	var err error
	if cfg, err = loader.Load(); err != nil {
		return &models.ConfigurationError{Setting: "config", Value: cfgFile, Err: err}
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	if logger, err = events.NewLogger(&cfg.Log); err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)
	if file := loader.ConfigFile(); file != "" {
		logger.WithField("file", file).Debug("Loaded config")
	}

	if cmd.Annotations[skipApp] != "" {
		return nil
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	tresor, err = app.New(cmd.Context(), cfg, logger)
	return err
}

// requireUser checks --user was given.
func requireUser() error {
	if userID <= 0 {
		return &models.PolicyError{Reason: "--user is required", Err: errors.New("no acting user")}
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, "✓ "+format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, "! "+format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}
