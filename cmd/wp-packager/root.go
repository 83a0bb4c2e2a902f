package main

import (
	"os"
	"strings"
	"time"

	"github.com/fgeck/wp-packager/internal/config"
	"github.com/fgeck/wp-packager/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// Packaging flags.
	outputDir string
	dryRun    bool
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "wp-packager [flags] DIR...",
	Short: "Back up WordPress sites into timestamped archives",
	Long: `wp-packager backs up WordPress installations. For every directory given it:
  - finds each wp-config.php below it
  - dumps every referenced database with mysqldump
  - archives the directory and the dumps with tar
  - optionally copies the archive to a backup host over SSH
  - removes the intermediate dumps

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Args:         cobra.MinimumNArgs(1),
	RunE:         runPackager,
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional YAML settings file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory for archives (required unless set in --config)")
	rootCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "log commands without executing them or deleting files")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "timeout per external command (0 disables)")

	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig merges defaults, the optional settings file and the flags the
// user set, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*models.PackagerConfig, error) {
	cfg := config.Defaults()

	if configFile != "" {
		parser := config.NewParser()
		loaded, err := parser.LoadFile(configFile)
		if err != nil {
			log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
			return nil, err
		}
		cfg = *loaded
	}

	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Output = outputDir
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}

	return &cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
