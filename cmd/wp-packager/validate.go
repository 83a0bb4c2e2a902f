package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgeck/wp-packager/internal/services/scanner"
	"github.com/fgeck/wp-packager/internal/services/ssh"
	"github.com/fgeck/wp-packager/internal/services/wpconfig"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkRemote bool

var validateCmd = &cobra.Command{
	Use:   "validate [flags] [DIR...]",
	Short: "Validate settings and WordPress configs",
	Long: `Validate the settings file and every wp-config.php found below the given
directories without dumping or archiving anything.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&checkRemote, "check-remote", false, "test the SSH connection to the backup host")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Print configuration summary
	fmt.Println("Settings:")
	if configFile != "" {
		fmt.Printf("  File: %s\n", configFile)
	}
	if cfg.Output != "" {
		fmt.Printf("  Output: %s\n", cfg.Output)
	} else {
		fmt.Println("  Output: (not set, pass --output)")
	}
	fmt.Printf("  Dump: %s %v\n", cfg.Dump.Binary, cfg.Dump.ExtraArgs)
	fmt.Printf("  Archiver: %s\n", cfg.Archive.Binary)
	if cfg.Timeout > 0 {
		fmt.Printf("  Timeout: %s\n", cfg.Timeout)
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Remote upload: %v\n", cfg.Remote != nil)
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.Remote != nil && cfg.Remote.WOL != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.Remote != nil {
		fmt.Println()
		fmt.Println("Remote Configuration:")
		fmt.Printf("  Host: %s\n", ssh.Address(*cfg.Remote))
		fmt.Printf("  Username: %s\n", cfg.Remote.Username)
		fmt.Printf("  Path: %s\n", cfg.Remote.Path)
		if cfg.Remote.WOL != nil {
			fmt.Printf("  WOL MAC Address: %s\n", cfg.Remote.WOL.MACAddress)
		}
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	scannerSvc := scanner.New(log.Logger)
	parser := wpconfig.New(log.Logger)

	for _, dir := range args {
		fmt.Println()
		fmt.Printf("Directory %s:\n", dir)

		configs, err := scannerSvc.Scan(ctx, dir)
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			errs = append(errs, err)
			continue
		}
		if len(configs) == 0 {
			fmt.Println("  no WordPress configs found")
			continue
		}

		for _, path := range configs {
			creds, err := parser.Parse(path)
			if err != nil {
				fmt.Printf("  %s: %v\n", path, err)
				errs = append(errs, err)
				continue
			}
			fmt.Printf("  %s: database=%s user=%s host=%s password=%s\n",
				path, creds.Name, creds.User, creds.Host, maskPassword(creds.Password))
		}
	}

	if checkRemote && cfg.Remote != nil {
		fmt.Println()
		fmt.Println("Testing SSH connection...")

		testCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		result, err := ssh.New(log.Logger).TestConnection(testCtx, *cfg.Remote)
		if err == nil {
			err = result.Error
		}
		if err != nil {
			fmt.Printf("  failed: %v\n", err)
			errs = append(errs, err)
		} else {
			fmt.Println("  OK")
		}
	}

	if len(errs) > 0 {
		log.Error().Int("errors", len(errs)).Msg("validation failed")
		return errors.Join(errs...)
	}

	fmt.Println()
	fmt.Println("Configuration is valid!")
	return nil
}

func maskPassword(password string) string {
	if password == "" {
		return "(empty)"
	}
	return "********"
}
