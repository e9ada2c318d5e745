package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory, system keys and an example config",
	Long: `Init creates the data directory and the system keys. With the file
key source the keys are written to storage.key_dir; an existing key is
never replaced.`,
	Example: `  tresor init
  tresor init --write-config ./tresor.yaml`,
	Annotations: map[string]string{skipApp: "true"},
	RunE:        runInit,
}

var initWriteConfig string

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initWriteConfig, "write-config", "",
		"Write an example config file to this path")
}

func runInit(cmd *cobra.Command, _ []string) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if initWriteConfig != "" {
		if _, err := os.Stat(initWriteConfig); err == nil {
			printWarning("Config %s exists, leaving it alone", initWriteConfig)
		} else if errors.Is(err, os.ErrNotExist) {
			if err := config.SaveExample(initWriteConfig); err != nil {
				return err
			}
			printInfo("Wrote example config to %s", initWriteConfig)
		} else {
			return err
		}
	}

	if cfg.Keys.Source == "file" {
		files, err := storage.NewLocalStore(cfg.Storage.KeyDir, logger)
		if err != nil {
			return err
		}
		keys := keystore.New(keystore.NewFileSource(files, crypto.NewSystemRandom(), logger))
		if err := keys.Preload(cmd.Context()); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"data_dir": cfg.Storage.DataDir,
			"key_dir":  cfg.Storage.KeyDir,
		})
		return nil
	}
	printSuccess("Initialized %s", filepath.Clean(cfg.Storage.DataDir))
	if cfg.Directory.File == "" {
		printWarning("Set directory.file to a YAML file listing users and groups")
	}
	return nil
}
