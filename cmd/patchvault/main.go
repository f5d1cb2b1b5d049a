package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/patchvault/internal/catalog"
	"github.com/MarcoPoloResearchLab/patchvault/internal/config"
	"github.com/MarcoPoloResearchLab/patchvault/internal/database"
	"github.com/MarcoPoloResearchLab/patchvault/internal/interchange"
	"github.com/MarcoPoloResearchLab/patchvault/internal/logging"
	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

var (
	cfgFile   string
	synthName string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patchvault",
		Short: "Local synthesizer patch catalog",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		statsCommand(),
		categoriesCommand(),
		exportCommand(),
		importCommand(),
		reindexCommand(),
		backupCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Catalog file path")
	cmd.PersistentFlags().String("database-mode", defaults.GetString("database.mode"), "Open mode (read-only, read-write, read-write-no-backups)")
	cmd.PersistentFlags().Int("query-workers", defaults.GetInt("query.workers"), "Concurrent query workers")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.mode", "database-mode")
	bindFlag(cmd, "query.workers", "query-workers")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// openCatalog loads configuration, builds the logger and opens the catalog.
// The caller owns the returned handle and must Close it.
func openCatalog(overrideMode *database.OpenMode) (*catalog.PatchDatabase, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	mode := appConfig.OpenMode
	if overrideMode != nil {
		mode = *overrideMode
	}

	db, err := catalog.Open(catalog.Config{
		Path:           appConfig.DatabasePath,
		Mode:           mode,
		Logger:         logger,
		Workers:        appConfig.Workers,
		BackupMaxCount: appConfig.BackupMaxCount,
		BackupMaxBytes: appConfig.BackupMaxBytes,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, logger, nil
}

func statsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show catalog counts for one synth",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openCatalog(nil)
			if err != nil {
				return err
			}
			defer db.Close()
			defer logger.Sync() //nolint:errcheck

			adapter := synth.NewRawSysex(synthName)
			total := db.GetPatchesCount(catalog.AllForSynth(adapter))
			visible := catalog.AllForSynth(adapter)
			visible.ShowHidden = false
			faves := visible
			faves.OnlyFaves = true

			fmt.Printf("catalog: %s\n", db.Path())
			fmt.Printf("patches: %d total, %d visible, %d favorites\n",
				total, db.GetPatchesCount(visible), db.GetPatchesCount(faves))

			for _, imp := range db.GetImportsList(adapter) {
				fmt.Printf("import: %s\n", imp.Description)
			}
			for _, list := range db.AllPatchLists() {
				fmt.Printf("list: %s (%s)\n", list.Name, list.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&synthName, "synth", "", "Synth name")
	_ = cmd.MarkFlagRequired("synth")
	return cmd
}

func categoriesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List category definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openCatalog(nil)
			if err != nil {
				return err
			}
			defer db.Close()
			defer logger.Sync() //nolint:errcheck

			for _, def := range db.GetCategories() {
				state := "active"
				if !def.Active {
					state = "inactive"
				}
				fmt.Printf("%2d  %-20s %s  %s\n", def.BitIndex, def.Name, def.Color, state)
			}
			return nil
		},
	}
}

func exportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all patches of one synth to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := database.ReadOnly
			db, logger, err := openCatalog(&mode)
			if err != nil {
				return err
			}
			defer db.Close()
			defer logger.Sync() //nolint:errcheck

			adapter := synth.NewRawSysex(synthName)
			patches, _ := db.GetPatches(catalog.AllForSynth(adapter), 0, -1)

			documents := make([]interchange.Document, 0, len(patches))
			for _, p := range patches {
				documents = append(documents, interchange.FromHolder(p))
			}

			raw, err := json.MarshalIndent(documents, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, raw, 0o644); err != nil {
				return err
			}
			fmt.Printf("exported %d patches to %s\n", len(documents), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&synthName, "synth", "", "Synth name")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file")
	_ = cmd.MarkFlagRequired("synth")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func importCommand() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Merge patches from a JSON file into the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(inPath)
			if err != nil {
				return err
			}
			var documents []interchange.Document
			if err := json.Unmarshal(raw, &documents); err != nil {
				return err
			}

			db, logger, err := openCatalog(nil)
			if err != nil {
				return err
			}
			defer db.Close()
			defer logger.Sync() //nolint:errcheck

			adapters := make(map[string]synth.Adapter)
			patches := make([]catalog.PatchHolder, 0, len(documents))
			for _, doc := range documents {
				adapter, ok := adapters[doc.Synth]
				if !ok {
					adapter = synth.NewRawSysex(doc.Synth)
					adapters[doc.Synth] = adapter
				}
				holder, err := interchange.ToHolder(doc, adapter)
				if err != nil {
					logger.Warn("skipping unreadable document", zap.Error(err))
					continue
				}
				holder.SourceInfo.Source = inPath
				patches = append(patches, holder)
			}

			_, inserted := db.MergePatchesIntoDatabase(patches, nil, catalog.UpdateName|catalog.UpdateCategories)
			fmt.Printf("merged %d patches, %d new\n", len(patches), inserted)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Input file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func reindexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Recompute stored fingerprints for one synth",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openCatalog(nil)
			if err != nil {
				return err
			}
			defer db.Close()
			defer logger.Sync() //nolint:errcheck

			adapter := synth.NewRawSysex(synthName)
			count := db.ReindexPatches(catalog.AllForSynth(adapter))
			if count < 0 {
				return fmt.Errorf("reindex of %s failed", synthName)
			}
			fmt.Printf("%d patches indexed for %s\n", count, synthName)
			return nil
		},
	}
	cmd.Flags().StringVar(&synthName, "synth", "", "Synth name")
	_ = cmd.MarkFlagRequired("synth")
	return cmd
}

func backupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <destination>",
		Short: "Write a consistent snapshot of the catalog to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := database.ReadOnly
			db, logger, err := openCatalog(&mode)
			if err != nil {
				return err
			}
			defer db.Close()
			defer logger.Sync() //nolint:errcheck

			path, err := db.MakeBackup(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("backup written to %s\n", path)
			return nil
		},
	}
}
