package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/medvertical/fhir-validation-engine/config"
	"github.com/medvertical/fhir-validation-engine/settings"
)

// printYAML renders v the same way settings backups are encoded,
// keeping the CLI's settings representation consistent with the one
// persisted to disk.
func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(v)
}

func newSettingsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and manage versioned validation settings",
	}

	cmd.AddCommand(newSettingsGetCmd(cfg))
	cmd.AddCommand(newSettingsSetCmd(cfg))
	cmd.AddCommand(newSettingsPresetsCmd(cfg))
	cmd.AddCommand(newSettingsRollbackCmd(cfg))

	return cmd
}

func newSettingsGetCmd(cfg *config.Config) *cobra.Command {
	var lineage string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the active settings, or a lineage's version history",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, log, err := openSettingsDeps(*cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			svc := newSettingsService(db, log)

			if lineage == "" {
				active, err := svc.GetActiveSettings(cmd.Context())
				if err != nil {
					return fmt.Errorf("get active settings: %w", err)
				}
				return printYAML(cmd.OutOrStdout(), active)
			}

			history, err := svc.GetHistory(cmd.Context(), lineage, 0, 0)
			if err != nil {
				return fmt.Errorf("get history: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), history)
		},
	}

	cmd.Flags().StringVar(&lineage, "lineage", "", "print this lineage's version history instead of the active settings")
	return cmd
}

func newSettingsSetCmd(cfg *config.Config) *cobra.Command {
	var (
		file     string
		lineage  string
		actor    string
		activate bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create a new settings version from a YAML file",
		Long: `set reads a Settings value from --file (the same YAML shape a
backup is stored in) and creates a new version. With --lineage, it adds
a version to that existing lineage instead of starting a new one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			var candidate settings.Settings
			if err := yaml.Unmarshal(content, &candidate); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			db, log, err := openSettingsDeps(*cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			svc := newSettingsService(db, log)

			var result *settings.Settings
			if lineage == "" {
				result, err = svc.CreateSettings(cmd.Context(), candidate, actor)
			} else {
				result, err = svc.UpdateSettings(cmd.Context(), lineage, candidate, actor, activate)
			}
			if err != nil {
				return fmt.Errorf("save settings: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML file containing a Settings value")
	cmd.Flags().StringVar(&lineage, "lineage", "", "add a version to this existing lineage instead of creating a new one")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the new version immediately")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSettingsPresetsCmd(cfg *config.Config) *cobra.Command {
	var (
		apply string
		actor string
	)

	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List built-in settings presets, or apply one with --apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apply == "" {
				for _, p := range settings.Presets {
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", p.ID, p.Description)
				}
				return nil
			}

			db, log, err := openSettingsDeps(*cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			svc := newSettingsService(db, log)

			result, err := svc.ApplyPreset(cmd.Context(), apply, actor)
			if err != nil {
				return fmt.Errorf("apply preset %q: %w", apply, err)
			}
			return printYAML(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&apply, "apply", "", "apply this preset ID, creating and activating a new version")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")
	return cmd
}

func newSettingsRollbackCmd(cfg *config.Config) *cobra.Command {
	var (
		lineage string
		version int
		actor   string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Reactivate a prior version within a settings lineage",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, log, err := openSettingsDeps(*cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			svc := newSettingsService(db, log)

			result, err := svc.RollbackToVersion(cmd.Context(), lineage, version, actor)
			if err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&lineage, "lineage", "", "settings lineage to roll back")
	cmd.Flags().IntVar(&version, "version", 0, "version number to reactivate")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail")
	_ = cmd.MarkFlagRequired("lineage")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func openSettingsDeps(cfg config.Config) (*sqlx.DB, *zap.Logger, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, log, nil
}
