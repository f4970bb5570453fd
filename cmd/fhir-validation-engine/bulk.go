package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/bulk"
	"github.com/medvertical/fhir-validation-engine/config"
	"github.com/medvertical/fhir-validation-engine/engine"
	"github.com/medvertical/fhir-validation-engine/fhirclient"
	"github.com/medvertical/fhir-validation-engine/fingerprint"
	"github.com/medvertical/fhir-validation-engine/settings"
	"github.com/medvertical/fhir-validation-engine/store"
	"github.com/medvertical/fhir-validation-engine/validation"
)

// There is no HTTP transport fronting this process (spec.md §1 scopes
// that out), so a running "bulk start" has no address a separate CLI
// invocation could signal. The durable BoltDB checkpoint is the only
// state that crosses process boundaries: "start" always checks it
// before walking, "resume" is that same check named explicitly, "stop"
// and "status" act on it directly without needing a live orchestrator,
// and "pause" can only describe the Ctrl-C path "start" itself installs.

func newBulkCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Walk a FHIR server end to end, validating every resource",
	}

	cmd.AddCommand(newBulkStartCmd(cfg))
	cmd.AddCommand(newBulkResumeCmd(cfg))
	cmd.AddCommand(newBulkPauseCmd())
	cmd.AddCommand(newBulkStopCmd())
	cmd.AddCommand(newBulkStatusCmd())

	return cmd
}

type bulkWalkFlags struct {
	serverID       string
	baseURL        string
	checkpointFile string
	fhirVersion    string
}

func addBulkWalkFlags(cmd *cobra.Command, f *bulkWalkFlags) {
	cmd.Flags().StringVar(&f.serverID, "server-id", "default", "identifier for this server's checkpoint/resume state")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "FHIR server base URL")
	cmd.Flags().StringVar(&f.checkpointFile, "checkpoint-file", "bulk-checkpoints.db", "BoltDB file for resumable checkpoints")
	cmd.Flags().StringVarP(&f.fhirVersion, "fhir-version", "r", string(fv.R4), "FHIR version (R4, R4B, R5)")
	_ = cmd.MarkFlagRequired("base-url")
}

func newBulkStartCmd(cfg *config.Config) *cobra.Command {
	f := &bulkWalkFlags{}
	var force bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a bulk validation walk, resuming from a checkpoint unless --force",
		Long: `start walks every resource type on the server and validates
each resource. Unless --force is given, it resumes from the last saved
checkpoint rather than starting over. Press Ctrl-C to pause the walk: a
checkpoint is saved before the process exits, and running "start" again
(or "resume") continues from there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBulkWalk(cmd, *cfg, f, force)
		},
	}
	addBulkWalkFlags(cmd, f)
	cmd.Flags().BoolVar(&force, "force", false, "ignore any saved checkpoint and start from the beginning")
	return cmd
}

func newBulkResumeCmd(cfg *config.Config) *cobra.Command {
	f := &bulkWalkFlags{}

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused bulk validation walk from its last checkpoint",
		Long: `resume is "start" without --force, named explicitly: the
orchestrator always checks for a saved checkpoint before walking, so
this is the same operation under the name an operator expects after a
pause.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBulkWalk(cmd, *cfg, f, false)
		},
	}
	addBulkWalkFlags(cmd, f)
	return cmd
}

func newBulkPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause a running bulk validation walk",
		Long: `There is no separate daemon process to signal: "bulk start"
runs the walk in the foreground of its own process and installs a
Ctrl-C handler that pauses it, saving a checkpoint before exiting. Press
Ctrl-C in that process's terminal to pause it; this subcommand exists
only to say so.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), `press Ctrl-C in the "bulk start" process to pause it; a checkpoint is saved before it exits`)
			return nil
		},
	}
}

func newBulkStopCmd() *cobra.Command {
	var (
		serverID       string
		checkpointFile string
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Clear a server's saved checkpoint, so the next start begins fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpoints, err := bulk.OpenBoltCheckpointStore(checkpointFile)
			if err != nil {
				return err
			}
			defer checkpoints.Close()

			if err := checkpoints.Clear(serverID); err != nil {
				return fmt.Errorf("clear checkpoint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared checkpoint for server %q\n", serverID)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", "default", "identifier for this server's checkpoint/resume state")
	cmd.Flags().StringVar(&checkpointFile, "checkpoint-file", "bulk-checkpoints.db", "BoltDB file for resumable checkpoints")
	return cmd
}

func newBulkStatusCmd() *cobra.Command {
	var (
		serverID       string
		checkpointFile string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the saved checkpoint for a server, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpoints, err := bulk.OpenBoltCheckpointStore(checkpointFile)
			if err != nil {
				return err
			}
			defer checkpoints.Close()

			resume, err := checkpoints.Load(serverID)
			if err != nil {
				return fmt.Errorf("load checkpoint: %w", err)
			}
			if resume == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no checkpoint for server %q: idle, or never walked\n", serverID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %q paused at resource type %s, offset %d (saved %s)\n",
				serverID, resume.Type, resume.Offset, resume.SavedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", "default", "identifier for this server's checkpoint/resume state")
	cmd.Flags().StringVar(&checkpointFile, "checkpoint-file", "bulk-checkpoints.db", "BoltDB file for resumable checkpoints")
	return cmd
}

func runBulkWalk(cmd *cobra.Command, cfg config.Config, f *bulkWalkFlags, force bool) error {
	version, err := parseFHIRVersion(f.fhirVersion)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	checkpoints, err := bulk.OpenBoltCheckpointStore(f.checkpointFile)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	svc := newSettingsService(db, log)
	enabled, settingsHash, err := activeEnabledAspects(ctx, svc)
	if err != nil {
		return err
	}

	v, err := engine.New(ctx, version)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	defer v.Close()

	activeFunc := func() *settings.Settings {
		active, err := svc.GetActiveSettings(ctx)
		if err != nil {
			return nil
		}
		return active
	}
	termCache, err := wireServices(v, version, cfg.RedisAddr, activeFunc)
	if err != nil {
		return fmt.Errorf("wire validator services: %w", err)
	}
	defer termCache.Close() //nolint:errcheck

	results := fingerprint.New(store.NewResultRepository(db), 1000)
	client := fhirclient.New(f.baseURL)

	orch := bulk.New(f.serverID, client, newBatchValidator(v, results, settingsHash, enabled), checkpoints, bulk.DefaultConfig())

	events, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go printBulkEvents(out, events)

	if err := orch.Start(ctx, force); err != nil {
		return fmt.Errorf("start bulk walk: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	interrupted := false
	for {
		state, _ := orch.State()
		if state == bulk.StateIdle || state == bulk.StatePaused {
			break
		}
		select {
		case <-sigCh:
			if !interrupted {
				interrupted = true
				fmt.Fprintln(out, "interrupt received, pausing at the next safe boundary...")
				if err := orch.Pause(); err != nil {
					return fmt.Errorf("pause: %w", err)
				}
			}
		case <-time.After(100 * time.Millisecond):
		}
	}

	state, counters := orch.State()
	if state == bulk.StatePaused {
		fmt.Fprintf(out, "paused: processed=%d valid=%d error=%d\n", counters.Processed, counters.Valid, counters.Error)
	} else {
		fmt.Fprintf(out, "completed: processed=%d valid=%d error=%d\n", counters.Processed, counters.Valid, counters.Error)
	}
	return nil
}

func printBulkEvents(w io.Writer, events <-chan bulk.Event) {
	for e := range events {
		if e.Type != bulk.EventBatchCompleted {
			continue
		}
		fmt.Fprintf(w, "%s: processed=%d valid=%d error=%d\n", e.ResourceType, e.Counters.Processed, e.Counters.Valid, e.Counters.Error)
	}
}

// newBatchValidator adapts engine.Validator into a bulk.BatchValidator:
// it hashes each resource, skips revalidation of an unchanged resource
// under an unchanged settings snapshot via the fingerprint cache, and
// persists every fresh result.
func newBatchValidator(v *engine.Validator, results *fingerprint.Cache, settingsHash string, enabled map[fv.Aspect]bool) bulk.BatchValidator {
	return func(ctx context.Context, resourceType string, resources [][]byte) ([]int, error) {
		scores := make([]int, len(resources))

		for i, raw := range resources {
			id := resourceRecordID(resourceType, raw)

			resourceHash, err := validation.CanonicalHash(raw)
			if err != nil {
				return nil, fmt.Errorf("hash %s: %w", id, err)
			}

			cached, err := results.Lookup(ctx, id, settingsHash, resourceHash)
			if err != nil {
				return nil, fmt.Errorf("lookup %s: %w", id, err)
			}
			if cached != nil {
				scores[i] = cached.ValidationScore
				continue
			}

			result, err := v.Validate(ctx, raw)
			if err != nil {
				return nil, fmt.Errorf("validate %s: %w", id, err)
			}

			_, scored := validation.Score(result.Issues, enabled)
			scored.ResourceRecordID = id
			scored.SettingsHash = settingsHash
			scored.ResourceHash = resourceHash

			if err := results.Store(ctx, &scored); err != nil {
				return nil, fmt.Errorf("store result for %s: %w", id, err)
			}
			scores[i] = scored.ValidationScore
		}

		return scores, nil
	}
}

func resourceRecordID(resourceType string, raw []byte) string {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ID == "" {
		return resourceType
	}
	return resourceType + "/" + ref.ID
}
