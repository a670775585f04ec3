package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Napageneral/dossier/internal/adapters"
	"github.com/Napageneral/dossier/internal/config"
	"github.com/Napageneral/dossier/internal/gemini"
	"github.com/Napageneral/dossier/internal/lineage"
	"github.com/Napageneral/dossier/internal/live"
	"github.com/Napageneral/dossier/internal/pipeline"
	"github.com/Napageneral/dossier/internal/store"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dossier",
		Short: "Layered context enrichment for your working life",
		Long: `Dossier distills your assistant chat sessions and meeting
transcripts into durable facts, clusters them into recurring themes,
synthesizes audience-ready insights, and curates markdown dossiers,
keeping provenance from every insight back to the source quotes.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("dossier %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize dossier config, directories, and store",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigPath string `json:"config_path,omitempty"`
				StorePath  string `json:"store_path,omitempty"`
				DossierDir string `json:"dossier_dir,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(err, "Failed to get config directory")
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(err, "Failed to create config directory")
			}

			cfg, err := config.Load()
			if err != nil {
				fail(err, "Failed to load config")
			}

			configPath := filepath.Join(configDir, "config.yaml")
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := cfg.Save(); err != nil {
					fail(err, "Failed to write default config")
				}
			}

			for _, dir := range []string{filepath.Dir(cfg.StorePath), cfg.DossierDir, cfg.Transcripts.Dir} {
				if err := os.MkdirAll(dir, 0755); err != nil {
					fail(err, "Failed to create %s", dir)
				}
			}

			st, err := store.Open(cfg.StorePath)
			if err != nil {
				fail(err, "Failed to open store")
			}
			if _, err := os.Stat(cfg.StorePath); os.IsNotExist(err) {
				if _, err := st.Commit(func(*store.Snapshot) error { return nil }); err != nil {
					fail(err, "Failed to initialize store")
				}
			}

			result := Result{
				OK:         true,
				Message:    "Dossier initialized successfully",
				ConfigPath: configPath,
				StorePath:  cfg.StorePath,
				DossierDir: cfg.DossierDir,
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config: %s\n", result.ConfigPath)
				fmt.Printf("✓ Store: %s\n", result.StorePath)
				fmt.Printf("✓ Dossiers: %s\n", result.DossierDir)
				fmt.Println("\nDossier initialized successfully!")
				fmt.Println("Set GEMINI_API_KEY and run 'dossier run' to build your first dossier.")
			}
		},
	})

	// run command (the full pipeline); `all` is the daemon-facing alias
	runCmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"all"},
		Short:   "Run the full enrichment pipeline",
		Long: `Run extracts facts from new and updated sources, rebuilds themes
and insights when the fact set changed, and curates the dossier
documents. Equivalent to 'layer 4'.`,
		Run: func(cmd *cobra.Command, args []string) {
			executeRun(runOptions(cmd))
		},
	}
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)

	// chats command
	chatsCmd := &cobra.Command{
		Use:   "chats",
		Short: "Run the pipeline over assistant chat sessions only",
		Run: func(cmd *cobra.Command, args []string) {
			opts := runOptions(cmd)
			opts.Types = []string{"chat"}
			executeRun(opts)
		},
	}
	addRunFlags(chatsCmd)
	rootCmd.AddCommand(chatsCmd)

	// transcripts command
	transcriptsCmd := &cobra.Command{
		Use:   "transcripts",
		Short: "Run the pipeline over meeting transcripts only",
		Run: func(cmd *cobra.Command, args []string) {
			opts := runOptions(cmd)
			opts.Types = []string{"transcript"}
			executeRun(opts)
		},
	}
	addRunFlags(transcriptsCmd)
	rootCmd.AddCommand(transcriptsCmd)

	// layer command
	layerCmd := &cobra.Command{
		Use:   "layer <n>",
		Short: "Run the pipeline through layer n (1=facts, 2=themes, 3=insights, 4=dossiers)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 || n > 4 {
				fail(nil, "Layer must be a number from 1 to 4, got %q", args[0])
			}
			opts := runOptions(cmd)
			opts.TargetLayer = n
			executeRun(opts)
		},
	}
	addRunFlags(layerCmd)
	rootCmd.AddCommand(layerCmd)

	// regenerate command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "regenerate",
		Short: "Rebuild themes, insights, and dossiers from stored facts",
		Long: `Regenerate re-runs layers 2 through 4 from the facts already in
the store, without touching sources or extraction. Use it after
changing the theme threshold or when derived layers look off.`,
		Run: func(cmd *cobra.Command, args []string) {
			_, orch, client := openPipeline()
			res, err := orch.Regenerate(cmd.Context())
			reportRun(res, err, pipeline.Options{}, client.GetUsageStats())
		},
	})

	// curate command
	curateCmd := &cobra.Command{
		Use:   "curate",
		Short: "Re-curate dossier documents from stored insights",
		Run: func(cmd *cobra.Command, args []string) {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			_, orch, _ := openPipeline()
			res, err := orch.Curate(cmd.Context(), dryRun)
			reportCurate(res, err, dryRun)
		},
	}
	curateCmd.Flags().Bool("dry-run", false, "Show the per-document delta without writing")
	rootCmd.AddCommand(curateCmd)

	// stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show store contents, last run, lock, and daemon status",
		Run: func(cmd *cobra.Command, args []string) {
			runStats()
		},
	})

	// lineage command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "lineage <id>",
		Short: "Trace an insight, theme, or fact back to its sources",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runLineage(args[0])
		},
	})

	// migrate command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Upgrade an older store file to the current schema",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail(err, "Failed to load config")
			}
			res, err := store.Migrate(cfg.StorePath, progressLogf())
			if err != nil {
				if errors.Is(err, store.ErrSchemaMismatch) {
					fail(nil, "Store does not need migration: %v", err)
				}
				fail(err, "Migration failed")
			}
			if jsonOutput {
				printJSON(struct {
					OK bool `json:"ok"`
					*store.MigrationResult
				}{true, res})
			} else {
				fmt.Printf("✓ Migrated store from v%d to v%d\n", res.FromVersion, res.ToVersion)
				fmt.Printf("  Backup: %s\n", res.BackupPath)
				fmt.Printf("  Sources: %d, Facts: %d, Processed: %d\n", res.Sources, res.Facts, res.ProcessedSources)
				fmt.Println("\nRun 'dossier regenerate' to rebuild themes and insights.")
			}
		},
	})

	// reset command
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the store and start over (requires --confirm)",
		Run: func(cmd *cobra.Command, args []string) {
			confirm, _ := cmd.Flags().GetBool("confirm")
			if !confirm {
				fail(nil, "Refusing to reset without --confirm. This wipes all extracted facts, themes, insights, and run history (a backup is kept)")
			}
			cfg, err := config.Load()
			if err != nil {
				fail(err, "Failed to load config")
			}
			st, err := store.Open(cfg.StorePath)
			if err != nil {
				fail(err, "Failed to open store")
			}
			backup, err := st.Reset()
			if err != nil {
				fail(err, "Failed to reset store")
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "backup_path": backup})
			} else {
				fmt.Println("✓ Store reset")
				if backup != "" {
					fmt.Printf("  Backup: %s\n", backup)
				}
				fmt.Println("  Dossier files keep your prose; managed sections rebuild on the next run.")
			}
		},
	}
	resetCmd.Flags().Bool("confirm", false, "Actually perform the reset")
	rootCmd.AddCommand(resetCmd)

	// daemon command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync loop in the foreground",
		Long: `Daemon syncs on an interval and whenever a watched source location
changes. It records its pid and heartbeat so 'dossier ensure' can
tell whether enrichment is actually happening.`,
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	})

	// ensure command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Make sure background enrichment is running",
		Long: `Ensure probes the daemon and escalates until enrichment is covered:
check the recorded pid, ask the supervisor to restart the service,
spawn a detached daemon, and fire a one-shot sync when the store
has gone stale. It reports what it did and always exits 0 so callers
can fire-and-forget it.`,
		Run: func(cmd *cobra.Command, args []string) {
			runEnsure()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addRunFlags attaches the shared source selection flags.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("force", false, "Re-extract sources even if already processed")
	cmd.Flags().Bool("dry-run", false, "Report what would happen without writing or calling the model")
	cmd.Flags().Bool("facts-only", false, "Stop after fact extraction")
	cmd.Flags().String("since", "", "Only sources created on or after this date (YYYY-MM-DD)")
	cmd.Flags().Int("limit", 0, "Process at most N sources (0 = unlimited)")
}

func runOptions(cmd *cobra.Command) pipeline.Options {
	var opts pipeline.Options
	opts.Force, _ = cmd.Flags().GetBool("force")
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.FactsOnly, _ = cmd.Flags().GetBool("facts-only")
	opts.Limit, _ = cmd.Flags().GetInt("limit")
	if since, _ := cmd.Flags().GetString("since"); since != "" {
		ts, err := time.Parse("2006-01-02", since)
		if err != nil {
			fail(nil, "Invalid --since %q, want YYYY-MM-DD", since)
		}
		opts.Since = ts
	}
	return opts
}

// openPipeline loads config and wires the store, the Gemini
// collaborator, and the source adapters into an orchestrator.
func openPipeline() (*store.Store, *pipeline.Orchestrator, *gemini.Client) {
	cfg, err := config.Load()
	if err != nil {
		fail(err, "Failed to load config")
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fail(err, "Failed to open store")
	}
	logf := progressLogf()
	st.Logf = logf
	orch, client := newOrchestrator(cfg, st, logf)
	return st, orch, client
}

func newOrchestrator(cfg *config.Config, st *store.Store, logf func(format string, args ...any)) (*pipeline.Orchestrator, *gemini.Client) {
	client := gemini.NewClient(os.Getenv("GEMINI_API_KEY"))
	if cfg.LLM.Model != "" {
		client.Model = cfg.LLM.Model
	}
	if cfg.LLM.EmbedModel != "" {
		client.EmbedModel = cfg.LLM.EmbedModel
	}
	if cfg.LLM.MaxRetries > 0 {
		client.MaxRetries = cfg.LLM.MaxRetries
	}
	client.SetTimeout(time.Duration(cfg.LLM.TimeoutSeconds) * time.Second)
	client.SetRequestsPerMinute(cfg.LLM.RequestsPerMinute)

	adapterList := []adapters.Adapter{
		adapters.NewChatsAdapter(cfg.Chats.DBPath),
		adapters.NewTranscriptsAdapter(cfg.Transcripts.Dir),
	}

	ag := pipeline.NewAggregator(client, cfg.Themes.SimilarityThreshold)
	ag.Logf = logf
	sy := pipeline.NewSynthesizer(client)
	sy.Logf = logf
	cu := pipeline.NewCurator(cfg.DossierDir)
	cu.Logf = logf

	orch := pipeline.New(st, adapterList, pipeline.NewExtractor(client), ag, sy, cu)
	orch.Logf = logf
	return orch, client
}

func executeRun(opts pipeline.Options) {
	_, orch, client := openPipeline()
	res, err := orch.Run(context.Background(), opts)
	reportRun(res, err, opts, client.GetUsageStats())
}

func reportRun(res *pipeline.Result, err error, opts pipeline.Options, usage gemini.UsageStats) {
	type Result struct {
		OK         bool                    `json:"ok"`
		Message    string                  `json:"message,omitempty"`
		Hint       string                  `json:"hint,omitempty"`
		Run        store.RunRecord         `json:"run"`
		Candidates []pipeline.Candidate    `json:"candidates,omitempty"`
		Plans      []pipeline.CurationPlan `json:"plans,omitempty"`
		Usage      *gemini.UsageStats      `json:"usage,omitempty"`
	}

	out := Result{OK: err == nil}
	if res != nil {
		out.Run = res.Run
		out.Candidates = res.Candidates
		out.Plans = res.Plans
	}
	if usage.GenerateCalls+usage.EmbedCalls > 0 {
		out.Usage = &usage
	}
	if err != nil {
		out.Message = err.Error()
		out.Hint = remedy(err)
	}

	if jsonOutput {
		printJSON(out)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", out.Message)
		if out.Hint != "" {
			fmt.Fprintf(os.Stderr, "%s\n", out.Hint)
		}
		os.Exit(1)
	}

	if opts.DryRun {
		fmt.Printf("Dry run: %d candidate sources\n", len(res.Candidates))
		for _, c := range res.Candidates {
			fmt.Printf("  %s  %q (%s, %s)\n", c.ID, c.Info.Title, c.Info.Type, c.Reason)
		}
		for _, p := range res.Plans {
			fmt.Printf("  %s: +%d ~%d -%d (%d unchanged)\n", p.Name, len(p.Added), len(p.Updated), len(p.Removed), p.Unchanged)
		}
		return
	}

	run := out.Run
	fmt.Printf("✓ %s %s in %s\n", run.ID, run.State, run.FinishedAt.Sub(run.StartedAt).Round(10*time.Millisecond))
	stats := run.Stats
	fmt.Printf("  Sources: %d seen, %d extracted", stats.SourcesSeen, stats.SourcesExtracted)
	if stats.SourcesFailed > 0 {
		fmt.Printf(", %d failed", stats.SourcesFailed)
	}
	fmt.Println()
	fmt.Printf("  Facts added: %d\n", stats.FactsAdded)
	if !opts.FactsOnly && run.TargetLayer >= 2 {
		fmt.Printf("  Themes: %d, Insights: %d, Dossiers rendered: %d\n", stats.ThemesTotal, stats.InsightsTotal, stats.DossiersRendered)
	}
	if out.Usage != nil {
		fmt.Printf("  Model: %s\n", usageLine(*out.Usage))
	}
}

// usageLine formats accumulated collaborator usage for logs and run
// summaries.
func usageLine(u gemini.UsageStats) string {
	return fmt.Sprintf("%d generate + %d embed calls, %d in / %d out tokens, ~$%.4f",
		u.GenerateCalls, u.EmbedCalls, u.PromptTokens, u.OutputTokens, u.EstimatedCostUSD)
}

func reportCurate(res *pipeline.Result, err error, dryRun bool) {
	type Result struct {
		OK      bool                    `json:"ok"`
		Message string                  `json:"message,omitempty"`
		Hint    string                  `json:"hint,omitempty"`
		DryRun  bool                    `json:"dry_run,omitempty"`
		Plans   []pipeline.CurationPlan `json:"plans,omitempty"`
	}

	out := Result{OK: err == nil, DryRun: dryRun}
	if res != nil {
		out.Plans = res.Plans
	}
	if err != nil {
		out.Message = err.Error()
		out.Hint = remedy(err)
	}

	if jsonOutput {
		printJSON(out)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", out.Message)
		if out.Hint != "" {
			fmt.Fprintf(os.Stderr, "%s\n", out.Hint)
		}
		os.Exit(1)
	}

	if len(out.Plans) == 0 {
		fmt.Println("No dossier documents configured")
		return
	}
	if dryRun {
		fmt.Println("Curation delta (dry run):")
	}
	for _, p := range out.Plans {
		marker := "✓"
		if dryRun {
			marker = "·"
		}
		fmt.Printf("%s %s: +%d ~%d -%d (%d unchanged)\n", marker, p.Name, len(p.Added), len(p.Updated), len(p.Removed), p.Unchanged)
	}
}

func runStats() {
	type Result struct {
		OK            bool              `json:"ok"`
		StorePath     string            `json:"store_path"`
		SchemaVersion int               `json:"schema_version"`
		Sources       int               `json:"sources"`
		Processed     int               `json:"processed_sources"`
		Facts         int               `json:"facts"`
		Themes        int               `json:"themes"`
		Insights      int               `json:"insights"`
		Dossiers      int               `json:"dossiers"`
		LineageOK     bool              `json:"lineage_ok"`
		LineageError  string            `json:"lineage_error,omitempty"`
		LastRun       *store.RunRecord  `json:"last_run,omitempty"`
		LastSuccess   *time.Time        `json:"last_success,omitempty"`
		StoreStale    bool              `json:"store_stale"`
		Lock          *store.LockInfo   `json:"lock,omitempty"`
		Daemon        *live.DaemonState `json:"daemon,omitempty"`
		DaemonAlive   bool              `json:"daemon_alive"`
	}

	cfg, err := config.Load()
	if err != nil {
		fail(err, "Failed to load config")
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fail(err, "Failed to open store")
	}
	snap := st.Snapshot()

	result := Result{
		OK:            true,
		StorePath:     cfg.StorePath,
		SchemaVersion: snap.SchemaVersion,
		Sources:       len(snap.Sources),
		Processed:     len(snap.ProcessedSources),
		Facts:         len(snap.Facts),
		Themes:        len(snap.Themes),
		Insights:      len(snap.Insights),
		Dossiers:      len(snap.Dossiers),
		LineageOK:     true,
	}
	if err := lineage.Verify(snap); err != nil {
		result.LineageOK = false
		result.LineageError = err.Error()
	}

	if len(snap.Runs) > 0 {
		last := snap.Runs[len(snap.Runs)-1]
		result.LastRun = &last
	}
	staleAfter := time.Duration(cfg.Daemon.StaleAfterMinutes) * time.Minute
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if run, ok := snap.LastSuccessfulRun(); ok {
		ts := run.FinishedAt
		result.LastSuccess = &ts
		result.StoreStale = time.Since(ts) > staleAfter
	} else {
		result.StoreStale = true
	}

	if info, err := st.LockInfo(); err == nil && info != nil {
		result.Lock = info
	}

	dataDir, err := config.GetDataDir()
	if err == nil {
		if ds, err := live.ReadState(filepath.Join(dataDir, "daemon.pid")); err == nil && ds != nil {
			result.Daemon = ds
			result.DaemonAlive = live.ProcessAlive(ds.PID)
		}
	}

	if jsonOutput {
		printJSON(result)
		return
	}

	fmt.Printf("Store: %s (schema v%d)\n", result.StorePath, result.SchemaVersion)
	fmt.Printf("  Sources: %d (%d processed)\n", result.Sources, result.Processed)
	fmt.Printf("  Facts: %d   Themes: %d   Insights: %d   Dossiers: %d\n", result.Facts, result.Themes, result.Insights, result.Dossiers)
	if result.LineageOK {
		fmt.Println("  Lineage: intact")
	} else {
		fmt.Printf("  Lineage: broken (%s)\n", result.LineageError)
	}

	if result.LastRun != nil {
		run := result.LastRun
		fmt.Printf("Last run: %s %s at %s", run.ID, run.State, run.StartedAt.Local().Format("2006-01-02 15:04"))
		if run.Error != "" {
			fmt.Printf(" (%s)", run.Error)
		}
		fmt.Println()
	} else {
		fmt.Println("Last run: never")
	}
	if result.LastSuccess != nil {
		freshness := "fresh"
		if result.StoreStale {
			freshness = "stale"
		}
		fmt.Printf("Last success: %s ago (%s)\n", time.Since(*result.LastSuccess).Round(time.Minute), freshness)
	} else {
		fmt.Println("Last success: never")
	}

	if result.Lock != nil {
		fmt.Printf("Lock: held by pid %d since %s\n", result.Lock.PID, result.Lock.AcquiredAt.Local().Format("15:04:05"))
	} else {
		fmt.Println("Lock: free")
	}

	if result.Daemon == nil {
		fmt.Println("Daemon: not running (try 'dossier ensure')")
	} else if result.DaemonAlive {
		fmt.Printf("Daemon: alive pid %d, heartbeat %s ago, %d runs (%d failed)\n",
			result.Daemon.PID, time.Since(result.Daemon.HeartbeatAt).Round(time.Second), result.Daemon.Runs, result.Daemon.Failures)
	} else {
		fmt.Printf("Daemon: dead (stale state for pid %d, try 'dossier ensure')\n", result.Daemon.PID)
	}
}

func runLineage(id string) {
	cfg, err := config.Load()
	if err != nil {
		fail(err, "Failed to load config")
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fail(err, "Failed to open store")
	}

	chain, err := lineage.Build(st.Snapshot()).Resolve(id)
	if err != nil {
		fail(err, "Failed to resolve %s", id)
	}

	if jsonOutput {
		printJSON(struct {
			OK bool `json:"ok"`
			*lineage.Chain
		}{true, chain})
		return
	}

	fmt.Printf("%s (%s)\n", chain.ID, chain.Kind)
	if chain.Insight != nil {
		fmt.Printf("  %q for %s\n", chain.Insight.Statement, chain.Insight.Audience)
	}
	if len(chain.Themes) > 0 {
		fmt.Println("Themes:")
		for _, th := range chain.Themes {
			fmt.Printf("  %s  %s (%d facts)\n", th.ID, th.Label, len(th.FactIDs))
		}
	}
	if len(chain.Facts) > 0 {
		fmt.Println("Facts:")
		for _, f := range chain.Facts {
			fmt.Printf("  %s  %s\n", f.ID, f.Text)
			if f.Quote != "" && f.Quote != f.Text {
				fmt.Printf("      > %s\n", f.Quote)
			}
		}
	}
	if len(chain.Sources) > 0 {
		fmt.Println("Sources:")
		for _, src := range chain.Sources {
			fmt.Printf("  %s  %q (%s, %s)\n", src.ID, src.Title, src.Type, src.CreatedAt.Format("2006-01-02"))
		}
	}
}

func runDaemon() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail(err, "Failed to load config")
	}
	dataDir, err := config.GetDataDir()
	if err != nil {
		fail(err, "Failed to get data directory")
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fail(err, "Failed to open store")
	}

	logf := func(format string, args ...any) {
		fmt.Printf(format+"\n", args...)
	}
	st.Logf = logf
	orch, client := newOrchestrator(cfg, st, logf)

	d := &live.Daemon{
		StatePath:  filepath.Join(dataDir, "daemon.pid"),
		Interval:   time.Duration(cfg.Daemon.IntervalMinutes) * time.Minute,
		WatchPaths: []string{cfg.Transcripts.Dir, filepath.Dir(cfg.Chats.DBPath)},
		RunOnce: func(ctx context.Context) error {
			_, err := orch.Run(ctx, pipeline.Options{})
			if u := client.GetUsageStats(); u.GenerateCalls+u.EmbedCalls > 0 {
				logf("model usage to date: %s", usageLine(u))
			}
			return err
		},
		Logf: logf,
	}
	if err := d.Run(ctx); err != nil {
		fail(err, "Daemon failed")
	}
}

func runEnsure() {
	cfg, err := config.Load()
	if err != nil {
		fail(err, "Failed to load config")
	}
	dataDir, err := config.GetDataDir()
	if err != nil {
		fail(err, "Failed to get data directory")
	}

	exe, err := os.Executable()
	if err != nil {
		exe = ""
	}
	p := &live.Prober{
		StatePath:    filepath.Join(dataDir, "daemon.pid"),
		StorePath:    cfg.StorePath,
		LogPath:      filepath.Join(dataDir, "daemon.log"),
		ServiceLabel: cfg.Daemon.ServiceLabel,
		StaleAfter:   time.Duration(cfg.Daemon.StaleAfterMinutes) * time.Minute,
		Exe:          exe,
		Logf:         progressLogf(),
	}
	rep := p.Ensure(context.Background())

	if jsonOutput {
		printJSON(struct {
			OK bool `json:"ok"`
			*live.Report
		}{rep.Err() == nil, rep})
		return
	}

	switch {
	case rep.DaemonAlive && rep.Restarted:
		fmt.Printf("✓ Daemon restarted via supervisor (pid %d)\n", rep.DaemonPID)
	case rep.DaemonAlive:
		fmt.Printf("✓ Daemon alive (pid %d)\n", rep.DaemonPID)
	case rep.Restarted:
		fmt.Println("✓ Daemon restarted via supervisor")
	case rep.Spawned:
		fmt.Printf("✓ Spawned daemon (pid %d)\n", rep.SpawnedPID)
	default:
		fmt.Println("✗ Daemon unreachable")
	}
	if rep.LastSuccess.IsZero() {
		fmt.Println("  No successful sync yet")
	} else {
		fmt.Printf("  Last successful sync: %s ago\n", time.Since(rep.LastSuccess).Round(time.Minute))
	}
	if rep.SyncFired {
		fmt.Printf("  Store stale; fired one-shot sync (pid %d)\n", rep.SyncPID)
	}
	for _, note := range rep.Notes {
		fmt.Printf("  note: %s\n", note)
	}
	// Best effort: a warning, not a failure, so scripted callers never
	// break on a wedged daemon.
	if err := rep.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// progressLogf returns a stdout logger, silenced under --json so the
// structured output stays parseable.
func progressLogf() func(format string, args ...any) {
	if jsonOutput {
		return nil
	}
	return func(format string, args ...any) {
		fmt.Printf(format+"\n", args...)
	}
}

// remedy maps well-known failures to a next step the user can take.
func remedy(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrLockHeld):
		return "Another dossier process is writing the store. Wait for it to finish and retry."
	case errors.Is(err, store.ErrLockStale):
		return "A dead process left the store lock behind and reclaim lost the race. Retry; if it persists, remove the .lock file beside the store."
	case errors.Is(err, store.ErrSchemaMismatch):
		return "Run 'dossier migrate' to upgrade the store file."
	case errors.Is(err, pipeline.ErrCurationConflict):
		return "A dossier file changed in a way curate cannot merge. Fix or remove the broken section markers, then retry."
	case errors.Is(err, live.ErrDaemonRunning):
		return "A daemon is already covering sync; stop it first if you want this one."
	default:
		return ""
	}
}

func fail(err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	hint := remedy(err)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg, "hint": hint})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		if hint != "" {
			fmt.Fprintf(os.Stderr, "%s\n", hint)
		}
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
