package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/DavinciDreams/SIA/pkg/config"
	"github.com/DavinciDreams/SIA/pkg/lifecycle"
	"github.com/DavinciDreams/SIA/pkg/memory"
	"github.com/DavinciDreams/SIA/pkg/orchestrator"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "sia",
		Short: "Self-improvement cycle automation: memory, rate-limited cycles, change lifecycle",
		Long: strings.TrimSpace(`sia runs rate-limited self-improvement cycles against a target repository.

Each cycle analyzes the target, generates a candidate change, tests it, and
parks it for human approval. Outcomes feed a persistent memory store that
informs later cycles.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newCycleCommand())
	root.AddCommand(newMemoryCommand())
	root.AddCommand(newChangeCommand())
	root.AddCommand(newReviewCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.sia config and workspace",
		Example: "  sia onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func newRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the daemon: resume cycles, scheduler, approval sweep, Discord notifier",
		Example: "  sia run --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  sia status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  sia version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newReviewCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:     "review",
		Short:   "Interactively review changes awaiting approval",
		Example: "  sia review --actor alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reviewCmd(actor)
		},
	}
	cmd.Flags().StringVarP(&actor, "actor", "a", "reviewer", "Reviewer name recorded on transitions")
	return cmd
}

func newCycleCommand() *cobra.Command {
	cycleRoot := &cobra.Command{
		Use:   "cycle",
		Short: "Start, inspect, and cancel improvement cycles",
	}

	var target string
	start := &cobra.Command{
		Use:   "start",
		Short: "Run one improvement cycle",
		Long:  "Run a full cycle against the target repo, blocking until it parks for approval or terminates.",
		Example: strings.Join([]string{
			"  sia cycle start",
			"  sia cycle start --target github.com/acme/service",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, mem, err := buildOrchestrator(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer mem.Close()
			defer orch.Close()

			st, err := orch.StartCycle(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Printf("Cycle %s finished in phase %s\n", st.CycleID, st.Phase)
			if st.ChangeID != "" {
				fmt.Printf("Change: %s\n", st.ChangeID)
			}
			if st.FailureReason != "" {
				fmt.Printf("Reason: %s\n", st.FailureReason)
			}
			return nil
		},
	}
	start.Flags().StringVarP(&target, "target", "t", "", "Target repository (defaults to orchestrator.target_repo)")
	cycleRoot.AddCommand(start)

	status := &cobra.Command{
		Use:     "status [cycle_id]",
		Short:   "Show recent cycles or one cycle's phase history",
		Args:    cobra.MaximumNArgs(1),
		Example: "  sia cycle status\n  sia cycle status cyc-1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, mem, err := buildOrchestrator(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer mem.Close()
			defer orch.Close()

			ctx := cmd.Context()
			if len(args) == 1 {
				st, err := orch.GetCycle(ctx, args[0])
				if err != nil {
					return err
				}
				printCycle(st)
				history, err := orch.CycleHistory(ctx, st.CycleID)
				if err != nil {
					return err
				}
				fmt.Println("History:")
				for _, h := range history {
					fmt.Printf("  %s  %s -> %s  (%s) %s\n",
						formatMS(h.CreatedAtMS), orDash(string(h.From)), h.To, h.Actor, h.Reason)
				}
				return nil
			}

			cycles, err := orch.ListCycles(ctx, 20)
			if err != nil {
				return err
			}
			if len(cycles) == 0 {
				fmt.Println("No cycles yet.")
				return nil
			}
			for _, st := range cycles {
				printCycle(st)
			}
			return nil
		},
	}
	cycleRoot.AddCommand(status)

	var actor string
	cancel := &cobra.Command{
		Use:     "cancel <cycle_id>",
		Short:   "Cancel a running or parked cycle",
		Args:    cobra.ExactArgs(1),
		Example: "  sia cycle cancel cyc-1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, mem, err := buildOrchestrator(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer mem.Close()
			defer orch.Close()

			if err := orch.Cancel(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Printf("Cycle %s cancelled\n", args[0])
			return nil
		},
	}
	cancel.Flags().StringVarP(&actor, "actor", "a", "operator", "Actor recorded on the transition")
	cycleRoot.AddCommand(cancel)

	return cycleRoot
}

func printCycle(st orchestrator.CycleState) {
	fmt.Printf("%s  %-18s %s", st.CycleID, st.Phase, st.Target)
	if st.ChangeID != "" {
		fmt.Printf("  change=%s", st.ChangeID)
	}
	if st.FailureReason != "" {
		fmt.Printf("  reason=%q", st.FailureReason)
	}
	fmt.Println()
}

func formatMS(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newMemoryCommand() *cobra.Command {
	memRoot := &cobra.Command{
		Use:   "memory",
		Short: "Store, retrieve, inject, prune, and back up memories",
	}

	withStore := func(fn func(ctx context.Context, cfg *config.Config, store *memory.SQLiteStore) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openMemory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return fn(cmd.Context(), cfg, store)
		}
	}

	var storeKind string
	var storeMeta []string
	store := &cobra.Command{
		Use:     "store <content>",
		Short:   "Store a new memory entry",
		Args:    cobra.ExactArgs(1),
		Example: "  sia memory store \"refactor X reduced latency\" --kind episodic --meta target=acme/service",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, st *memory.SQLiteStore) error {
				entry, err := st.Store(ctx, content, memory.Kind(storeKind), parseMeta(storeMeta))
				if err != nil {
					return err
				}
				fmt.Printf("Stored %s (embedding: %t)\n", entry.ID, entry.HasEmbedding)
				return nil
			})(cmd, args)
		},
	}
	store.Flags().StringVarP(&storeKind, "kind", "k", "episodic", "Entry kind: episodic, semantic, procedural")
	store.Flags().StringSliceVarP(&storeMeta, "meta", "m", nil, "Metadata key=value pairs")
	memRoot.AddCommand(store)

	var injectKind string
	var injectMeta []string
	inject := &cobra.Command{
		Use:     "inject <content>",
		Short:   "Inject an entry without computing an embedding",
		Args:    cobra.ExactArgs(1),
		Example: "  sia memory inject \"always run integration suite\" --kind procedural",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, st *memory.SQLiteStore) error {
				entry, err := st.Inject(ctx, content, memory.Kind(injectKind), parseMeta(injectMeta))
				if err != nil {
					return err
				}
				fmt.Printf("Injected %s\n", entry.ID)
				return nil
			})(cmd, args)
		},
	}
	inject.Flags().StringVarP(&injectKind, "kind", "k", "semantic", "Entry kind")
	inject.Flags().StringSliceVarP(&injectMeta, "meta", "m", nil, "Metadata key=value pairs")
	memRoot.AddCommand(inject)

	get := &cobra.Command{
		Use:     "get <id>",
		Short:   "Fetch one entry by id (does not touch access counters)",
		Args:    cobra.ExactArgs(1),
		Example: "  sia memory get mem-1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, st *memory.SQLiteStore) error {
				entry, err := st.ManualGet(ctx, id)
				if err != nil {
					return err
				}
				printEntry(entry)
				return nil
			})(cmd, args)
		},
	}
	memRoot.AddCommand(get)

	var topK int
	var retrieveKind string
	retrieve := &cobra.Command{
		Use:     "retrieve <query>",
		Short:   "Hybrid similarity + keyword retrieval",
		Args:    cobra.ExactArgs(1),
		Example: "  sia memory retrieve \"flaky integration tests\" --top 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, st *memory.SQLiteStore) error {
				r := memory.NewRetriever(st)
				results, err := r.Retrieve(ctx, query, memory.RetrieveOptions{
					TopK: topK,
					Kind: memory.Kind(retrieveKind),
				})
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Println("No matches.")
					return nil
				}
				for _, res := range results {
					fmt.Printf("%.3f  %s  [%s]  %s\n", res.Score, res.ID, res.Kind, firstLine(res.Content))
				}
				return nil
			})(cmd, args)
		},
	}
	retrieve.Flags().IntVarP(&topK, "top", "n", 0, "Max results (defaults to memory.max_retrieve_items)")
	retrieve.Flags().StringVarP(&retrieveKind, "kind", "k", "", "Restrict to one kind")
	memRoot.AddCommand(retrieve)

	var minRelevance float64
	var pruneKind string
	prune := &cobra.Command{
		Use:     "prune",
		Short:   "Delete entries below the relevance threshold",
		Example: "  sia memory prune --min-relevance 0.2",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *memory.SQLiteStore) error {
				policy := memory.PrunePolicy{
					MinRelevance:    minRelevance,
					Kind:            memory.Kind(pruneKind),
					RecencyHalfLife: time.Duration(cfg.Memory.RecencyHalfLifeDays) * 24 * time.Hour,
				}
				if policy.MinRelevance == 0 {
					policy.MinRelevance = cfg.Memory.PruneMinRelevance
				}
				removed, err := st.Prune(ctx, policy)
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d entries\n", removed)
				return nil
			})(cmd, args)
		},
	}
	prune.Flags().Float64Var(&minRelevance, "min-relevance", 0, "Relevance threshold (defaults to config)")
	prune.Flags().StringVarP(&pruneKind, "kind", "k", "", "Restrict pruning to one kind")
	memRoot.AddCommand(prune)

	backup := &cobra.Command{
		Use:     "backup",
		Short:   "Write a consistent snapshot of the memory database",
		Example: "  sia memory backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *memory.SQLiteStore) error {
				path, err := st.Backup(ctx, cfg.BackupDirPath())
				if err != nil {
					return err
				}
				fmt.Printf("Backup written to %s\n", path)
				return nil
			})(cmd, args)
		},
	}
	memRoot.AddCommand(backup)

	var listLimit int
	list := &cobra.Command{
		Use:     "list",
		Short:   "List the most recent entries",
		Example: "  sia memory list --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *memory.SQLiteStore) error {
				entries, err := st.ListRecent(ctx, listLimit)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%s  [%s]  %s\n", e.ID, e.Kind, firstLine(e.Content))
				}
				return nil
			})(cmd, args)
		},
	}
	list.Flags().IntVarP(&listLimit, "limit", "n", 20, "Max entries")
	memRoot.AddCommand(list)

	return memRoot
}

func printEntry(e memory.Entry) {
	fmt.Printf("ID:        %s\n", e.ID)
	fmt.Printf("Kind:      %s\n", e.Kind)
	fmt.Printf("Created:   %s\n", formatMS(e.CreatedAtMS))
	fmt.Printf("Accessed:  %s (%d times)\n", formatMS(e.LastAccessedAtMS), e.AccessCount)
	fmt.Printf("Embedding: %t\n", e.HasEmbedding)
	if len(e.Metadata) > 0 {
		fmt.Println("Metadata:")
		for k, v := range e.Metadata {
			fmt.Printf("  %s: %s\n", k, v)
		}
	}
	fmt.Printf("Content:\n%s\n", e.Content)
}

func parseMeta(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}

func newChangeCommand() *cobra.Command {
	changeRoot := &cobra.Command{
		Use:   "change",
		Short: "Inspect and act on proposed changes",
	}

	var statusFilter string
	var listLimit int
	list := &cobra.Command{
		Use:     "list",
		Short:   "List change records, newest first",
		Example: "  sia change list --status approval_pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := lifecycle.NewManager(cfg.DatabasePath(), nil, nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			records, err := mgr.List(cmd.Context(), lifecycle.Status(statusFilter), listLimit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No changes.")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %-18s tests=%-8s cycle=%s  %s\n",
					rec.ChangeID, rec.Status, rec.TestResult, rec.CycleID, firstLine(rec.Description))
			}
			return nil
		},
	}
	list.Flags().StringVarP(&statusFilter, "status", "s", "", "Filter by status")
	list.Flags().IntVarP(&listLimit, "limit", "n", 50, "Max records")
	changeRoot.AddCommand(list)

	show := &cobra.Command{
		Use:     "show <change_id>",
		Short:   "Show a change and its full transition history",
		Args:    cobra.ExactArgs(1),
		Example: "  sia change show chg-1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := lifecycle.NewManager(cfg.DatabasePath(), nil, nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			ctx := cmd.Context()
			rec, err := mgr.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Change:    %s\n", rec.ChangeID)
			fmt.Printf("Cycle:     %s\n", rec.CycleID)
			fmt.Printf("Status:    %s\n", rec.Status)
			fmt.Printf("Tests:     %s\n", rec.TestResult)
			fmt.Printf("Diff:      %s\n", orDash(rec.DiffRef))
			fmt.Printf("Reviewers: %s\n", orDash(strings.Join(rec.Reviewers, ", ")))
			fmt.Printf("Created:   %s\n", formatMS(rec.CreatedAtMS))
			fmt.Printf("%s\n\n", rec.Description)

			history, err := mgr.History(ctx, rec.ChangeID)
			if err != nil {
				return err
			}
			fmt.Println("History:")
			for _, h := range history {
				fmt.Printf("  %s  %s -> %s  (%s) %s\n",
					formatMS(h.CreatedAtMS), orDash(string(h.From)), h.To, h.Actor, h.Reason)
			}
			return nil
		},
	}
	changeRoot.AddCommand(show)

	resolveVerdict := func(approve bool) func(cmd *cobra.Command, changeID, actor, reason string) error {
		return func(cmd *cobra.Command, changeID, actor, reason string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, mem, err := buildOrchestrator(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer mem.Close()
			defer orch.Close()

			st, err := orch.ResolveApproval(cmd.Context(), changeID, approve, actor, reason)
			if err != nil {
				return err
			}
			if approve {
				fmt.Printf("Approved. Cycle %s is now %s.\n", st.CycleID, st.Phase)
			} else {
				fmt.Println("Rejected.")
			}
			return nil
		}
	}

	var approveActor string
	approve := &cobra.Command{
		Use:     "approve <change_id>",
		Short:   "Approve a pending change and merge it",
		Args:    cobra.ExactArgs(1),
		Example: "  sia change approve chg-1234 --actor alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveVerdict(true)(cmd, args[0], approveActor, "approved")
		},
	}
	approve.Flags().StringVarP(&approveActor, "actor", "a", "reviewer", "Reviewer name")
	changeRoot.AddCommand(approve)

	var rejectActor, rejectReason string
	reject := &cobra.Command{
		Use:     "reject <change_id>",
		Short:   "Reject a pending change",
		Args:    cobra.ExactArgs(1),
		Example: "  sia change reject chg-1234 --reason \"touches release tooling\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveVerdict(false)(cmd, args[0], rejectActor, rejectReason)
		},
	}
	reject.Flags().StringVarP(&rejectActor, "actor", "a", "reviewer", "Reviewer name")
	reject.Flags().StringVarP(&rejectReason, "reason", "r", "rejected", "Rejection reason")
	changeRoot.AddCommand(reject)

	var rollbackActor string
	rollback := &cobra.Command{
		Use:     "rollback <change_id>",
		Short:   "Revert a merged change",
		Args:    cobra.ExactArgs(1),
		Example: "  sia change rollback chg-1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, mem, err := buildOrchestrator(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer mem.Close()
			defer orch.Close()

			st, err := orch.RollbackChange(cmd.Context(), args[0], rollbackActor)
			if err != nil {
				return err
			}
			fmt.Printf("Rolled back. Cycle %s is now %s.\n", st.CycleID, st.Phase)
			return nil
		},
	}
	rollback.Flags().StringVarP(&rollbackActor, "actor", "a", "operator", "Actor recorded on the transition")
	changeRoot.AddCommand(rollback)

	var resolveActor string
	resolve := &cobra.Command{
		Use:     "resolve <change_id>",
		Short:   "Retry the merge after resolving a conflict",
		Args:    cobra.ExactArgs(1),
		Example: "  sia change resolve chg-1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orch, mem, err := buildOrchestrator(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer mem.Close()
			defer orch.Close()

			st, err := orch.ResolveConflict(cmd.Context(), args[0], resolveActor)
			if err != nil {
				return err
			}
			fmt.Printf("Merge retried. Cycle %s is now %s.\n", st.CycleID, st.Phase)
			return nil
		},
	}
	resolve.Flags().StringVarP(&resolveActor, "actor", "a", "operator", "Actor recorded on the transition")
	changeRoot.AddCommand(resolve)

	return changeRoot
}
