package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/DavinciDreams/SIA/pkg/bus"
	"github.com/DavinciDreams/SIA/pkg/channels"
	"github.com/DavinciDreams/SIA/pkg/config"
	"github.com/DavinciDreams/SIA/pkg/extproc"
	"github.com/DavinciDreams/SIA/pkg/lifecycle"
	"github.com/DavinciDreams/SIA/pkg/logger"
	"github.com/DavinciDreams/SIA/pkg/memory"
	"github.com/DavinciDreams/SIA/pkg/orchestrator"
	"github.com/DavinciDreams/SIA/pkg/schedule"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "sia"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sia", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func onboard() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	workspace := cfg.WorkspacePath()
	for _, dir := range []string{"state", cfg.Memory.BackupDir} {
		if err := os.MkdirAll(filepath.Join(workspace, dir), 0755); err != nil {
			return fmt.Errorf("create workspace dir: %w", err)
		}
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set orchestrator.target_repo and collaborator commands in", configPath)
	fmt.Println("  2. (Optional) Add a Discord bot token to channels.discord")
	fmt.Println("  3. Start a cycle: sia cycle start")
	fmt.Println("  4. Run the daemon: sia run")
	fmt.Println("  5. Check readiness: sia status")
	return nil
}

// openMemory opens the shared store and activates the configured
// embedding model.
func openMemory(cfg *config.Config) (*memory.SQLiteStore, error) {
	store, err := memory.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	memory.SetEmbedderByName(cfg.Memory.EmbeddingModel)
	return store, nil
}

// buildOrchestrator wires the orchestrator with script-backed
// collaborators. The returned memory store is owned by the caller.
func buildOrchestrator(cfg *config.Config, notifier orchestrator.Notifier, events *bus.EventBus) (*orchestrator.Orchestrator, *memory.SQLiteStore, error) {
	mem, err := openMemory(cfg)
	if err != nil {
		return nil, nil, err
	}
	collab := extproc.New(cfg.Collaborators)
	orch, err := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Memory:    mem,
		Analyzer:  collab,
		Generator: collab,
		Tester:    collab,
		VCS:       collab,
		Notifier:  notifier,
		Events:    events,
	})
	if err != nil {
		mem.Close()
		return nil, nil, err
	}
	return orch, mem, nil
}

func runCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	events := bus.NewEventBus()
	defer events.Close()

	var notifier orchestrator.Notifier
	var discord *channels.DiscordNotifier
	if cfg.Channels.Discord.Enabled {
		discord, err = channels.NewDiscordNotifier(cfg.Channels.Discord)
		if err != nil {
			return fmt.Errorf("discord notifier: %w", err)
		}
		notifier = discord
	}

	orch, mem, err := buildOrchestrator(cfg, notifier, events)
	if err != nil {
		return err
	}
	defer mem.Close()
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if discord != nil {
		if err := discord.Start(ctx); err != nil {
			return fmt.Errorf("start discord: %w", err)
		}
		defer discord.Stop(context.Background())
		fmt.Println("✓ Discord notifier connected")
	}

	// Pipeline event log, consumed off the bus.
	go func() {
		for {
			ev, ok := events.Consume(ctx)
			if !ok {
				return
			}
			logger.InfoCF("run", "Event", map[string]any{
				"kind":      string(ev.Kind),
				"cycle_id":  ev.CycleID,
				"change_id": ev.ChangeID,
				"from":      ev.From,
				"to":        ev.To,
				"message":   ev.Message,
			})
		}
	}()

	resumed, err := orch.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume cycles: %w", err)
	}
	if len(resumed) > 0 {
		fmt.Printf("✓ Resumed %d in-flight cycle(s)\n", len(resumed))
	}

	var sched *schedule.Scheduler
	if cfg.Schedule.Enabled && len(cfg.Schedule.Entries) > 0 {
		sched, err = schedule.New(cfg.Schedule.Entries, func(ctx context.Context, target string) error {
			_, err := orch.StartCycle(ctx, target)
			return err
		})
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
		fmt.Printf("✓ Scheduler running (%d entries)\n", len(cfg.Schedule.Entries))
	}

	// Approval timeout sweep.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := orch.SweepApprovalTimeouts(ctx, time.Now()); err != nil {
					logger.WarnCF("run", "Approval sweep failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()

	fmt.Printf("%s running (Ctrl+C to stop)\n", appName)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	fmt.Println("✓ Stopped")
	return nil
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	fmt.Println()

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	_, cfgErr := os.Stat(configPath)
	fmt.Println("Config:", configPath, mark(cfgErr == nil))

	workspace := cfg.WorkspacePath()
	_, wsErr := os.Stat(workspace)
	fmt.Println("Workspace:", workspace, mark(wsErr == nil))

	dbPath := cfg.DatabasePath()
	if _, err := os.Stat(dbPath); err == nil {
		fmt.Println("State DB:", dbPath, "✓")
	} else {
		fmt.Println("State DB:", dbPath, "not initialized")
	}

	fmt.Println("Target repo:", valueOr(cfg.Orchestrator.TargetRepo, "not set"))
	fmt.Printf("Rate limit: %d cycles / %ds window\n", cfg.RateLimit.MaxCycles, cfg.RateLimit.WindowSeconds)
	fmt.Println("Embedding model:", cfg.Memory.EmbeddingModel)
	fmt.Println("Scheduler:", mark(cfg.Schedule.Enabled))
	fmt.Println("Discord:", mark(cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != ""))

	collabReady := cfg.Collaborators.Analyze != "" &&
		cfg.Collaborators.Generate != "" &&
		cfg.Collaborators.Test != "" &&
		cfg.Collaborators.Submit != ""
	fmt.Println("Collaborators configured:", mark(collabReady))
	return nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// reviewCmd is the interactive approval console: it walks every change
// waiting for review and applies the reviewer's verdict through the
// orchestrator so cycle state stays in step.
func reviewCmd(actor string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	orch, mem, err := buildOrchestrator(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer mem.Close()
	defer orch.Close()

	ctx := context.Background()
	pending, err := orch.Changes().List(ctx, lifecycle.StatusApprovalPending, 0)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("Nothing awaiting review.")
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "review> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".sia_review_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%d change(s) awaiting review. Commands: approve, reject <reason>, skip, quit\n\n", len(pending))

	for _, rec := range pending {
		fmt.Printf("Change %s (cycle %s)\n", rec.ChangeID, rec.CycleID)
		fmt.Printf("  Diff: %s\n", valueOr(rec.DiffRef, "n/a"))
		fmt.Printf("  Tests: %s\n", rec.TestResult)
		fmt.Printf("  %s\n", rec.Description)

	prompt:
		for {
			line, err := rl.Readline()
			if err != nil {
				if err == readline.ErrInterrupt || err == io.EOF {
					fmt.Println("\nDone.")
					return nil
				}
				return err
			}
			input := strings.TrimSpace(line)
			switch {
			case input == "approve", input == "a":
				st, err := orch.ResolveApproval(ctx, rec.ChangeID, true, actor, "approved in review console")
				if err != nil {
					fmt.Printf("Error: %v\n", err)
					continue
				}
				fmt.Printf("Approved. Cycle %s is now %s.\n\n", st.CycleID, st.Phase)
				break prompt
			case strings.HasPrefix(input, "reject"), strings.HasPrefix(input, "r "):
				reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(input, "reject"), "r "))
				if reason == "" {
					reason = "rejected in review console"
				}
				if _, err := orch.ResolveApproval(ctx, rec.ChangeID, false, actor, reason); err != nil {
					fmt.Printf("Error: %v\n", err)
					continue
				}
				fmt.Println("Rejected.")
				break prompt
			case input == "skip", input == "s", input == "":
				fmt.Println("Skipped.")
				break prompt
			case input == "quit", input == "q", input == "exit":
				fmt.Println("Done.")
				return nil
			default:
				fmt.Println("Commands: approve, reject <reason>, skip, quit")
			}
		}
	}
	fmt.Println("Review queue drained.")
	return nil
}
