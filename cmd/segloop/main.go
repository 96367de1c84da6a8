package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/segloop/internal/actuator"
	"github.com/mpataki/segloop/internal/actuator/browser"
	"github.com/mpataki/segloop/internal/command"
	"github.com/mpataki/segloop/internal/config"
	segloopLua "github.com/mpataki/segloop/internal/lua"
	"github.com/mpataki/segloop/internal/models"
	"github.com/mpataki/segloop/internal/orchestrator"
	"github.com/mpataki/segloop/internal/plan"
	"github.com/mpataki/segloop/internal/presets"
	"github.com/mpataki/segloop/internal/server"
	"github.com/mpataki/segloop/internal/storage"
	"github.com/mpataki/segloop/internal/tui"
	"github.com/mpataki/segloop/internal/workspace"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "segloop",
		Short: "Segment pipeline orchestrator",
		Long:  "segloop drives a remote video generator through a list of segments, chaining each result into the next.",
		RunE:  runTUI,
	}
	rootCmd.PersistentFlags().String("actuator", "browser", "Actuator to drive: browser or lua")
	rootCmd.PersistentFlags().String("script", "", "Lua script for --actuator lua")
	rootCmd.Flags().Bool("serve", false, "Also serve the HTTP API while the dashboard runs")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newClearCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPresetCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is everything a command needs to drive a run.
type env struct {
	cfg        *config.Config
	store      *storage.Storage
	logger     *log.Logger
	orch       *orchestrator.Orchestrator
	dispatcher *command.Dispatcher

	closers []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func openStore() (*config.Config, *storage.Storage, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

// openEnv wires storage, the actuator and the orchestrator. Cancelling ctx
// is a hard stop for the run. Logs go to logOut.
func openEnv(ctx context.Context, cmd *cobra.Command, logOut io.Writer) (*env, error) {
	cfg, store, err := openStore()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, store: store, logger: log.New(logOut, "", log.LstdFlags)}
	e.closers = append(e.closers, func() { store.Close() })

	act, closeAct, err := openActuator(ctx, cmd, cfg, e.logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, closeAct)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(e.logger),
		orchestrator.WithRecorder(store),
		orchestrator.WithBaseContext(ctx),
	}
	cmdOpts := []command.Option{
		command.WithLastConfig(presets.New(store)),
		command.WithLogger(e.logger),
	}
	if fetcher, ok := act.(actuator.Fetcher); ok {
		dl := workspace.NewDownloader(cfg.WorkspacesDir(), fetcher, e.logger)
		opts = append(opts, orchestrator.WithDownloader(dl))
		cmdOpts = append(cmdOpts, command.WithDownloader(dl))
	}

	e.orch = orchestrator.New(act, store, opts...)
	e.dispatcher = command.NewDispatcher(e.orch, store, cmdOpts...)
	return e, nil
}

func openActuator(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *log.Logger) (actuator.Actuator, func(), error) {
	kind, _ := cmd.Flags().GetString("actuator")
	script, _ := cmd.Flags().GetString("script")

	switch kind {
	case "lua":
		if script == "" {
			return nil, nil, fmt.Errorf("--script is required with --actuator lua")
		}
		if !segloopLua.IsLuaScript(script) {
			return nil, nil, fmt.Errorf("not a Lua script: %s", script)
		}
		rt, err := segloopLua.NewRuntimeFromFile(script, logger)
		if err != nil {
			return nil, nil, err
		}
		return rt, rt.Close, nil

	case "browser":
		b, err := browser.New(ctx, browser.Options{
			URL:        cfg.BrowserURL,
			Headless:   cfg.Headless,
			ProfileDir: filepath.Join(cfg.DataDir, "profile"),
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start browser: %w", err)
		}
		return b, b.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown actuator %q", kind)
}

func openLogFile(cfg *config.Config) (*os.File, error) {
	return os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// The dashboard owns the terminal, so logs go to a file.
	logFile, err := openLogFile(cfg)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	e, err := openEnv(ctx, cmd, logFile)
	if err != nil {
		return err
	}
	defer e.Close()

	plans, err := plan.LoadAll([]string{cfg.PlanDir})
	if err != nil {
		return fmt.Errorf("failed to load plans: %w", err)
	}

	app := tui.NewApp(ctx, e.dispatcher, e.orch, e.store, plans)
	defer app.Close()
	p := tea.NewProgram(app, tea.WithAltScreen())
	app.Attach(p)
	e.dispatcher.SetView(app)

	serve, _ := cmd.Flags().GetBool("serve")

	g, gctx := errgroup.WithContext(ctx)
	if serve {
		srv := server.New(e.dispatcher, e.orch, e.store, cfg.PlanDir, e.logger)
		g.Go(func() error {
			err := srv.ListenAndServe(gctx, cfg.HTTPAddr)
			if err != nil {
				p.Quit()
			}
			return err
		})
	}
	g.Go(func() error {
		defer cancel()
		_, err := p.Run()
		return err
	})

	return g.Wait()
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Run a plan in the foreground",
		Long:  "Run a plan by name from the plan directory, or by path to its YAML file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presetName, _ := cmd.Flags().GetString("preset")
			verbose, _ := cmd.Flags().GetBool("verbose")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openForeground(ctx, cmd, verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := findPlan(args[0], e.cfg)
			if err != nil {
				return err
			}
			if err := plan.Validate(p); err != nil {
				return err
			}
			segments, cfg, err := p.Build()
			if err != nil {
				return err
			}

			if presetName != "" {
				preset, err := presets.New(e.store).Load(presetName)
				if err != nil {
					return fmt.Errorf("failed to load preset %q: %w", presetName, err)
				}
				preset.InitialImage = cfg.InitialImage
				cfg = preset
			}

			fmt.Printf("Running plan %q (%d segments)\n", p.Name, len(segments))
			return follow(ctx, e, command.Command{
				Type:     command.TypeStart,
				PlanName: p.Name,
				Segments: segments,
				Config:   &cfg,
			})
		},
	}

	cmd.Flags().String("preset", "", "Use a saved preset instead of the plan's config")
	cmd.Flags().BoolP("verbose", "v", false, "Log to stderr instead of the log file")
	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the unfinished run from its checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openForeground(ctx, cmd, verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			saved, err := orchestrator.LoadCheckpoint(e.store)
			if err != nil {
				if errors.Is(err, orchestrator.ErrNoCheckpoint) {
					fmt.Println("No unfinished run.")
					return nil
				}
				return err
			}

			fmt.Printf("Resuming run %s at segment %d of %d\n", saved.ID, saved.CurrentIndex+1, len(saved.Segments))
			return follow(ctx, e, command.Command{Type: command.TypeRestore, Checkpoint: saved})
		},
	}

	cmd.Flags().BoolP("verbose", "v", false, "Log to stderr instead of the log file")
	return cmd
}

// openForeground opens an env whose logs go to stderr when verbose, or to
// the log file so they don't interleave with progress output.
func openForeground(ctx context.Context, cmd *cobra.Command, verbose bool) (*env, error) {
	if verbose {
		return openEnv(ctx, cmd, os.Stderr)
	}

	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	logFile, err := openLogFile(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	e, err := openEnv(ctx, cmd, logFile)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	e.closers = append([]func(){func() { logFile.Close() }}, e.closers...)
	return e, nil
}

// follow dispatches cmd and prints segment progress until the iteration
// goroutine exits.
func follow(ctx context.Context, e *env, cmd command.Command) error {
	events, unsubscribe := e.orch.Subscribe()

	var (
		mu     sync.Mutex
		notice string
		final  models.Snapshot
	)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		last := map[int]models.SegmentStatus{}
		for ev := range events {
			for i, seg := range ev.Snapshot.Segments {
				if last[i] == seg.Status {
					continue
				}
				last[i] = seg.Status
				line := fmt.Sprintf("  [%d/%d] %s", i+1, len(ev.Snapshot.Segments), seg.Status)
				if seg.Status == models.SegmentStatusDone && seg.ResultHandle != "" {
					line += "  " + string(seg.ResultHandle)
				}
				fmt.Println(line)
			}
			mu.Lock()
			final = ev.Snapshot
			if ev.Notice != "" {
				notice = ev.Notice
			}
			mu.Unlock()
		}
	}()

	if _, err := e.dispatcher.Dispatch(ctx, cmd); err != nil {
		unsubscribe()
		<-printed
		return err
	}

	// A cancelled ctx stops the loop itself; wait for it to unwind so the
	// checkpoint is written before the process exits.
	err := e.orch.Wait(context.Background())
	unsubscribe()
	<-printed
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	switch {
	case ctx.Err() != nil:
		fmt.Println("Interrupted. Run `segloop resume` to continue.")
		return nil
	case final.CurrentIndex == -1 && !final.IsRunning:
		fmt.Println("Run complete.")
	case notice != "":
		fmt.Printf("Paused: %s\nRun `segloop resume` to continue.\n", notice)
	default:
		fmt.Println("Paused. Run `segloop resume` to continue.")
	}
	return e.orch.Err()
}

func findPlan(nameOrPath string, cfg *config.Config) (*plan.Plan, error) {
	if strings.HasSuffix(nameOrPath, ".yaml") || strings.HasSuffix(nameOrPath, ".yml") {
		return plan.Parse(nameOrPath)
	}

	plans, err := plan.LoadAll([]string{cfg.PlanDir})
	if err != nil {
		return nil, err
	}
	p, ok := plans[nameOrPath]
	if !ok {
		return nil, fmt.Errorf("plan %q not found in %s", nameOrPath, cfg.PlanDir)
	}
	return p, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the unfinished run, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			saved, err := orchestrator.LoadCheckpoint(store)
			if err != nil {
				if errors.Is(err, orchestrator.ErrNoCheckpoint) {
					fmt.Println("No unfinished run.")
					return nil
				}
				return err
			}

			fmt.Printf("Run %s", saved.ID)
			if saved.PlanName != "" {
				fmt.Printf(": %s", saved.PlanName)
			}
			fmt.Printf("\nProgress: %d/%d done\n", saved.DoneCount(), len(saved.Segments))
			if saved.CurrentIndex >= 0 {
				fmt.Printf("Next: segment %d\n", saved.CurrentIndex+1)
			}

			fmt.Println("\nSegments:")
			for i, seg := range saved.Segments {
				fmt.Printf("  %d. [%s] %s\n", i+1, seg.Status, truncate(seg.Prompt, 60))
			}
			return nil
		},
	}
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard the unfinished run's checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := orchestrator.ClearCheckpoint(store); err != nil {
				return fmt.Errorf("failed to clear checkpoint: %w", err)
			}
			fmt.Println("Checkpoint cleared.")
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s %-20s [%s] %d/%d  %s\n",
					run.ID[:min(8, len(run.ID))], truncate(run.PlanName, 20), run.Status,
					run.DoneCount, run.SegmentCount, storage.FormatTimeAgo(run.CreatedAt))
				if run.Error != "" {
					fmt.Printf("         %s\n", run.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API without the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEnv(ctx, cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer e.Close()

			srv := server.New(e.dispatcher, e.orch, e.store, e.cfg.PlanDir, e.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, e.cfg.HTTPAddr)
			})
			g.Go(func() error {
				<-gctx.Done()
				return e.orch.Wait(context.Background())
			})
			return g.Wait()
		},
	}
}

func newPresetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Manage saved run configs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "save <name> <plan>",
		Short: "Save a plan's config as a preset",
		Args:  cobra.ExactArgs(2),
		RunE: withPresets(func(cfg *config.Config, ps *presets.Presets, args []string) error {
			p, err := findPlan(args[1], cfg)
			if err != nil {
				return err
			}
			if err := ps.Save(args[0], p.Config); err != nil {
				return err
			}
			fmt.Printf("Saved preset %q\n", strings.TrimSpace(args[0]))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [name]",
		Short: "Print a preset, or the last used config",
		Args:  cobra.MaximumNArgs(1),
		RunE: withPresets(func(cfg *config.Config, ps *presets.Presets, args []string) error {
			var (
				rc  models.RunConfig
				err error
			)
			if len(args) == 0 {
				rc, err = ps.LoadLast()
			} else {
				rc, err = ps.Load(args[0])
			}
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(rc)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List presets",
		Args:  cobra.NoArgs,
		RunE: withPresets(func(cfg *config.Config, ps *presets.Presets, args []string) error {
			names, err := ps.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No presets saved.")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a preset",
		Args:  cobra.ExactArgs(1),
		RunE: withPresets(func(cfg *config.Config, ps *presets.Presets, args []string) error {
			if err := ps.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted preset %q\n", args[0])
			return nil
		}),
	})

	return cmd
}

func withPresets(fn func(cfg *config.Config, ps *presets.Presets, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cfg, presets.New(store), args)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
