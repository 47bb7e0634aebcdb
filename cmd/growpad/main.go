// ABOUTME: CLI entrypoint for the growpad pipeline orchestrator with server and one-shot run modes.
// ABOUTME: Wires together the run store, SQLite index, event emitter, stage handlers, engine, and HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/2389-research/growpad/config"
	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/server"
	"github.com/2389-research/growpad/stages"
)

var version = "dev"

// cliConfig holds all CLI configuration parsed from flags.
type cliConfig struct {
	serverMode  bool
	configPath  string
	dataDir     string
	listen      string
	workspace   string
	goal        string
	evidenceDir string
	fastMode    bool
	showVersion bool
}

func main() {
	if err := config.ApplyDotEnv(".env"); err != nil {
		log.Printf("dotenv: %v", err)
	}

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("growpad %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("growpad", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.StringVar(&cfg.configPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory for run state (overrides config)")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config)")
	fs.StringVar(&cfg.workspace, "workspace", "", "Workspace ID for one-shot runs")
	fs.StringVar(&cfg.goal, "goal", "", "Goal for a one-shot run")
	fs.StringVar(&cfg.evidenceDir, "evidence", "", "Evidence bundle directory for a one-shot run")
	fs.BoolVar(&cfg.fastMode, "fast", true, "Fast mode: auto-select the top feature, skip design notes")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	return cfg
}

func run(cli cliConfig) int {
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}
	if cli.dataDir != "" {
		cfg.DataDir = cli.dataDir
	}
	if cli.listen != "" {
		cfg.Listen = cli.listen
	}

	store, err := pipeline.NewFSRunStore(filepath.Join(cfg.DataDir, "runs"))
	if err != nil {
		log.Printf("run store: %v", err)
		return 1
	}

	emitter := pipeline.NewEmitter(store)
	registry := pipeline.DefaultStageRegistry()

	ws, ok := cfg.Workspace(cli.workspace)
	if !ok {
		log.Printf("unknown workspace %q", cli.workspace)
		return 1
	}

	client, offline := llm.NewFromEnv()
	if offline {
		log.Printf("no OPENAI_API_KEY set; using deterministic offline generation")
	}

	handlers := pipeline.NewHandlerRegistry()
	stages.RegisterAll(handlers, stages.Deps{
		LLM:           client,
		Offline:       offline,
		VerifyCommand: ws.VerifyCommand,
	})

	engine := pipeline.NewEngine(store, emitter, registry, handlers)

	index, err := pipeline.OpenSqliteRunIndex(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		// The index is a cache; run without it rather than failing startup.
		log.Printf("run index unavailable: %v", err)
		index = nil
	} else {
		defer index.Close()
		if err := index.Rebuild(store); err != nil {
			log.Printf("run index rebuild: %v", err)
		}
		engine.AttachIndex(index)
	}

	if cli.serverMode {
		return serveHTTP(cfg, engine, store, emitter, index)
	}
	return oneShot(cli, ws, engine, store)
}

// serveHTTP resumes interrupted runs and serves the control surface until
// the process receives an interrupt.
func serveHTTP(cfg *config.Config, engine *pipeline.Engine, store pipeline.RunStore, emitter *pipeline.Emitter, index *pipeline.SqliteRunIndex) int {
	resumed, err := engine.ResumeAll()
	if err != nil {
		log.Printf("resume: %v", err)
		return 1
	}
	if len(resumed) > 0 {
		log.Printf("resumed %d interrupted run(s): %v", len(resumed), resumed)
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(engine, store, emitter, index, cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("growpad listening on %s", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve: %v", err)
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return 0
}

// oneShot starts a single run and follows its event log to completion.
// One-shot runs are non-interactive, so the approval gate is disabled and
// fast mode defaults on.
func oneShot(cli cliConfig, ws *config.WorkspaceConfig, engine *pipeline.Engine, store pipeline.RunStore) int {
	if cli.goal == "" || cli.evidenceDir == "" {
		log.Printf("one-shot mode requires -goal and -evidence (or use -server)")
		return 2
	}

	guardrails := ws.PipelineGuardrails()
	run, err := engine.StartRun(pipeline.NewRunRequest{
		WorkspaceID: ws.ID,
		Goal:        cli.goal,
		EvidenceDir: cli.evidenceDir,
		RepoDir:     ws.RepoDir,
		FastMode:    cli.fastMode,
		Guardrails:  &guardrails,
	})
	if err != nil {
		log.Printf("start run: %v", err)
		return 1
	}
	log.Printf("started %s", run.ID)

	eventLog := pipeline.NewEventLog(store)
	var lastSeq uint64
	for {
		events, err := eventLog.Query(run.ID, pipeline.EventFilter{FromSeq: lastSeq})
		if err == nil {
			for _, ev := range events {
				line := fmt.Sprintf("[%s] %s", ev.Action, ev.Stage)
				if ev.Outcome != "" {
					line += " " + ev.Outcome
				}
				if ev.Error != "" {
					line += " error=" + ev.Error
				}
				log.Print(line)
				lastSeq = ev.Seq
			}
		}

		current, err := store.Get(run.ID)
		if err != nil {
			log.Printf("read run: %v", err)
			return 1
		}
		if current.Status.IsTerminal() {
			log.Printf("run %s finished: %s", run.ID, current.Status)
			if current.Status != pipeline.StatusCompleted {
				return 1
			}
			return 0
		}

		time.Sleep(200 * time.Millisecond)
	}
}
