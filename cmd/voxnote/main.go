package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/voxnote/voxnote/internal/bus"
	"github.com/voxnote/voxnote/internal/config"
	"github.com/voxnote/voxnote/internal/folders"
	"github.com/voxnote/voxnote/internal/maintenance"
	otelPkg "github.com/voxnote/voxnote/internal/otel"
	"github.com/voxnote/voxnote/internal/persistence"
	"github.com/voxnote/voxnote/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: voxnote <command> [arguments]

COMMANDS:
  daemon                      Run the recording store until interrupted
  add <file> [flags]          Register a recording file
                              Flags: -date "YYYY-MM-DD HH:MM:SS", -duration SECONDS
  list                        List recordings, newest first
  show <id>                   Show one recording in full
  search <term>               Search filenames and transcripts
  delete <id>                 Delete a recording
  folders                     Print the folder tree
  folder create <name> [-parent ID]
  folder rename <id> <name>
  folder delete <id>
  file <recording-id> <folder-id>
                              File a recording into a folder
  maintain                    Run database maintenance now
  version                     Print the version

Configuration lives in ~/.voxnote/config.yaml (override with VOXNOTE_HOME).
`)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voxnote: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired runtime handed to each subcommand.
type app struct {
	cfg config.Config
	db  *persistence.Manager
	fm  *folders.Manager
}

func run() error {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	command, args := args[0], args[1:]

	switch command {
	case "version", "-version", "--version":
		fmt.Printf("voxnote %s\n", Version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Interactive daemons log to the terminal as well; one-shot commands keep
	// stdout clean for their own output.
	quiet := command != "daemon" || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())

	var metrics *otelPkg.Metrics
	if cfg.OTel.Enabled {
		if metrics, err = otelPkg.NewMetrics(provider.Meter); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	logger.Info("starting", "version", Version, "config", cfg.Fingerprint())

	db, err := persistence.NewManager(ctx, cfg.DatabasePath, bus.New(), logger, metrics)
	if err != nil {
		return fmt.Errorf("open recording store: %w", err)
	}
	defer db.Shutdown()

	fm := folders.New(db, logger)
	if err := fm.Load(ctx); err != nil {
		return err
	}

	a := &app{cfg: cfg, db: db, fm: fm}

	switch command {
	case "daemon":
		return a.runDaemon(ctx, logger)
	case "add":
		return a.cmdAdd(ctx, args)
	case "list":
		return a.cmdList(ctx)
	case "show":
		return a.cmdShow(ctx, args)
	case "search":
		return a.cmdSearch(ctx, args)
	case "delete":
		return a.cmdDelete(ctx, args)
	case "folders":
		return a.cmdFolderTree()
	case "folder":
		return a.cmdFolder(ctx, args)
	case "file":
		return a.cmdFile(ctx, args)
	case "maintain":
		return a.cmdMaintain(ctx)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) runDaemon(ctx context.Context, logger *slog.Logger) error {
	if a.cfg.Maintenance.Enabled {
		sched, err := maintenance.NewScheduler(maintenance.Config{
			DB:          a.db,
			Logger:      logger,
			Schedule:    a.cfg.Maintenance.Schedule,
			BackupDir:   a.cfg.Maintenance.BackupDir,
			KeepBackups: a.cfg.Maintenance.KeepBackups,
		})
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				cfg, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				telemetry.LevelVar.Set(telemetry.ParseLevel(cfg.LogLevel))
				logger.Info("config reloaded", "config", cfg.Fingerprint())
			}
		}()
	}

	logger.Info("daemon ready", "database", a.cfg.DatabasePath, "queued", a.db.QueueLen())
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func (a *app) cmdAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	date := fs.String("date", "", "creation time (YYYY-MM-DD HH:MM:SS); defaults to now")
	duration := fs.Float64("duration", 0, "duration in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("add: expected exactly one file path")
	}
	path := fs.Arg(0)

	when := *date
	if when == "" {
		when = nowStamp()
	}
	data := persistence.RecordingData{
		Filename:    baseName(path),
		FilePath:    path,
		DateCreated: when,
	}
	if *duration > 0 {
		data.Duration = persistence.FormatDuration(*duration)
	}

	id, err := a.db.CreateRecording(ctx, data)
	if err != nil {
		var dup *persistence.DuplicatePathError
		if errors.As(err, &dup) {
			return fmt.Errorf("already registered: %s", dup.Path)
		}
		return err
	}
	fmt.Printf("recording %d: %s\n", id, path)
	return nil
}

func (a *app) cmdList(ctx context.Context) error {
	recs, err := a.db.GetAllRecordings(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no recordings")
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%5d  %-19s  %-8s  %-11s  %s\n",
			r.ID, r.DateCreated, orDash(r.Duration), r.Status(), r.Filename)
	}
	return nil
}

func (a *app) cmdShow(ctx context.Context, args []string) error {
	id, err := parseID(args, "show")
	if err != nil {
		return err
	}
	rec, err := a.db.GetRecordingByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("recording %d not found", id)
	}

	fmt.Printf("id:        %d\n", rec.ID)
	fmt.Printf("filename:  %s\n", rec.Filename)
	fmt.Printf("path:      %s\n", rec.FilePath)
	fmt.Printf("created:   %s\n", rec.DateCreated)
	fmt.Printf("duration:  %s\n", orDash(rec.Duration))
	fmt.Printf("status:    %s\n", rec.Status())
	if rec.RawTranscript != "" {
		fmt.Printf("\ntranscript:\n%s\n", rec.RawTranscript)
	}
	if rec.ProcessedText != "" {
		fmt.Printf("\nprocessed:\n%s\n", rec.ProcessedText)
	}
	return nil
}

func (a *app) cmdSearch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("search: expected exactly one term")
	}
	recs, err := a.db.SearchRecordings(ctx, args[0])
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%5d  %-19s  %s\n", r.ID, r.DateCreated, r.Filename)
	}
	return nil
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	id, err := parseID(args, "delete")
	if err != nil {
		return err
	}
	if err := a.db.DeleteRecording(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted recording %d\n", id)
	return nil
}

func (a *app) cmdFolderTree() error {
	roots := a.fm.Roots()
	if len(roots) == 0 {
		fmt.Println("no folders")
		return nil
	}
	var walk func(f *folders.Folder, depth int)
	walk = func(f *folders.Folder, depth int) {
		fmt.Printf("%s%d  %s\n", strings.Repeat("  ", depth), f.ID, f.Name)
		for _, child := range f.Children {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}
	return nil
}

func (a *app) cmdFolder(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("folder: expected create, rename, or delete")
	}
	action, args := args[0], args[1:]

	switch action {
	case "create":
		fs := flag.NewFlagSet("folder create", flag.ContinueOnError)
		parent := fs.Int64("parent", 0, "parent folder id (0 for root)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("folder create: expected exactly one name")
		}
		var parentID *int64
		if *parent > 0 {
			parentID = parent
		}
		id, err := a.fm.Create(ctx, fs.Arg(0), parentID)
		if err != nil {
			return err
		}
		fmt.Printf("folder %d: %s\n", id, fs.Arg(0))
		return nil

	case "rename":
		if len(args) != 2 {
			return errors.New("folder rename: expected <id> <name>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("folder rename: bad id %q", args[0])
		}
		return a.fm.Rename(ctx, id, args[1])

	case "delete":
		id, err := parseID(args, "folder delete")
		if err != nil {
			return err
		}
		return a.fm.Delete(ctx, id)

	default:
		return fmt.Errorf("folder: unknown action %q", action)
	}
}

func (a *app) cmdFile(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("file: expected <recording-id> <folder-id>")
	}
	recID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("file: bad recording id %q", args[0])
	}
	folderID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("file: bad folder id %q", args[1])
	}
	return a.fm.AddRecording(ctx, recID, folderID)
}

func (a *app) cmdMaintain(ctx context.Context) error {
	sched, err := maintenance.NewScheduler(maintenance.Config{
		DB:          a.db,
		Schedule:    a.cfg.Maintenance.Schedule,
		BackupDir:   a.cfg.Maintenance.BackupDir,
		KeepBackups: a.cfg.Maintenance.KeepBackups,
	})
	if err != nil {
		return err
	}
	return sched.RunNow(ctx)
}

func parseID(args []string, command string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s: expected exactly one id", command)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad id %q", command, args[0])
	}
	return id, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func nowStamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func baseName(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
