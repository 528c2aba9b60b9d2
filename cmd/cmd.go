package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/backup"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/buildinfo"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/cache"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/config"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/git"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/kicad"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/pipeline"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/render"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/snapshot"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/watch"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/web"
)

// defaultConfName is picked up from the working directory when -conf is not
// given.
const defaultConfName = "kicad-diff.yaml"

func Run() error {
	return run(os.Args[1:])
}

func run(args []string) error {
	fs := flag.NewFlagSet("kicad-diff-visualizer", flag.ContinueOnError)
	confPath := fs.String("conf", "", "configuration file (YAML)")
	host := fs.String("host", "", "server host address")
	port := fs.Int("port", 0, "server port number")
	kicadCLI := fs.String("kicad-cli", "", "path to the kicad-cli executable")
	verbose := fs.Bool("verbose", false, "enable verbose logging")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*confPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *kicadCLI != "" {
		cfg.KicadCLI = *kicadCLI
	}
	setupLogging(cfg.LogLevel, *verbose)

	project, err := kicad.Find(fs.Args())
	if err != nil {
		return err
	}
	if cfg.PCBPath != "" {
		project.PCB = cfg.PCBPath
	}
	if cfg.SchPath != "" {
		project.Sch = cfg.SchPath
	}
	slog.Info("project resolved",
		slog.String("dir", project.Dir),
		slog.String("pcb", project.PCB),
		slog.String("sch", project.Sch),
	)

	pipe, cleanup, err := buildPipeline(cfg, project)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := web.New(pipe)
	if err != nil {
		return err
	}

	watcher, err := watch.New(watchDirs(project, pipe.Catalog), watch.DefaultDelay, pipe.InvalidateWorking)
	if err != nil {
		slog.Warn("filesystem watching disabled", slog.Any("error", err))
	} else {
		defer watcher.Close()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return serve(addr, srv.Handler())
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfName); err == nil {
			path = defaultConfName
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(level string, verbose bool) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		slogLevel = slog.LevelInfo
	}
	if verbose {
		slogLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	})))
}

func buildPipeline(cfg *config.Config, project *kicad.Project) (*pipeline.Service, func(), error) {
	cat := &catalog.Catalog{ProjectDir: project.Dir}
	gitSvc, err := git.Open(project.Dir, cfg.GitBackend)
	if err != nil {
		slog.Warn("git history unavailable", slog.Any("error", err))
	} else {
		cat.Git = gitSvc
	}
	backups, err := backup.Open(project.Dir, project.Stem)
	if err != nil {
		return nil, nil, err
	}
	if backups != nil {
		cat.Backups = backups
	}
	if cat.Git == nil && cat.Backups == nil {
		return nil, nil, fmt.Errorf("%w: %s", catalog.ErrRepositoryUnavailable, project.Dir)
	}

	cleanup := func() {}
	var store *cache.Store
	if cfg.CacheDB != "" {
		store, err = cache.OpenStore(cfg.CacheDB)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { store.Close() }
	}
	renderCache, err := cache.New(cfg.CacheEntries, store)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	renderer := &render.Renderer{Bin: cfg.KicadCLI, Timeout: time.Duration(cfg.RenderTimeout)}
	pipe := &pipeline.Service{
		Project:      project,
		Catalog:      cat,
		Materializer: &snapshot.Materializer{Source: cat, ProjectDir: project.Dir},
		Cache:        renderCache,
		Layers:       cfg.Layers,
		Render:       renderer.Render,
		FitBoard:     cfg.FitBoard,
	}
	return pipe, cleanup, nil
}

func watchDirs(project *kicad.Project, cat *catalog.Catalog) []string {
	dirs := []string{project.Dir}
	if backups, ok := cat.Backups.(*backup.Store); ok && backups != nil {
		dirs = append(dirs, backups.Dir())
	}
	return dirs
}

func serve(addr string, handler http.Handler) error {
	server := &http.Server{Addr: addr, Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving", slog.String("addr", "http://"+addr+"/"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
