// Command nzbstream mounts a local NZB file and serves its media over HTTP
// with Range support, streaming segments from Usenet on demand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/javi11/nzbstream"
	"github.com/javi11/nzbstream/cache"
	"github.com/javi11/nzbstream/nntp"
	"github.com/javi11/nzbstream/nzb"
)

func main() {
	host := flag.String("host", "", "NNTP server host")
	port := flag.Int("port", 119, "NNTP server port")
	user := flag.String("user", "", "NNTP username")
	pass := flag.String("pass", "", "NNTP password")
	useTLS := flag.Bool("tls", false, "Use TLS")
	connections := flag.Int("connections", 10, "Max connections to the provider")

	nzbPath := flag.String("nzb", "", "Path to NZB file to mount")
	listen := flag.String("listen", ":8099", "HTTP listen address")
	cacheDir := flag.String("cache-dir", "", "Segment cache directory (empty = in-memory)")
	cacheTTL := flag.Duration("cache-ttl", 24*time.Hour, "Segment cache entry TTL")
	verbose := flag.Bool("verbose", false, "Debug logging")

	flag.Parse()

	if *host == "" || *nzbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --host and --nzb are required")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(log, runConfig{
		provider: nntp.ProviderConfig{
			Host:           *host,
			Port:           *port,
			Username:       *user,
			Password:       *pass,
			TLS:            *useTLS,
			MaxConnections: *connections,
		},
		nzbPath:  *nzbPath,
		listen:   *listen,
		cacheDir: *cacheDir,
		cacheTTL: *cacheTTL,
	}); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type runConfig struct {
	provider nntp.ProviderConfig
	nzbPath  string
	listen   string
	cacheDir string
	cacheTTL time.Duration
}

// staticMounts exposes the mounted NZB files as ready mounts, one per
// playable file set, keyed by NZB hash prefix.
type staticMounts struct {
	mounts map[string]*nzbstream.Mount
}

func (s *staticMounts) GetMount(_ context.Context, id string) (*nzbstream.Mount, error) {
	m, ok := s.mounts[id]
	if !ok {
		return nil, fmt.Errorf("mount %s not found", id)
	}
	return m, nil
}

func run(log *slog.Logger, cfg runConfig) error {
	f, err := os.Open(cfg.nzbPath)
	if err != nil {
		return err
	}
	parsed, err := nzb.Parse(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	mountID := parsed.Hash[:12]
	mounts := &staticMounts{mounts: map[string]*nzbstream.Mount{
		mountID: {
			ID:         mountID,
			NzbHash:    parsed.Hash,
			Status:     nzbstream.MountStatusReady,
			MediaFiles: parsed.Files,
			TotalSize:  parsed.TotalSize,
			FileCount:  len(parsed.Files),
		},
	}}

	manager, err := nntp.NewManager(nntp.ManagerConfig{
		Providers: []nntp.ProviderConfig{cfg.provider},
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	segCache, err := cache.Open(cache.Config{
		Path:       cfg.cacheDir,
		TTL:        cfg.cacheTTL,
		GCInterval: 10 * time.Minute,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = segCache.Close() }()

	service, err := nzbstream.NewStreamService(nzbstream.Config{
		Mounts:   mounts,
		Articles: manager,
		Cache:    segCache,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get("/mounts/{mountID}/streamable", func(w http.ResponseWriter, req *http.Request) {
		info, err := service.CheckStreamability(req.Context(), chi.URLParam(req, "mountID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, "canStream=%v archiveType=%s bestFile=%s totalSize=%d\n",
			info.CanStream, info.ArchiveType, info.BestFile, info.TotalSize)
	})
	r.Get("/stream/{mountID}/{fileIndex}", func(w http.ResponseWriter, req *http.Request) {
		fileIndex, err := strconv.Atoi(chi.URLParam(req, "fileIndex"))
		if err != nil {
			http.Error(w, "bad file index", http.StatusBadRequest)
			return
		}

		result, err := service.CreateStream(req.Context(),
			chi.URLParam(req, "mountID"), fileIndex, req.Header.Get("Range"))
		if err != nil {
			writeStreamError(w, err)
			return
		}
		defer func() { _ = result.Stream.Close() }()

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", result.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
		if result.IsPartial {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d",
				result.StartByte, result.EndByte, result.TotalSize))
			w.WriteHeader(http.StatusPartialContent)
		}

		if _, err := io.Copy(w, result.Stream); err != nil {
			log.Debug("stream aborted", "error", err)
		}
	})

	srv := &http.Server{Addr: cfg.listen, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving",
		"listen", cfg.listen,
		"mount", mountID,
		"files", len(parsed.Files),
		"size", parsed.TotalSize)
	printFiles(parsed)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// writeStreamError maps the engine's error taxonomy onto HTTP statuses.
func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nzbstream.ErrNotStreamable):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, nzbstream.ErrInvalidRange):
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
	case errors.Is(err, nzbstream.ErrMountNotReady), errors.Is(err, nzbstream.ErrFileNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, nntp.ErrNoProvidersAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func printFiles(parsed *nzb.ParsedNzb) {
	for _, f := range parsed.Files {
		kind := "media"
		if f.IsRar {
			kind = "rar"
		} else if !nzb.IsMediaName(f.Name) {
			kind = "other"
		}
		fmt.Printf("  [%d] %-8s %12d  %s\n", f.Index, kind, f.Size, strings.TrimSpace(f.Name))
	}
}
