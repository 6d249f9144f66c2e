//go:build profiling
// +build profiling

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/felixge/fgprof"
	"github.com/grafana/pyroscope-go"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/xregistry/ociwrap"
)

type profileKind string

const (
	profileCPU   profileKind = "cpu"
	profileFG    profileKind = "fgprof"
	profileTrace profileKind = "trace"
	profileNone  profileKind = "none"
	defaultRepo              = "cli-test/profile"
)

const (
	modeVersion  = "version"
	modeVersions = "versions"
	modeCatalog  = "catalog"
	modeMixed    = "mixed"
)

func main() {
	var (
		registry    = flag.String("registry", "localhost:5001", "upstream registry host:port (plain HTTP)")
		repo        = flag.String("repo", defaultRepo, "repository name (no registry)")
		tag         = flag.String("tag", "", "tag to use (default: timestamp)")
		seed        = flag.Bool("seed", true, "push a synthetic image to the registry before profiling")
		layers      = flag.Int("layers", 4, "layer count for the seeded image")
		layerSize   = flag.Int("layer-size", 64*1024, "bytes per seeded layer")
		mode        = flag.String("mode", modeVersion, "request mode: version, versions, catalog, or mixed")
		requests    = flag.Int("requests", 1000, "number of requests to issue")
		concurrency = flag.Int("concurrency", 8, "concurrent request workers")
		profile     = flag.String("profile", "cpu", "profile type: cpu, fgprof, trace, none")
		outDir      = flag.String("out", "profiles", "output directory for profiles")
		label       = flag.String("label", "", "label suffix for profile files")
		cacheDir    = flag.String("cache-dir", "", "response cache directory (enables caching when set)")
		clearCache  = flag.Bool("clear-cache", false, "clear cache directory before running")
		stats       = flag.Bool("cache-stats", false, "print cache stats after run")
		logLevel    = flag.String("log-level", "", "log level: debug, info, warn, error")
		timeout     = flag.Duration("timeout", 15*time.Minute, "overall timeout")
		pyroAddr    = flag.String("pyroscope", "", "Pyroscope server URL (enables streaming, disables local profiles)")
	)
	flag.Parse()

	runID := time.Now().UTC().Format("20060102T150405Z")
	if *tag == "" {
		*tag = runID
	}

	modeValue := strings.ToLower(*mode)
	if modeValue != modeVersion && modeValue != modeVersions && modeValue != modeCatalog && modeValue != modeMixed {
		log.Fatalf("invalid mode %q (expected %s, %s, %s, or %s)", *mode, modeVersion, modeVersions, modeCatalog, modeMixed)
	}

	profileKindValue := profileKind(strings.ToLower(*profile))
	if !isValidProfile(profileKindValue) {
		log.Fatalf("invalid profile %q (expected cpu, fgprof, trace, none)", *profile)
	}

	// When Pyroscope is enabled, stream profiles instead of writing locally
	var pyroProfiler *pyroscope.Profiler
	if *pyroAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "ociwrap-profile",
			ServerAddress:   *pyroAddr,
			// Grafana Cloud requires BasicAuth (AuthToken is deprecated)
			// User: instance ID from Grafana Cloud, Password: API token
			BasicAuthUser:     os.Getenv("PYROSCOPE_BASIC_AUTH_USER"),
			BasicAuthPassword: os.Getenv("PYROSCOPE_BASIC_AUTH_PASSWORD"),
			// Use a short upload rate since profiling runs are brief (~10s)
			UploadRate: 5 * time.Second,
			Logger:     pyroscope.StandardLogger,
			Tags: map[string]string{
				"mode":    modeValue,
				"git_sha": os.Getenv("GITHUB_SHA"),
				"git_ref": os.Getenv("GITHUB_REF_NAME"),
				"run_id":  runID,
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("start pyroscope: %v", err)
		}
		pyroProfiler = profiler
		log.Printf("streaming profiles to %s", *pyroAddr)
	}

	if *pyroAddr == "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			log.Fatalf("create profile output dir: %v", err)
		}
	}
	if *requests < 1 {
		log.Fatalf("requests must be >= 1")
	}
	if *concurrency < 1 {
		log.Fatalf("concurrency must be >= 1")
	}

	labelParts := []string{modeValue}
	if *label != "" {
		labelParts = append(labelParts, sanitizeLabel(*label))
	}
	labelParts = append(labelParts, runID)
	labelValue := strings.Join(labelParts, "_")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *seed {
		if err := seedImage(ctx, *registry, *repo, *tag, *layers, *layerSize); err != nil {
			log.Fatalf("seed image: %v", err)
		}
		log.Printf("seeded %s/%s:%s", *registry, *repo, *tag)
	}

	serverOpts := []ociwrap.Option{
		ociwrap.WithBackends([]ociwrap.Backend{{
			Name:        "profile",
			RegistryURL: "http://" + *registry,
		}}),
	}
	if *logLevel != "" {
		level, err := parseLogLevel(*logLevel)
		if err != nil {
			log.Fatalf("parse log level: %v", err)
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		serverOpts = append(serverOpts, ociwrap.WithLogger(logger))
	}
	if *cacheDir != "" {
		absCacheDir, err := filepath.Abs(*cacheDir)
		if err != nil {
			log.Fatalf("resolve cache dir: %v", err)
		}
		if *clearCache {
			if err := os.RemoveAll(absCacheDir); err != nil {
				log.Fatalf("clear cache dir: %v", err)
			}
		}
		serverOpts = append(serverOpts, ociwrap.WithCacheDir(absCacheDir))
	} else if *clearCache {
		log.Fatalf("--clear-cache requires --cache-dir")
	}

	srv, err := ociwrap.New(serverOpts...)
	if err != nil {
		log.Fatalf("create server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serveErr := httpSrv.Serve(ln); !errors.Is(serveErr, http.ErrServerClosed) {
			log.Fatalf("serve: %v", serveErr)
		}
	}()
	baseURL := "http://" + ln.Addr().String()

	paths := requestPaths(modeValue, *repo, *tag)

	// Only start local profiling when not streaming to Pyroscope
	var stopProfile func() error
	if *pyroAddr == "" {
		stopProfile, err = startProfile(profileKindValue, *outDir, labelValue)
		if err != nil {
			log.Fatalf("start profile: %v", err)
		}
	}

	var failures atomic.Int64
	client := &http.Client{Timeout: 30 * time.Second}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := range *requests {
		path := paths[i%len(paths)]
		g.Go(func() error {
			req, reqErr := http.NewRequestWithContext(gctx, http.MethodGet, baseURL+path, nil)
			if reqErr != nil {
				return reqErr
			}
			resp, doErr := client.Do(req)
			if doErr != nil {
				failures.Add(1)
				return nil
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				failures.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("request loop: %v", err)
	}
	elapsed := time.Since(start)
	log.Printf("%d requests in %s (%.0f req/s), %d failures",
		*requests, elapsed, float64(*requests)/elapsed.Seconds(), failures.Load())

	// Stop profiling - either Pyroscope or local
	if pyroProfiler != nil {
		if err := pyroProfiler.Stop(); err != nil {
			log.Fatalf("stop pyroscope: %v", err)
		}
		log.Printf("pyroscope profiling stopped")
	} else {
		if stopErr := stopProfile(); stopErr != nil {
			log.Fatalf("stop profile: %v", stopErr)
		}
		if err := writeHeapProfile(*outDir, labelValue); err != nil {
			log.Fatalf("write heap profile: %v", err)
		}
		if err := writeAllocsProfile(*outDir, labelValue); err != nil {
			log.Fatalf("write allocs profile: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	if *stats && *cacheDir != "" {
		if err := printCacheStats(*cacheDir); err != nil {
			log.Fatalf("print cache stats: %v", err)
		}
	}
}

// requestPaths maps a mode to the xRegistry paths the load loop rotates
// through. Repository names are projected with "/" swapped for "~".
func requestPaths(mode, repo, tag string) []string {
	id := strings.ReplaceAll(repo, "/", "~")
	version := "/containerregistries/profile/images/" + id + "/versions/" + tag
	versions := "/containerregistries/profile/images/" + id + "/versions"
	catalog := "/containerregistries/profile/images"
	switch mode {
	case modeVersions:
		return []string{versions}
	case modeCatalog:
		return []string{catalog}
	case modeMixed:
		return []string{version, versions, catalog}
	default:
		return []string{version}
	}
}

// seedImage pushes a synthetic multi-layer image so projections have layers,
// labels and history to chew on.
func seedImage(ctx context.Context, registry, repo, tag string, layerCount, layerSize int) error {
	target, err := remote.NewRepository(registry + "/" + repo)
	if err != nil {
		return err
	}
	target.PlainHTTP = true

	store := memory.New()
	rng := rand.New(rand.NewSource(42))

	descriptors := make([]ocispec.Descriptor, 0, layerCount)
	for range layerCount {
		layer := make([]byte, layerSize)
		if _, err := rng.Read(layer); err != nil {
			return err
		}
		desc := ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(layer),
			Size:      int64(len(layer)),
		}
		if err := store.Push(ctx, desc, bytes.NewReader(layer)); err != nil {
			return err
		}
		descriptors = append(descriptors, desc)
	}

	config := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"created":      time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"Labels": map[string]string{
				"org.opencontainers.image.description": "Synthetic profiling image",
				"org.opencontainers.image.version":     tag,
			},
			"Env": []string{"PATH=/usr/local/bin"},
		},
		"history": []map[string]any{
			{"created_by": "/bin/sh -c #(nop) ADD file:payload /"},
			{"created_by": "/bin/sh -c chmod +x /entrypoint"},
		},
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return err
	}
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromBytes(configJSON),
		Size:      int64(len(configJSON)),
	}
	if err := store.Push(ctx, configDesc, bytes.NewReader(configJSON)); err != nil {
		return err
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    descriptors,
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	manifestDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(manifestJSON),
		Size:      int64(len(manifestJSON)),
	}
	if err := store.Push(ctx, manifestDesc, bytes.NewReader(manifestJSON)); err != nil {
		return err
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return err
	}

	_, err = oras.Copy(ctx, store, tag, target, tag, oras.DefaultCopyOptions)
	return err
}

func isValidProfile(kind profileKind) bool {
	switch kind {
	case profileCPU, profileFG, profileTrace, profileNone:
		return true
	default:
		return false
	}
}

func startProfile(kind profileKind, outDir, label string) (func() error, error) {
	switch kind {
	case profileCPU:
		path := filepath.Join(outDir, "cpu_"+label+".pprof")
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, err
		}
		return func() error {
			pprof.StopCPUProfile()
			return f.Close()
		}, nil
	case profileFG:
		path := filepath.Join(outDir, "fgprof_"+label+".pprof")
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		stop := fgprof.Start(f, fgprof.FormatPprof)
		return func() error {
			stopErr := stop()
			closeErr := f.Close()
			return errors.Join(stopErr, closeErr)
		}, nil
	case profileTrace:
		path := filepath.Join(outDir, "trace_"+label+".out")
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			return nil, err
		}
		return func() error {
			trace.Stop()
			return f.Close()
		}, nil
	case profileNone:
		return func() error { return nil }, nil
	default:
		return nil, fmt.Errorf("unknown profile type: %s", kind)
	}
}

func writeHeapProfile(outDir, label string) error {
	path := filepath.Join(outDir, "heap_"+label+".pprof")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	runtime.GC()
	return pprof.WriteHeapProfile(f)
}

func writeAllocsProfile(outDir, label string) error {
	path := filepath.Join(outDir, "allocs_"+label+".pprof")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pprof.Lookup("allocs").WriteTo(f, 0)
}

func sanitizeLabel(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, value)
}

func parseLogLevel(value string) (slog.Leveler, error) {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return nil, fmt.Errorf("unknown level %q", value)
	}
}

func printCacheStats(dir string) error {
	info, err := ociwrap.CacheStats(dir)
	if err != nil {
		return err
	}
	log.Printf("cache stats: dir=%s entries=%d bytes=%d", info.Path, info.EntryCount, info.TotalSize)
	return nil
}
