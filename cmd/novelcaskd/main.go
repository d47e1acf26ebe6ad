// Command novelcaskd drives the novel acquisition pipeline: download a
// single book, process a validated batch of them, bust a book's cached
// state, or run the observability HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/n0vella/novelcask/internal/cache"
	"github.com/n0vella/novelcask/internal/downloader"
	"github.com/n0vella/novelcask/internal/fsutil"
	"github.com/n0vella/novelcask/internal/logging"
	"github.com/n0vella/novelcask/internal/metrics"
	"github.com/n0vella/novelcask/internal/model"
	"github.com/n0vella/novelcask/internal/plugin"
	"github.com/n0vella/novelcask/internal/plugin/sites/b520"
	"github.com/n0vella/novelcask/internal/plugin/sites/piaotian"
	"github.com/n0vella/novelcask/internal/progress"
	"github.com/n0vella/novelcask/internal/ratelimit"
	"github.com/n0vella/novelcask/internal/resume"
	"github.com/n0vella/novelcask/internal/server"
	"github.com/n0vella/novelcask/internal/session"
	"github.com/n0vella/novelcask/internal/store"
	"github.com/n0vella/novelcask/internal/validate"
)

type logconfig struct {
	Verbose bool `help:"Increase log verbosity."`
}

func (c *logconfig) Run() error {
	logging.SetVerbose(c.Verbose)
	return nil
}

type cli struct {
	Download downloadCmd `cmd:"" help:"Download a single book."`
	Batch    batchCmd    `cmd:"" help:"Download every book listed in a JSON file."`
	Bust     bustCmd     `cmd:"" help:"Delete a book's cached state so it refetches from scratch."`
	Serve    serveCmd    `cmd:"" help:"Run the observability HTTP server."`
}

type downloadCmd struct {
	logconfig

	Site        string        `required:"" help:"Registered site name."`
	BookID      string        `required:"" arg:"" help:"Site-specific book ID."`
	OutDir      string        `default:"." help:"Directory to write book_info.json and the chapter store into."`
	MaxRetries  int           `default:"3" help:"Maximum per-chapter retry attempts."`
	Cookie      string        `help:"Cookie header to send with every upstream request."`
	RPM         int           `default:"60" help:"Maximum upstream requests per minute."`
	HostRPS     float64       `default:"3" help:"Hard per-host requests-per-second ceiling enforced at the transport."`
	Encoding    string        `help:"Charset override for sites serving undeclared legacy encodings (gbk, gb2312, gb18030)."`
	CacheTTL    time.Duration `default:"10m" help:"How long a fetched page stays cached in memory, so a requeued pagination fetch doesn't cross the network again."`
	ResumeDSN   string        `help:"Postgres DSN tracking in-flight downloads across restarts; omit to disable resume tracking."`
	MetricsAddr string        `help:"If set, serve Prometheus metrics for this run's Downloader/RateLimiter on this address until it completes."`
}

func (c *downloadCmd) Run() error {
	_ = c.logconfig.Run()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := buildRegistry()
	site, err := reg.Lookup(c.Site)
	if err != nil {
		return err
	}

	metricsReg := metrics.New()
	dlMetrics := metrics.NewDownloader(metricsReg)
	rlMetrics := metrics.NewRateLimiter(metricsReg)
	sessMetrics := metrics.NewSession(metricsReg)
	stopMetrics := startMetricsServer(c.MetricsAddr, metricsReg)
	defer stopMetrics()

	pageCache, err := newPageCache(c.CacheTTL)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(float64(c.RPM)/60, c.RPM/4+1, 0.2)
	limiter.Instrument(c.Site+"/"+c.BookID, rlMetrics)
	sess, err := session.New(session.Config{
		Cookie:    c.Cookie,
		UserAgent: "novelcaskd/1.0",
		Limiter:   limiter,
		HostRPS:   c.HostRPS,
		Encoding:  c.Encoding,
		Cache:     pageCache,
		Metrics:   sessMetrics,
	}, 2)
	if err != nil {
		return err
	}
	defer sess.Close()
	rewireSession(site, sess)

	persister, err := newPersister(ctx, c.ResumeDSN)
	if err != nil {
		return err
	}

	return runOne(ctx, model.BookRequest{Site: c.Site, BookID: c.BookID, OutDir: c.OutDir, MaxRetries: c.MaxRetries, Cookie: c.Cookie}, site, persister, dlMetrics)
}

type batchCmd struct {
	logconfig

	File        string        `required:"" arg:"" help:"Path to a JSON file containing a list of book requests."`
	CacheTTL    time.Duration `default:"10m" help:"How long a fetched page stays cached in memory, so a requeued pagination fetch doesn't cross the network again."`
	ResumeDSN   string        `help:"Postgres DSN tracking in-flight downloads across restarts; omit to disable resume tracking."`
	MetricsAddr string        `help:"If set, serve Prometheus metrics for the batch's Downloader/RateLimiter on this address until it completes."`
}

func (c *batchCmd) Run() error {
	_ = c.logconfig.Run()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	if err := validate.Batch(raw); err != nil {
		return err
	}

	var reqs []model.BookRequest
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return err
	}

	persister, err := newPersister(ctx, c.ResumeDSN)
	if err != nil {
		return err
	}
	if inFlight, err := persister.InFlight(ctx); err != nil {
		logging.Log(ctx).Warn("listing in-flight runs", "err", err)
	} else if len(inFlight) > 0 {
		logging.Log(ctx).Info("found runs left in-flight by an earlier invocation", "count", len(inFlight))
	}

	metricsReg := metrics.New()
	dlMetrics := metrics.NewDownloader(metricsReg)
	rlMetrics := metrics.NewRateLimiter(metricsReg)
	sessMetrics := metrics.NewSession(metricsReg)
	stopMetrics := startMetricsServer(c.MetricsAddr, metricsReg)
	defer stopMetrics()

	reg := buildRegistry()
	for _, req := range reqs {
		site, err := reg.Lookup(req.Site)
		if err != nil {
			return err
		}
		pageCache, err := newPageCache(c.CacheTTL)
		if err != nil {
			return err
		}
		limiter := ratelimit.New(1, 10, 0.2)
		limiter.Instrument(req.Site+"/"+req.BookID, rlMetrics)
		sess, err := session.New(session.Config{Cookie: req.Cookie, UserAgent: "novelcaskd/1.0", Limiter: limiter, HostRPS: 3, Cache: pageCache, Metrics: sessMetrics}, 2)
		if err != nil {
			return err
		}
		rewireSession(site, sess)

		if err := runOne(ctx, req, site, persister, dlMetrics); err != nil {
			logging.Log(ctx).Error("book failed", "site", req.Site, "book_id", req.BookID, "err", err)
		}
		sess.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// newPageCache builds the in-process page cache shared by a single book's
// session. A fixed 64MiB cost budget is plenty for one book's worth of
// in-flight pagination pages; ttl governs how long an entry survives.
func newPageCache(ttl time.Duration) (*cache.PageCache, error) {
	return cache.New(64<<20, ttl)
}

// newPersister builds the resume tracker for a run. An empty dsn disables
// resume tracking entirely rather than failing the command.
func newPersister(ctx context.Context, dsn string) (resume.Persister, error) {
	if dsn == "" {
		return resume.NoOp{}, nil
	}
	return resume.New(ctx, dsn, nil)
}

// startMetricsServer serves reg's metrics on addr for the lifetime of a
// download/batch run, the same /healthz+/metrics mux serveCmd runs
// standalone. An empty addr disables it; the returned func stops the
// server and must be called before the command returns.
func startMetricsServer(addr string, reg *prometheus.Registry) func() {
	if addr == "" {
		return func() {}
	}

	srv := &http.Server{Addr: addr, Handler: server.New(reg)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log(context.Background()).Error("metrics server failed", "err", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type bustCmd struct {
	logconfig

	Site   string `required:"" help:"Registered site name."`
	BookID string `required:"" arg:"" help:"Site-specific book ID."`
	OutDir string `default:"." help:"Directory holding the book's cached state."`
}

func (c *bustCmd) Run() error {
	_ = c.logconfig.Run()
	base := bookDir(c.OutDir, c.Site, c.BookID)
	err1 := os.Remove(filepath.Join(base, "book_info.json"))
	err2 := os.Remove(filepath.Join(base, "chapters.db"))
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}

type serveCmd struct {
	logconfig

	Port int `default:"8788" help:"Port to serve the observability endpoints on."`
}

func (c *serveCmd) Run() error {
	_ = c.logconfig.Run()

	reg := metrics.New()
	mux := server.New(reg)

	addr := fmt.Sprintf(":%d", c.Port)
	srv := &http.Server{
		Handler:      mux,
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}

	slog.Info("listening on " + addr)
	return srv.ListenAndServe()
}

func buildRegistry() *plugin.Registry {
	reg := plugin.NewRegistry()
	piaotian.Register(reg, nil, 0)
	b520.Register(reg, nil, 0)
	return reg
}

// rewireSession replaces a just-registered site's Fetcher with one bound
// to sess. Sites are registered with a nil Session at startup since the
// registry is built once but each request may carry its own cookie/rate
// limit; this swaps in the real session before use.
func rewireSession(site plugin.Site, sess *session.Session) {
	switch f := site.Fetcher.(type) {
	case *piaotian.Fetcher:
		f.Session = sess
	case *b520.Fetcher:
		f.Session = sess
	}
}

func bookDir(outDir, site, bookID string) string {
	return filepath.Join(outDir, site, bookID)
}

func runOne(ctx context.Context, req model.BookRequest, site plugin.Site, persister resume.Persister, dlMetrics *metrics.Downloader) error {
	ctx = logging.WithID(ctx, req.Site+"/"+req.BookID)

	if err := persister.Persist(ctx, req.Site, req.BookID); err != nil {
		logging.Log(ctx).Warn("recording in-flight run", "err", err)
	}

	base := bookDir(req.OutDir, req.Site, req.BookID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(base, "chapters.db"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	info, err := site.Fetcher.FetchBookInfo(ctx, req.BookID)
	if err != nil {
		return err
	}

	d := downloader.New(downloader.Config{
		Site:       site,
		BookID:     req.BookID,
		Store:      st,
		MaxRetries: req.MaxRetries,
		OnProgress: progress.Hook(info.Title),
		Metrics:    dlMetrics,
	})

	result, err := d.Run(ctx, &info)
	if err != nil {
		return err
	}

	info.FetchedAtMs = time.Now().UnixMilli()
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(base, "book_info.json"), raw, 0o644); err != nil {
		return err
	}

	// A cancelled run returns a partial Result with a nil error; its
	// in-flight row must survive so the next invocation resumes it
	// instead of treating the book as done.
	finished := result.Stored+result.Skipped+result.Dropped >= result.Total
	if ctx.Err() == nil && finished {
		if err := persister.Delete(ctx, req.Site, req.BookID); err != nil {
			logging.Log(ctx).Warn("clearing in-flight run", "err", err)
		}
		logging.Log(ctx).Info("download complete", "stored", result.Stored, "skipped", result.Skipped, "dropped", result.Dropped)
	} else {
		logging.Log(ctx).Info("run incomplete, leaving in-flight row for resume",
			"stored", result.Stored, "total", result.Total)
	}
	return nil
}

func main() {
	kctx := kong.Parse(&cli{})
	err := kctx.Run()
	if err != nil {
		logging.Log(context.Background()).Error("fatal", "err", err)
		os.Exit(1)
	}
}

func init() {
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		panic(err)
	}
}
