package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samvad-hq/catalog-access/internal/config"
	"github.com/samvad-hq/catalog-access/internal/domain"
	"github.com/samvad-hq/catalog-access/internal/htmlmeta"
	"github.com/samvad-hq/catalog-access/internal/logger"
	"github.com/samvad-hq/catalog-access/internal/storage"
	"github.com/samvad-hq/catalog-access/pkg/access"
	"github.com/samvad-hq/catalog-access/pkg/httpclient"
	"github.com/samvad-hq/catalog-access/pkg/publishers"
	"github.com/samvad-hq/catalog-access/pkg/targets"
)

// StdoutOutput as a target output writes the body to the runner's stdout.
const StdoutOutput = "-"

// metaSniffBytes bounds how much of a streamed body is kept for metadata extraction.
const metaSniffBytes = 1 << 20

// EventPublisher fans fetch events out to downstream sinks.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
	Size() int
	Close() error
}

// Runner executes catalog targets and records their outcomes.
type Runner struct {
	cfg       *config.Config
	targets   *targets.Registry
	transport httpclient.Transport
	fanout    EventPublisher
	store     storage.Store
	log       logger.Logger
	stdout    io.Writer
	now       func() time.Time
}

// NewRunner builds a runner from config files. The targets file is optional
// for ad-hoc use; the publishers file is optional altogether.
func NewRunner(ctx context.Context, cfg *config.Config, log logger.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	log = logger.Ensure(log)
	if ctx == nil {
		ctx = context.Background()
	}

	var targetReg *targets.Registry
	_, statErr := os.Stat(cfg.TargetsFile)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		log.InfoObj("no targets file; only ad-hoc fetches are available", "targets_file", cfg.TargetsFile)
	case statErr != nil:
		return nil, fmt.Errorf("stat targets file: %w", statErr)
	default:
		reg, err := targets.Load(cfg.TargetsFile)
		if err != nil {
			return nil, fmt.Errorf("load targets registry: %w", err)
		}
		targetReg = reg
		ids := make([]string, 0)
		for _, t := range targetReg.All() {
			ids = append(ids, t.ID)
		}
		log.InfoObj("targets registry loaded", "targets_meta", map[string]any{
			"count": len(ids),
			"ids":   ids,
		})
	}

	var fanout EventPublisher
	if strings.TrimSpace(cfg.PublishersFile) != "" {
		publisherReg, err := publishers.LoadRegistry(cfg.PublishersFile)
		if err != nil {
			return nil, fmt.Errorf("load publishers registry: %w", err)
		}
		enabled := publisherReg.Enabled()
		pubFanout, err := publishers.DefaultBuilders().Open(ctx, enabled, log)
		if err != nil {
			return nil, fmt.Errorf("build publishers: %w", err)
		}
		fanout = pubFanout

		summaries := make([]map[string]string, 0, len(enabled))
		for _, pubCfg := range enabled {
			summaries = append(summaries, map[string]string{
				"id":   pubCfg.ID,
				"type": pubCfg.Type,
			})
		}
		log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
			"count":      len(summaries),
			"publishers": summaries,
		})
	}

	store, err := storage.NewStore(cfg.StorageType, cfg.BBoltPath, storage.Options{
		EntryTTL:        cfg.StorageTTL,
		CleanupInterval: cfg.StorageCleanupInterval,
	})
	if err != nil {
		if fanout != nil {
			_ = fanout.Close()
		}
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type":                     cfg.StorageType,
		"path":                     cfg.BBoltPath,
		"entry_ttl_seconds":        int(cfg.StorageTTL.Seconds()),
		"cleanup_interval_seconds": int(cfg.StorageCleanupInterval.Seconds()),
	})

	transport := httpclient.NewRestyTransport(httpclient.Options{
		TLSPolicy: cfg.TLSPolicy,
		UserAgent: cfg.UserAgent,
	})

	return newRunner(cfg, targetReg, transport, fanout, store, log), nil
}

func newRunner(cfg *config.Config, reg *targets.Registry, transport httpclient.Transport, fanout EventPublisher, store storage.Store, log logger.Logger) *Runner {
	if store == nil {
		store, _ = storage.NewStore("none", "", storage.Options{})
	}
	return &Runner{
		cfg:       cfg,
		targets:   reg,
		transport: transport,
		fanout:    fanout,
		store:     store,
		log:       logger.Ensure(log),
		stdout:    os.Stdout,
		now:       time.Now,
	}
}

// SetStdout redirects StdoutOutput targets.
func (r *Runner) SetStdout(w io.Writer) {
	if w != nil {
		r.stdout = w
	}
}

// Store exposes the fetch journal.
func (r *Runner) Store() storage.Store { return r.store }

// Close releases the journal and the publishers.
func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.fanout != nil {
		if err := r.fanout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publishers: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) policy() access.Policy {
	return access.Policy{
		MaxRedirects: r.cfg.MaxRedirects,
		Timeout:      r.cfg.RequestTimeout,
	}
}

// RunBatch runs the enabled targets (or only ids, when given) with bounded
// concurrency. Every target runs even when others fail; the returned error
// joins all failures.
func (r *Runner) RunBatch(ctx context.Context, ids ...string) ([]domain.Fetch, error) {
	if r == nil || r.targets == nil {
		return nil, fmt.Errorf("no targets registry loaded")
	}

	selected, err := r.selectTargets(ids)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		r.log.WarnObj("no enabled targets; nothing to fetch", "targets_file", r.cfg.TargetsFile)
		return nil, nil
	}

	start := r.now()
	r.log.InfoObj("batch started", "batch_meta", map[string]any{
		"targets_count":    len(selected),
		"concurrency":      r.cfg.BatchConcurrency,
		"publishers_count": r.publisherCount(),
		"started_at":       start.UTC(),
	})

	results := make([]domain.Fetch, len(selected))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(r.cfg.BatchConcurrency)
	for i, t := range selected {
		g.Go(func() error {
			f, err := r.RunTarget(ctx, t)
			results[i] = f
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, f := range results {
		if !f.OK {
			failed++
		}
	}
	r.log.InfoObj("batch completed", "batch_meta", map[string]any{
		"targets_count": len(selected),
		"failed":        failed,
		"elapsed_ms":    r.now().Sub(start).Milliseconds(),
	})
	return results, errors.Join(errs...)
}

func (r *Runner) selectTargets(ids []string) ([]targets.Target, error) {
	if len(ids) == 0 {
		return r.targets.Enabled(), nil
	}
	out := make([]targets.Target, 0, len(ids))
	for _, id := range ids {
		t, ok := r.targets.ByID(id)
		if !ok {
			return nil, fmt.Errorf("unknown target %q", id)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Runner) publisherCount() int {
	if r.fanout == nil {
		return 0
	}
	return r.fanout.Size()
}

// RunTarget fetches t with the credential named in its config.
func (r *Runner) RunTarget(ctx context.Context, t targets.Target) (domain.Fetch, error) {
	return r.Fetch(ctx, t, t.Credential())
}

// Fetch runs one target, writes its body, journals the outcome and
// publishes it. The returned error is non-nil when the fetch failed.
func (r *Runner) Fetch(ctx context.Context, t targets.Target, cred access.Credential) (domain.Fetch, error) {
	f := domain.Fetch{TargetID: t.ID, URL: t.URL}

	spec, err := t.Spec()
	if err != nil {
		f.Code = access.CodeNetworkError
		f.Message = err.Error()
		return r.complete(ctx, f), fmt.Errorf("target %s: %w", t.ID, err)
	}

	out, err := r.openOutput(t)
	if err != nil {
		f.Code = access.CodeNetworkError
		f.Message = err.Error()
		return r.complete(ctx, f), fmt.Errorf("target %s: %w", t.ID, err)
	}

	client := access.NewClient(r.transport, access.WithPolicy(r.policy()), access.WithLogger(r.log))

	var (
		written  int64
		writeErr error
		sniff    bytes.Buffer
		meta     htmlmeta.Meta
	)
	cb := access.Callbacks{
		OnTLSWarnings: func(w []string) {
			r.log.WarnObj("target served an untrusted certificate", "target_tls", map[string]any{
				"target_id": t.ID,
				"warnings":  w,
			})
		},
	}
	if spec.BufferMode == access.Streaming {
		cb.OnChunk = func(p []byte) {
			if t.ExtractHTMLMeta && sniff.Len() < metaSniffBytes {
				sniff.Write(p[:min(len(p), metaSniffBytes-sniff.Len())])
			}
			n, err := out.Write(p)
			written += int64(n)
			if err != nil && writeErr == nil {
				writeErr = err
				client.Kill()
			}
		}
	}

	res := client.ExecuteWith(ctx, spec, cred, cb, func(res access.Result) access.Result {
		if !res.OK() || spec.BufferMode == access.Streaming {
			return res
		}
		if t.ExtractHTMLMeta {
			sniff.Write(res.Body[:min(len(res.Body), metaSniffBytes)])
		}
		n, err := out.Write(res.Body)
		written = int64(n)
		writeErr = err
		return res
	})

	if writeErr != nil {
		out.abort()
		f.Code = access.CodeNetworkError
		f.Message = fmt.Sprintf("write output: %v", writeErr)
		return r.complete(ctx, f), fmt.Errorf("target %s: %s", t.ID, f.Message)
	}

	if !res.OK() {
		out.abort()
		f.Code = res.Err.Code
		f.Message = res.Err.Message
		return r.complete(ctx, f), fmt.Errorf("target %s: %w", t.ID, res.Err)
	}

	if err := out.commit(); err != nil {
		f.Code = access.CodeNetworkError
		f.Message = err.Error()
		return r.complete(ctx, f), fmt.Errorf("target %s: %w", t.ID, err)
	}

	if t.ExtractHTMLMeta && htmlmeta.IsHTML(res.Status.ContentType) {
		parsed, err := htmlmeta.Parse(sniff.Bytes(), res.Status.URL)
		if err != nil {
			r.log.WarnObj("html metadata extraction failed", "metadata_error", map[string]any{
				"target_id": t.ID,
				"error":     err.Error(),
			})
		} else {
			meta = parsed
		}
	}

	f.OK = true
	f.FinalURL = res.Status.URL
	f.Code = res.Status.HTTPStatusCode
	f.HTTPStatus = res.Status.HTTPStatusCode
	f.ContentType = res.Status.ContentType
	f.Bytes = written
	f.Title = meta.Title
	f.Description = meta.Description
	f.ImageURL = meta.ImageURL
	f.Output = out.name()
	return r.complete(ctx, f), nil
}

// complete stamps, journals and publishes f. Journal and publish failures
// are logged; they do not change the fetch outcome.
func (r *Runner) complete(ctx context.Context, f domain.Fetch) domain.Fetch {
	f.CompletedAt = r.now().UTC()

	if f.OK {
		r.log.InfoObj("target fetched", "target_result", f)
	} else {
		r.log.ErrorObj("target fetch failed", "target_result", f)
	}

	if err := r.store.Record(f); err != nil {
		r.log.ErrorObj("journal record failed", "storage_error", map[string]any{
			"target_id": f.TargetID,
			"error":     err.Error(),
		})
	}

	if r.fanout != nil && r.fanout.Size() > 0 {
		if _, err := r.fanout.Publish(ctx, publishers.NewEvent(f)); err != nil {
			r.log.ErrorObj("event publish failed", "publish_error", map[string]any{
				"target_id": f.TargetID,
				"error":     err.Error(),
			})
		}
	}
	return f
}

// output is where a target's body goes: nowhere, stdout, or a file that only
// appears once the fetch succeeded.
type output struct {
	w     io.Writer
	tmp   *os.File
	final string
}

func (r *Runner) openOutput(t targets.Target) (*output, error) {
	switch t.Output {
	case "":
		return &output{w: io.Discard}, nil
	case StdoutOutput:
		return &output{w: r.stdout}, nil
	}

	path := t.Output
	if !filepath.IsAbs(path) && r.cfg.OutputDir != "" {
		path = filepath.Join(r.cfg.OutputDir, path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".part-*")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &output{w: tmp, tmp: tmp, final: path}, nil
}

func (o *output) Write(p []byte) (int, error) { return o.w.Write(p) }

func (o *output) name() string { return o.final }

func (o *output) commit() error {
	if o.tmp == nil {
		return nil
	}
	if err := o.tmp.Close(); err != nil {
		_ = os.Remove(o.tmp.Name())
		return fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(o.tmp.Name(), o.final); err != nil {
		_ = os.Remove(o.tmp.Name())
		return fmt.Errorf("move output file: %w", err)
	}
	return nil
}

func (o *output) abort() {
	if o.tmp == nil {
		return
	}
	_ = o.tmp.Close()
	_ = os.Remove(o.tmp.Name())
}
