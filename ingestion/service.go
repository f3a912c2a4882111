package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fabfab/thesis-rag/logging"
	"github.com/fabfab/thesis-rag/thesis"
)

// Store persists ingested theses.
type Store interface {
	Upsert(ctx context.Context, doc thesis.Document) error
}

// GraphSync mirrors theses and their tags into the knowledge graph.
type GraphSync interface {
	SyncThesis(ctx context.Context, doc thesis.Document) error
}

type DocumentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	Concurrency int
	// RatePerSec bounds upstream embedding and tagging calls. Zero means unlimited.
	RatePerSec float64
	Dimension  int
}

// Report counts what a directory or batch ingestion did.
type Report struct {
	Files       int `json:"files"`
	FailedFiles int `json:"failedFiles"`
	Records     int `json:"records"`
	Ingested    int `json:"ingested"`
	Failed      int `json:"failed"`
}

type Service struct {
	store    Store
	graph    GraphSync
	embedder DocumentEmbedder
	tagger   *Tagger
	limiter  *rate.Limiter
	cfg      Config
	logger   logging.Logger
	now      func() time.Time
}

// NewService wires the ingestion pipeline. graph may be nil when the knowledge graph
// is disabled; tagger may be nil, in which case tags come from keywords.
func NewService(store Store, graph GraphSync, embedder DocumentEmbedder, tagger *Tagger, cfg Config, logger logging.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if tagger == nil {
		tagger = NewTagger(nil, 0, logger)
	}
	return &Service{
		store:    store,
		graph:    graph,
		embedder: embedder,
		tagger:   tagger,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
	}
}

// IngestDirectory loads every supported file under dir and ingests its records.
// Unreadable files are logged and counted, not fatal.
func (s *Service) IngestDirectory(ctx context.Context, dir string) (Report, error) {
	if _, err := os.Stat(dir); err != nil {
		return Report{}, fmt.Errorf("data directory: %w", err)
	}

	var paths []string
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && DetectFormat(path) != FormatUnknown {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return Report{}, fmt.Errorf("walk data directory: %w", err)
	}

	var report Report
	if len(paths) == 0 {
		s.logger.Warn("no supported files found in %s", dir)
		return report, nil
	}

	var records []Record
	for _, path := range paths {
		report.Files++
		loaded, err := LoadFile(path)
		if err != nil {
			report.FailedFiles++
			s.logger.Error("load %s: %v", path, err)
			continue
		}
		records = append(records, loaded...)
	}

	batch, err := s.IngestBatch(ctx, records)
	report.Records = batch.Records
	report.Ingested = batch.Ingested
	report.Failed = batch.Failed
	return report, err
}

// IngestBatch ingests records concurrently. A failing record is logged and counted;
// only cancellation of ctx fails the batch.
func (s *Service) IngestBatch(ctx context.Context, records []Record) (Report, error) {
	report := Report{Records: len(records)}
	if s.embedder == nil {
		return report, errors.New("embedder not configured")
	}

	var ingested, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, rec := range records {
		g.Go(func() error {
			doc, err := s.ingestRecord(gctx, rec)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed.Add(1)
				s.logger.Error("ingest %q from %s: %v", rec.Title, rec.Source, err)
				return nil
			}
			ingested.Add(1)
			s.logger.Debug("ingested %s %q with tags %v", doc.ID, doc.Title, doc.Tags)
			return nil
		})
	}

	err := g.Wait()
	report.Ingested = int(ingested.Load())
	report.Failed = int(failed.Load())
	if err != nil {
		return report, fmt.Errorf("ingest batch: %w", err)
	}
	s.logger.Info("ingested %d of %d records (%d failed)", report.Ingested, report.Records, report.Failed)
	return report, nil
}

func (s *Service) ingestRecord(ctx context.Context, rec Record) (thesis.Document, error) {
	doc := thesis.Document{
		ID:       uuid.New().String(),
		Title:    strings.TrimSpace(rec.Title),
		Abstract: strings.TrimSpace(rec.Abstract),
	}
	if doc.Title == "" || doc.Abstract == "" {
		return doc, fmt.Errorf("%w: record needs a title and an abstract", thesis.ErrInvalidInput)
	}

	supplied := thesis.NormalizeTags(rec.Tags)
	keepSupplied := len(supplied) >= thesis.MinTags && len(supplied) <= thesis.MaxTags

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.limiter.Wait(gctx); err != nil {
			return err
		}
		vec, err := s.embedder.Embed(gctx, doc.EmbeddingText())
		if err != nil {
			return err
		}
		doc.Vector = vec
		return nil
	})

	var tags []string
	if keepSupplied {
		tags = supplied
	} else {
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			tags = s.tagger.Tags(gctx, doc.Title, doc.Abstract)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return doc, err
	}
	doc.Tags = tags

	now := s.now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if err := doc.Validate(s.cfg.Dimension); err != nil {
		return doc, err
	}
	if err := s.store.Upsert(ctx, doc); err != nil {
		return doc, fmt.Errorf("store thesis: %w", err)
	}
	if s.graph != nil {
		if err := s.graph.SyncThesis(ctx, doc); err != nil {
			s.logger.Warn("sync %s to knowledge graph: %v", doc.ID, err)
		}
	}
	return doc, nil
}
