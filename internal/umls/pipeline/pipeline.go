// Package pipeline wires the release stages together: resolve a release's
// META directory (downloading when needed), parse its RRF files, aggregate
// the snapshot, and hand it to either the bulk CSV writer or the live-graph
// delta engine. Each stage runs under its own trace span.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/biolink"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/rrf"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/transform"
)

const tracerName = "neo-umls-syncer/pipeline"

// Release file names, all resolved inside the META directory.
const (
	consoFile   = "MRCONSO.RRF"
	relFile     = "MRREL.RRF"
	styFile     = "MRSTY.RRF"
	deletedFile = "DELETEDCUI.RRF"
	mergedFile  = "MERGEDCUI.RRF"
)

// ReleaseFetcher downloads and extracts a release, returning its META
// directory. Satisfied by download.Client.
type ReleaseFetcher interface {
	FetchRelease(ctx context.Context, version string) (string, error)
}

type parsedFiles struct {
	conso   []rrf.ConsoRow
	rels    []rrf.RelRow
	stys    []rrf.StyRow
	changes types.ChangeSet
	stats   []types.FileStats
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// resolveMetaDir locates the release's META directory. A non-empty inputDir
// short-circuits the download and must already contain MRCONSO.RRF.
func resolveMetaDir(ctx context.Context, log *logger.Logger, fetcher ReleaseFetcher, inputDir, version string) (_ string, err error) {
	if dir := strings.TrimSpace(inputDir); dir != "" {
		if _, statErr := os.Stat(filepath.Join(dir, consoFile)); statErr != nil {
			return "", fmt.Errorf("pipeline: %s not found in %s: %w", consoFile, dir, statErr)
		}
		log.Info("using local release files", "meta_dir", dir)
		return dir, nil
	}
	if fetcher == nil {
		return "", fmt.Errorf("pipeline: no input dir given and no downloader configured; set the UTS api key or pass a local META directory")
	}
	ctx, span := startSpan(ctx, "umls.download", attribute.String("umls.version", version))
	defer func() { endSpan(span, err) }()
	return fetcher.FetchRelease(ctx, version)
}

// parseRelease reads the snapshot files and, for syncs, the change files.
// Stats are appended in read order so reports list files the way the release
// ships them.
func parseRelease(ctx context.Context, parser *rrf.Parser, metaDir string, withChanges bool) (_ parsedFiles, err error) {
	ctx, span := startSpan(ctx, "umls.parse", attribute.String("umls.meta_dir", metaDir))
	defer func() { endSpan(span, err) }()

	var out parsedFiles
	var stats types.FileStats

	out.conso, stats, err = parser.ParseConso(ctx, filepath.Join(metaDir, consoFile))
	if err != nil {
		return out, err
	}
	out.stats = append(out.stats, stats)

	out.rels, stats, err = parser.ParseRel(ctx, filepath.Join(metaDir, relFile))
	if err != nil {
		return out, err
	}
	out.stats = append(out.stats, stats)

	out.stys, stats, err = parser.ParseSty(ctx, filepath.Join(metaDir, styFile))
	if err != nil {
		return out, err
	}
	out.stats = append(out.stats, stats)

	if !withChanges {
		return out, nil
	}

	out.changes.DeletedCUIs, stats, err = parser.ParseDeletedCUIs(ctx, filepath.Join(metaDir, deletedFile))
	if err != nil {
		return out, err
	}
	out.stats = append(out.stats, stats)

	out.changes.Merges, stats, err = parser.ParseMergedCUIs(ctx, filepath.Join(metaDir, mergedFile))
	if err != nil {
		return out, err
	}
	out.stats = append(out.stats, stats)

	return out, nil
}

func buildSnapshot(ctx context.Context, log *logger.Logger, bm *biolink.Map, files parsedFiles, sabPriority []string) (_ transform.Output, err error) {
	ctx, span := startSpan(ctx, "umls.transform")
	defer func() { endSpan(span, err) }()
	return transform.Aggregate(ctx, transform.Deps{Log: log, Biolink: bm}, transform.Input{
		Conso:       files.conso,
		Rels:        files.rels,
		Stys:        files.stys,
		SABPriority: sabPriority,
	})
}
