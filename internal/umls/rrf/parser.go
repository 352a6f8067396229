// Package rrf reads UMLS Rich Release Format files. Rows are pipe-delimited
// with no quoting and a trailing pipe, so splitting a well-formed line yields
// the column count plus one trailing empty field. Large files are parsed by a
// worker pool over line-aligned byte ranges; chunk results are concatenated
// in chunk order so output is deterministic regardless of scheduling.
package rrf

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

// Field counts for a well-formed row, trailing empty field included.
const (
	consoFieldCount = 19
	relFieldCount   = 17
	styFieldCount   = 7
)

// MRCONSO column indices.
const (
	consoCUI      = 0
	consoTS       = 2
	consoSTT      = 4
	consoISPREF   = 6
	consoSAB      = 11
	consoCODE     = 13
	consoSTR      = 14
	consoSUPPRESS = 16
)

// MRREL column indices.
const (
	relCUI1 = 0
	relREL  = 3
	relCUI2 = 4
	relRELA = 7
	relSAB  = 10
)

// MRSTY column indices.
const (
	styCUI = 0
	styTUI = 1
	stySTY = 3
)

const (
	chunksPerWorker = 4
	maxLineBytes    = 1 << 20
	cancelCheckRows = 1024
)

// ConsoRow is one filtered MRCONSO row, trimmed to the fields the
// transformer needs.
type ConsoRow struct {
	CUI    string
	SAB    string
	Code   string
	Name   string
	TS     string
	STT    string
	IsPref string
}

// RelRow is one filtered MRREL row.
type RelRow struct {
	CUI1 string
	REL  string
	CUI2 string
	RELA string
	SAB  string
}

// StyRow is one MRSTY row.
type StyRow struct {
	CUI string
	TUI string
	STY string
}

type Options struct {
	// Workers sizes the parse pool for MRCONSO and MRREL.
	Workers int
	// MalformedLimit aborts a file's parse once exceeded.
	MalformedLimit int64
	// SABFilter keeps only rows from these vocabularies; empty keeps all.
	SABFilter []string
	// Suppression drops MRCONSO rows carrying these SUPPRESS values.
	Suppression []string
}

type Parser struct {
	log            *logger.Logger
	workers        int
	malformedLimit int64
	sabs           map[string]struct{}
	suppression    map[string]struct{}
}

func NewParser(log *logger.Logger, opts Options) *Parser {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	limit := opts.MalformedLimit
	if limit < 0 {
		limit = 0
	}
	p := &Parser{
		log:            log.With("component", "rrf"),
		workers:        workers,
		malformedLimit: limit,
		sabs:           make(map[string]struct{}, len(opts.SABFilter)),
		suppression:    make(map[string]struct{}, len(opts.Suppression)),
	}
	for _, sab := range opts.SABFilter {
		if sab = strings.TrimSpace(sab); sab != "" {
			p.sabs[sab] = struct{}{}
		}
	}
	for _, s := range opts.Suppression {
		if s = strings.TrimSpace(s); s != "" {
			p.suppression[s] = struct{}{}
		}
	}
	return p
}

func (p *Parser) keepSAB(sab string) bool {
	if len(p.sabs) == 0 {
		return true
	}
	_, ok := p.sabs[sab]
	return ok
}

// ParseConso parses MRCONSO.RRF with the worker pool, applying the SAB and
// suppression filters.
func (p *Parser) ParseConso(ctx context.Context, path string) ([]ConsoRow, types.FileStats, error) {
	stats := types.FileStats{File: filepath.Base(path)}
	malformed := new(atomic.Int64)

	rows, chunkStats, err := parseChunked(ctx, p, path, func(fields []string) (ConsoRow, bool) {
		if _, drop := p.suppression[fields[consoSUPPRESS]]; drop {
			return ConsoRow{}, false
		}
		if !p.keepSAB(fields[consoSAB]) {
			return ConsoRow{}, false
		}
		return ConsoRow{
			CUI:    fields[consoCUI],
			SAB:    fields[consoSAB],
			Code:   fields[consoCODE],
			Name:   fields[consoSTR],
			TS:     fields[consoTS],
			STT:    fields[consoSTT],
			IsPref: fields[consoISPREF],
		}, true
	}, consoFieldCount, malformed)
	if err != nil {
		return nil, stats, err
	}
	fillStats(&stats, chunkStats)
	p.logFile(stats)
	return rows, stats, nil
}

// ParseRel parses MRREL.RRF with the worker pool. Self-loops and rows from
// vocabularies outside the allowlist are dropped here; rows referencing
// concepts outside the MRCONSO set are the transformer's problem.
func (p *Parser) ParseRel(ctx context.Context, path string) ([]RelRow, types.FileStats, error) {
	stats := types.FileStats{File: filepath.Base(path)}
	malformed := new(atomic.Int64)

	rows, chunkStats, err := parseChunked(ctx, p, path, func(fields []string) (RelRow, bool) {
		if !p.keepSAB(fields[relSAB]) {
			return RelRow{}, false
		}
		if fields[relCUI1] == fields[relCUI2] {
			return RelRow{}, false
		}
		return RelRow{
			CUI1: fields[relCUI1],
			REL:  fields[relREL],
			CUI2: fields[relCUI2],
			RELA: fields[relRELA],
			SAB:  fields[relSAB],
		}, true
	}, relFieldCount, malformed)
	if err != nil {
		return nil, stats, err
	}
	fillStats(&stats, chunkStats)
	p.logFile(stats)
	return rows, stats, nil
}

// ParseSty parses MRSTY.RRF. The file is small relative to MRCONSO/MRREL so
// a single pass is enough.
func (p *Parser) ParseSty(ctx context.Context, path string) ([]StyRow, types.FileStats, error) {
	stats := types.FileStats{File: filepath.Base(path)}
	rows := make([]StyRow, 0, 1024)

	err := p.scanFile(ctx, path, func(line string) error {
		stats.Rows++
		fields := strings.Split(line, "|")
		if len(fields) != styFieldCount {
			stats.Malformed++
			return p.checkMalformed(stats.File, stats.Malformed)
		}
		rows = append(rows, StyRow{CUI: fields[styCUI], TUI: fields[styTUI], STY: fields[stySTY]})
		stats.Kept++
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	p.logFile(stats)
	return rows, stats, nil
}

// ParseDeletedCUIs reads DELETEDCUI.RRF. A missing file is not an error;
// releases without retired concepts simply omit it.
func (p *Parser) ParseDeletedCUIs(ctx context.Context, path string) ([]string, types.FileStats, error) {
	stats := types.FileStats{File: filepath.Base(path)}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		p.log.Warn("change file not found; skipping", "file", stats.File)
		return nil, stats, nil
	}

	cuis := make([]string, 0, 256)
	err := p.scanFile(ctx, path, func(line string) error {
		stats.Rows++
		fields := strings.Split(line, "|")
		if len(fields) < 1 || strings.TrimSpace(fields[0]) == "" {
			stats.Malformed++
			return p.checkMalformed(stats.File, stats.Malformed)
		}
		cuis = append(cuis, strings.TrimSpace(fields[0]))
		stats.Kept++
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	p.logFile(stats)
	return cuis, stats, nil
}

// ParseMergedCUIs reads MERGEDCUI.RRF rows of the form old|new|. A missing
// file is not an error.
func (p *Parser) ParseMergedCUIs(ctx context.Context, path string) ([]types.MergePair, types.FileStats, error) {
	stats := types.FileStats{File: filepath.Base(path)}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		p.log.Warn("change file not found; skipping", "file", stats.File)
		return nil, stats, nil
	}

	pairs := make([]types.MergePair, 0, 256)
	err := p.scanFile(ctx, path, func(line string) error {
		stats.Rows++
		fields := strings.Split(line, "|")
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" || strings.TrimSpace(fields[1]) == "" {
			stats.Malformed++
			return p.checkMalformed(stats.File, stats.Malformed)
		}
		pairs = append(pairs, types.MergePair{
			OldCUI: strings.TrimSpace(fields[0]),
			NewCUI: strings.TrimSpace(fields[1]),
		})
		stats.Kept++
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	p.logFile(stats)
	return pairs, stats, nil
}

func (p *Parser) checkMalformed(file string, count int64) error {
	if p.malformedLimit > 0 && count > p.malformedLimit {
		return fmt.Errorf("rrf: %s: %d malformed rows exceeds limit %d", file, count, p.malformedLimit)
	}
	return nil
}

func (p *Parser) logFile(stats types.FileStats) {
	p.log.Info("parsed file",
		"file", stats.File,
		"rows", stats.Rows,
		"kept", stats.Kept,
		"filtered", stats.Filtered,
		"malformed", stats.Malformed,
	)
}

// scanFile runs fn over every non-blank line of the file, single-threaded.
func (p *Parser) scanFile(ctx context.Context, path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("rrf: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var n int
	for sc.Scan() {
		if n++; n%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("rrf: scan %s: %w", path, err)
	}
	return nil
}

type chunkStats struct {
	rows      int64
	kept      int64
	filtered  int64
	malformed int64
}

func fillStats(stats *types.FileStats, cs chunkStats) {
	stats.Rows = cs.rows
	stats.Kept = cs.kept
	stats.Filtered = cs.filtered
	stats.Malformed = cs.malformed
}

// parseChunked partitions the file into workers*4 line-aligned byte ranges
// and parses them concurrently. keep returns the converted row and whether
// the row passed the filters. Results land in a chunk-indexed slice and are
// concatenated after the pool joins.
func parseChunked[T any](
	ctx context.Context,
	p *Parser,
	path string,
	keep func(fields []string) (T, bool),
	fieldCount int,
	malformed *atomic.Int64,
) ([]T, chunkStats, error) {
	var total chunkStats

	chunks, err := fileChunks(path, p.workers*chunksPerWorker)
	if err != nil {
		return nil, total, err
	}

	results := make([][]T, len(chunks))
	perChunk := make([]chunkStats, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	file := filepath.Base(path)

	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			rows, cs, err := parseChunk(gctx, p, path, file, c, keep, fieldCount, malformed)
			if err != nil {
				return err
			}
			results[i] = rows
			perChunk[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, total, err
	}

	var out []T
	for i := range results {
		out = append(out, results[i]...)
		total.rows += perChunk[i].rows
		total.kept += perChunk[i].kept
		total.filtered += perChunk[i].filtered
		total.malformed += perChunk[i].malformed
	}
	return out, total, nil
}

func parseChunk[T any](
	ctx context.Context,
	p *Parser,
	path, file string,
	c chunk,
	keep func(fields []string) (T, bool),
	fieldCount int,
	malformed *atomic.Int64,
) ([]T, chunkStats, error) {
	var cs chunkStats

	f, err := os.Open(path)
	if err != nil {
		return nil, cs, fmt.Errorf("rrf: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(c.start, io.SeekStart); err != nil {
		return nil, cs, fmt.Errorf("rrf: seek %s: %w", path, err)
	}

	sc := bufio.NewScanner(io.LimitReader(f, c.end-c.start))
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var rows []T
	var n int
	for sc.Scan() {
		if n++; n%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return nil, cs, err
			}
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cs.rows++
		fields := strings.Split(line, "|")
		if len(fields) != fieldCount {
			cs.malformed++
			if count := malformed.Add(1); p.malformedLimit > 0 && count > p.malformedLimit {
				return nil, cs, fmt.Errorf("rrf: %s: %d malformed rows exceeds limit %d", file, count, p.malformedLimit)
			}
			continue
		}
		row, ok := keep(fields)
		if !ok {
			cs.filtered++
			continue
		}
		rows = append(rows, row)
		cs.kept++
	}
	if err := sc.Err(); err != nil {
		return nil, cs, fmt.Errorf("rrf: scan %s: %w", path, err)
	}
	return rows, cs, nil
}

type chunk struct {
	start int64
	end   int64
}

// fileChunks splits the file into at most n byte ranges, each ending on a
// line boundary. Range starts follow the previous range's end, so the first
// range starts at zero and no line is split or read twice.
func fileChunks(path string, n int) ([]chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rrf: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}
	if n < 1 {
		n = 1
	}
	chunkSize := size / int64(n)
	if chunkSize < 1 {
		chunkSize = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rrf: open %s: %w", path, err)
	}
	defer f.Close()

	var chunks []chunk
	var start int64
	for start < size {
		end := start + chunkSize
		if end >= size {
			end = size
		} else {
			// Round the boundary forward to the end of the current line.
			if _, err := f.Seek(end, io.SeekStart); err != nil {
				return nil, fmt.Errorf("rrf: seek %s: %w", path, err)
			}
			br := bufio.NewReader(f)
			line, err := br.ReadBytes('\n')
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("rrf: align chunk in %s: %w", path, err)
			}
			end += int64(len(line))
			if end > size {
				end = size
			}
		}
		chunks = append(chunks, chunk{start: start, end: end})
		start = end
	}
	return chunks, nil
}
