// Package zonal computes per-polygon raster statistics by shelling out to the
// exactextract command line tool.
package zonal

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/geohumdata/precip-anomaly-etl/internal/config"
	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

// Engine implements pipeline.StatsEngine via the exactextract CLI.
type Engine struct {
	bin    string
	logger *slog.Logger
}

// NewEngine creates an Engine using the configured exactextract binary.
func NewEngine(cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{bin: cfg.ExactExtractBin, logger: logger}
}

// includeCols lists the boundary attribute columns carried through to the
// output for an admin level. The boundary dataset provides ISO-3166 alpha-3
// codes and names at every level.
func includeCols(adminLevel int) []string {
	cols := []string{"iso3", "adm0_name"}
	if adminLevel >= 1 {
		cols = append(cols, "adm1_pcode", "adm1_name")
	}
	return cols
}

// Compute runs exactextract for one raster over one boundary layer and parses
// its CSV output into stats rows.
func (e *Engine) Compute(ctx context.Context, raster domain.RasterFile, layer domain.BoundaryLayer) ([]domain.StatsRow, error) {
	if _, err := os.Stat(layer.Path); err != nil {
		return nil, fmt.Errorf("boundary dataset %s: %w: %w", layer.Path, err, domain.ErrGeometryInvalid)
	}

	outPath := filepath.Join(filepath.Dir(raster.Path),
		fmt.Sprintf("stats_adm%d_lead%d.csv", layer.AdminLevel, raster.LeadTime))

	args := []string{
		"-r", "anomaly:" + raster.Path,
		"-p", layer.Path,
		"--layer", layer.Layer,
		"-s", "count(anomaly)",
		"-s", "mean(anomaly)",
		"-s", "median(anomaly)",
		"-o", outPath,
	}
	for _, col := range includeCols(layer.AdminLevel) {
		args = append(args, "--include-col", col)
	}

	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.logger.Debug("running exactextract", "layer", layer.Layer, "raster", filepath.Base(raster.Path))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("exactextract %s: %v: %s: %w",
			layer.Layer, err, bytes.TrimSpace(stderr.Bytes()), domain.ErrGeometryInvalid)
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("open stats output: %w: %w", err, domain.ErrGeometryInvalid)
	}
	defer f.Close()

	return ParseStats(f, raster, layer.AdminLevel)
}

// ParseStats reads exactextract CSV output into stats rows, attaching the
// raster's temporal attributes.
func ParseStats(r io.Reader, raster domain.RasterFile, adminLevel int) ([]domain.StatsRow, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read stats header: %w: %w", err, domain.ErrGeometryInvalid)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range append(includeCols(adminLevel), "anomaly_count", "anomaly_mean", "anomaly_median") {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("stats output missing column %q: %w", required, domain.ErrGeometryInvalid)
		}
	}

	var rows []domain.StatsRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stats row: %w: %w", err, domain.ErrGeometryInvalid)
		}

		count, err := strconv.ParseFloat(rec[col["anomaly_count"]], 64)
		if err != nil {
			return nil, fmt.Errorf("parse count %q: %w", rec[col["anomaly_count"]], domain.ErrGeometryInvalid)
		}
		mean, err := strconv.ParseFloat(rec[col["anomaly_mean"]], 64)
		if err != nil {
			return nil, fmt.Errorf("parse mean %q: %w", rec[col["anomaly_mean"]], domain.ErrGeometryInvalid)
		}
		median, err := strconv.ParseFloat(rec[col["anomaly_median"]], 64)
		if err != nil {
			return nil, fmt.Errorf("parse median %q: %w", rec[col["anomaly_median"]], domain.ErrGeometryInvalid)
		}

		row := domain.StatsRow{
			ISOCode:    rec[col["iso3"]],
			Adm0Name:   rec[col["adm0_name"]],
			AdminLevel: adminLevel,
			Issue:      raster.Issue,
			Valid:      raster.Valid,
			LeadTime:   raster.LeadTime,
			PixelCount: int(count),
			MeanAnom:   mean,
			MedianAnom: median,
		}
		if adminLevel >= 1 {
			row.Adm1Pcode = rec[col["adm1_pcode"]]
			row.Adm1Name = rec[col["adm1_name"]]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
