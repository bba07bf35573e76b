// Package raster converts GRIB slices into per-lead-time GeoTIFFs using the
// GDAL command line tools.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/geohumdata/precip-anomaly-etl/internal/config"
	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

// secondsPerDay and mmPerMeter convert the anomalous accumulation rate (m/s)
// into a monthly accumulation in mm: rate × days × 86400 × 1000.
const (
	secondsPerDay = 86400
	mmPerMeter    = 1000
)

// Converter implements pipeline.Converter by shelling out to gdal_translate
// (band extraction, CRS assignment) and gdal_calc.py (unit scaling).
type Converter struct {
	translateBin string
	calcBin      string
	logger       *slog.Logger
}

// NewConverter creates a Converter using the configured GDAL binaries.
func NewConverter(cfg *config.Config, logger *slog.Logger) *Converter {
	return &Converter{
		translateBin: cfg.GDALTranslateBin,
		calcBin:      cfg.GDALCalcBin,
		logger:       logger,
	}
}

// ToRaster extracts each lead-time band of the slice's GRIB and scales it to
// monthly accumulation in mm. The GRIB carries six bands, one per lead time;
// lead time 0 is the issue month itself.
func (c *Converter) ToRaster(ctx context.Context, slice domain.Slice, gribPath, destDir string) ([]domain.RasterFile, error) {
	info, err := os.Stat(gribPath)
	if err != nil {
		return nil, fmt.Errorf("stat grib: %w: %w", err, domain.ErrConversionFailed)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("empty grib %s: %w", gribPath, domain.ErrConversionFailed)
	}

	rasters := make([]domain.RasterFile, 0, 6)
	for band := 1; band <= 6; band++ {
		leadTime := band - 1
		valid := slice.Period.AddMonths(leadTime)

		bandPath := filepath.Join(destDir, fmt.Sprintf("band_%d.tif", band))
		if err := c.run(ctx, c.translateBin,
			"-b", strconv.Itoa(band),
			"-a_srs", "EPSG:4326",
			"-ot", "Float32",
			gribPath, bandPath,
		); err != nil {
			return nil, fmt.Errorf("extract band %d: %w", band, err)
		}

		// Rate (m/s) to total accumulation (mm) over the valid month.
		factor := valid.Days() * secondsPerDay * mmPerMeter
		outPath := filepath.Join(destDir, domain.RasterName(slice.Period, leadTime))
		if err := c.run(ctx, c.calcBin,
			"-A", bandPath,
			"--outfile", outPath,
			"--calc", fmt.Sprintf("A*%d", factor),
			"--type", "Float32",
			"--quiet",
		); err != nil {
			return nil, fmt.Errorf("scale band %d: %w", band, err)
		}
		if _, err := os.Stat(outPath); err != nil {
			return nil, fmt.Errorf("missing output %s: %w", outPath, domain.ErrConversionFailed)
		}

		rasters = append(rasters, domain.RasterFile{
			Path:     outPath,
			Issue:    slice.Period,
			Valid:    valid,
			LeadTime: leadTime,
		})
	}
	return rasters, nil
}

// run executes one GDAL command, folding non-zero exits into the conversion
// failure taxonomy with the tool's stderr attached.
func (c *Converter) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.logger.Debug("running gdal tool", "bin", bin, "args", args)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %v: %s: %w", bin, err, bytes.TrimSpace(stderr.Bytes()), domain.ErrConversionFailed)
	}
	return nil
}
