// Package boundaries downloads and caches the global administrative boundary
// dataset used for zonal statistics.
package boundaries

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/geohumdata/precip-anomaly-etl/internal/config"
	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

// Provider fetches the boundary archive once per process and serves layer
// references from the extracted copy. Boundary geometry changes rarely; the
// extracted dataset persists in the cache dir across runs and is only
// re-downloaded when absent.
type Provider struct {
	url        string
	cacheDir   string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	layers []domain.BoundaryLayer
}

// NewProvider creates a boundary provider. cacheDir empty means the system
// temp dir.
func NewProvider(cfg *config.Config, logger *slog.Logger) *Provider {
	cacheDir := cfg.BoundariesCacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "precip-etl-boundaries")
	}
	return &Provider{
		url:        cfg.BoundariesURL,
		cacheDir:   cacheDir,
		httpClient: &http.Client{Timeout: cfg.PortalTimeout},
		logger:     logger,
	}
}

// Layers returns the admin 0 and admin 1 boundary layers, downloading and
// extracting the archive on first call.
func (p *Provider) Layers(ctx context.Context) ([]domain.BoundaryLayer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.layers != nil {
		return p.layers, nil
	}

	dataset := filepath.Join(p.cacheDir, "global_boundaries.gdb")
	if _, err := os.Stat(dataset); err != nil {
		if err := p.fetchArchive(ctx, dataset); err != nil {
			return nil, err
		}
	} else {
		p.logger.Info("using cached boundary dataset", "path", dataset)
	}

	p.layers = []domain.BoundaryLayer{
		{AdminLevel: 0, Path: dataset, Layer: "adm0"},
		{AdminLevel: 1, Path: dataset, Layer: "adm1"},
	}
	return p.layers, nil
}

// fetchArchive downloads the boundary zip and extracts it into dataset.
// Extraction goes to a temp dir first so a failed download never leaves a
// half-extracted dataset at the cache path.
func (p *Provider) fetchArchive(ctx context.Context, dataset string) error {
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return fmt.Errorf("create boundaries cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("create boundaries request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download boundaries: %w: %w", err, domain.ErrGeometryInvalid)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download boundaries: status %d: %w", resp.StatusCode, domain.ErrGeometryInvalid)
	}

	zipPath := filepath.Join(p.cacheDir, "boundaries.zip")
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create boundaries zip: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(zipPath)
		return fmt.Errorf("write boundaries zip: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close boundaries zip: %w", err)
	}
	defer os.Remove(zipPath)

	staging := dataset + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := extractZip(zipPath, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("extract boundaries: %w: %w", err, domain.ErrGeometryInvalid)
	}
	if err := os.Rename(staging, dataset); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("install boundary dataset: %w", err)
	}
	p.logger.Info("boundary dataset installed", "path", dataset)
	return nil
}

// extractZip unpacks archive into destDir, rejecting entries that escape it.
func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		cleaned := filepath.Clean(f.Name)
		if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			return fmt.Errorf("archive entry escapes destination: %q", f.Name)
		}
		target := filepath.Join(destDir, cleaned)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
