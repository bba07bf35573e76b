// Package hdx is a client for the humanitarian data portal's CKAN-style API.
// Each slice is published as one CSV resource per admin level; resource names
// encode the issue period, which is how the published catalog is read back.
package hdx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/geohumdata/precip-anomaly-etl/internal/config"
	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

// resourceNameRe matches the adm0 resource of one published slice, capturing
// its issue period, e.g. "forecast_precipitation_anomalies_adm0_2025-03.csv".
var resourceNameRe = regexp.MustCompile(`^forecast_precipitation_anomalies_adm0_(\d{4}-\d{2})\.csv$`)

// Client implements pipeline.Publisher against the portal API.
type Client struct {
	baseURL    string
	key        string
	dataset    string
	cdsDataset string
	variable   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a portal client from service configuration.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    cfg.PortalURL,
		key:        cfg.PortalKey,
		dataset:    cfg.PortalDataset,
		cdsDataset: cfg.CDSDataset,
		variable:   cfg.Variable,
		httpClient: &http.Client{Timeout: cfg.PortalTimeout},
		logger:     logger,
	}
}

// ListPublished reads the portal dataset's resources and returns the catalog
// of slices already present. A slice is published only when its adm0 resource
// exists; Publish uploads adm0 last, so membership implies every admin level
// landed. A missing dataset is an empty catalog, not an error: the first run
// creates it.
func (c *Client) ListPublished(ctx context.Context) (domain.Catalog, error) {
	u := fmt.Sprintf("%s/api/3/action/package_show?id=%s", c.baseURL, url.QueryEscape(c.dataset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("create package_show request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return domain.Catalog{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Info("portal dataset not found, treating as unpublished", "dataset", c.dataset)
		return domain.NewCatalog(), nil
	}
	if err := classifyStatus(resp); err != nil {
		return domain.Catalog{}, fmt.Errorf("package_show: %w", err)
	}

	var body struct {
		Success bool `json:"success"`
		Result  struct {
			Resources []struct {
				Name   string `json:"name"`
				Format string `json:"format"`
			} `json:"resources"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode package_show: %w", err)
	}
	if !body.Success {
		return domain.Catalog{}, fmt.Errorf("package_show unsuccessful: %w", domain.ErrSourceUnavailable)
	}

	catalog := domain.NewCatalog()
	for _, res := range body.Result.Resources {
		m := resourceNameRe.FindStringSubmatch(res.Name)
		if m == nil {
			continue
		}
		period, err := domain.ParsePeriod(m[1])
		if err != nil {
			c.logger.Warn("skipping resource with malformed period", "resource", res.Name)
			continue
		}
		catalog.Add(domain.Slice{Dataset: c.cdsDataset, Period: period, Variable: c.variable})
	}
	return catalog, nil
}

// Publish uploads one slice's stats tables as CSV resources. Admin levels are
// uploaded deepest first so the adm0 resource, which marks the slice as
// published, lands only after the others.
func (c *Client) Publish(ctx context.Context, slice domain.Slice, tables []domain.StatsTable) error {
	ordered := make([]domain.StatsTable, len(tables))
	copy(ordered, tables)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].AdminLevel > ordered[j].AdminLevel
	})

	for _, table := range ordered {
		name := fmt.Sprintf("forecast_precipitation_anomalies_adm%d_%s.csv",
			table.AdminLevel, slice.Period)
		data, err := table.MarshalCSV()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		desc := fmt.Sprintf(
			"Summarized forecast precipitation anomalies at adm%d for the %s forecast issue",
			table.AdminLevel, slice.Period)
		if err := c.uploadResource(ctx, name, "csv", desc, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}

// PublishRasters uploads the zipped GeoTIFFs of the latest forecast issue.
func (c *Client) PublishRasters(ctx context.Context, slice domain.Slice, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open raster archive: %w", err)
	}
	defer f.Close()

	desc := fmt.Sprintf("Forecast precipitation anomaly rasters from the %s issue", slice.Period)
	return c.uploadResource(ctx, filepath.Base(archivePath), "GeoTIFF", desc, f)
}

// uploadResource posts a multipart resource_create (CKAN upsert by name).
func (c *Client) uploadResource(ctx context.Context, name, format, description string, data io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"package_id":  c.dataset,
		"name":        name,
		"format":      format,
		"description": description,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := mw.CreateFormFile("upload", name)
	if err != nil {
		return fmt.Errorf("create upload part: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return fmt.Errorf("write upload part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize multipart body: %w", err)
	}

	u := c.baseURL + "/api/3/action/resource_create"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return fmt.Errorf("create resource_create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// do executes a request with auth applied, classifying transport failures.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", c.key)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%v: %w", err, domain.ErrTimeout)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%v: %w", err, domain.ErrTimeout)
			}
			return nil, fmt.Errorf("%v: %w", err, domain.ErrSourceUnavailable)
		}
	}
	return resp, nil
}

// classifyStatus maps portal HTTP statuses onto the domain error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, body, domain.ErrPublishRejected)
	default:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrSourceUnavailable)
	}
}
