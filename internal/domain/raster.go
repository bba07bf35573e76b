package domain

import "fmt"

// RasterFile is one converted GeoTIFF: a single lead time of a slice, scaled
// to monthly accumulation in mm.
type RasterFile struct {
	Path     string
	Issue    Period
	Valid    Period
	LeadTime int
}

// RasterName returns the canonical file name for a converted raster.
func RasterName(issue Period, leadTime int) string {
	return fmt.Sprintf("anomalous_accumulation_%04d_%02d_leadtime%d.tif",
		issue.Year, issue.Month, leadTime)
}

// BoundaryLayer references one admin level of the global boundary dataset on
// local disk, ready for the zonal statistics engine.
type BoundaryLayer struct {
	AdminLevel int
	Path       string // boundary dataset path (e.g. extracted .gdb directory)
	Layer      string // layer name within the dataset, e.g. "adm1"
}
