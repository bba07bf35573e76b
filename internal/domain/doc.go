// Package domain models seasonal forecast precipitation anomaly data as it
// moves from the Copernicus Climate Data Store (CDS) to the humanitarian data
// portal.
//
// # Slices
//
// The unit of work is a [Slice]: one issue period of one variable of one CDS
// dataset. ECMWF issues the SEAS5 seasonal forecast once per month (around the
// 5th), so periods are calendar months, written "YYYY-MM". Each slice carries
// six lead times (months 0-5 ahead of the issue date) which travel together
// through download, conversion, and statistics; they are never split across
// slices.
//
// Slices are immutable values. Their identity is the key
//
//	<dataset>|<period>|<variable>
//
// which is stable across runs and is what reconciliation compares.
//
// # Catalogs and reconciliation
//
// A [Catalog] is the set of slices known to one side: the remote CDS catalog
// (what can be downloaded) or the published portal catalog (what has already
// been uploaded). Both are queried fresh at the start of every run; nothing is
// cached between runs. [ComputePending] is a pure set difference, remote minus
// published, and is the only decision point for what a run processes. The
// portal catalog is the single source of truth for resumability: a slice that
// failed mid-run stays unpublished and is picked up again on the next run.
//
// # Units
//
// CDS serves the variable as an anomalous accumulation rate in m/s (difference
// from the 1993-2016 climatology). Conversion to a monthly accumulation in mm
// multiplies by the number of days in the valid month, then by 86400 s/day and
// 1000 mm/m. Positive values mean wetter than the long-term average.
//
// # Statistics
//
// Zonal statistics are computed per administrative boundary polygon at admin
// levels 0 (country) and 1 (subdivision): pixel count, mean, and median of the
// anomaly raster. Rows carry both the issue period and the valid period; the
// difference in months is the lead time.
package domain
