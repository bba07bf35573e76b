// Command mockstack serves in-memory stand-ins for the climate data store and
// the publishing portal, so the ETL service can be exercised locally without
// credentials. Published resources live in memory only: restarting mockstack
// resets the portal to empty, which makes it handy for replaying full
// backfills.
//
// Usage:
//
//	go run ./cmd/mockstack -addr :9090
//	CDS_URL=http://localhost:9090/cds PORTAL_URL=http://localhost:9090/portal \
//	  CDS_KEY=x PORTAL_KEY=x BOUNDARIES_URL=http://localhost:9090/boundaries.zip \
//	  go run ./cmd/etl
package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	failSlices := flag.Int("fail-every", 0, "fail every Nth resource upload (0 = never)")
	flag.Parse()

	s := &mockStack{failEvery: *failSlices}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cds/resources/{dataset}", s.cdsProbe)
	mux.HandleFunc("POST /cds/resources/{dataset}", s.cdsRetrieve)
	mux.HandleFunc("GET /cds/download/{name}", s.cdsDownload)
	mux.HandleFunc("GET /portal/api/3/action/package_show", s.portalShow)
	mux.HandleFunc("POST /portal/api/3/action/resource_create", s.portalCreate)
	mux.HandleFunc("GET /boundaries.zip", s.boundariesZip)

	log.Printf("mockstack listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

type mockResource struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

type mockStack struct {
	mu        sync.Mutex
	resources []mockResource
	uploads   int
	failEvery int
}

func (s *mockStack) cdsProbe(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// cdsRetrieve completes every request immediately; the download URL is
// derived from the request host so the client's base URL configuration does
// not matter.
func (s *mockStack) cdsRetrieve(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"state":    "completed",
		"location": fmt.Sprintf("http://%s/cds/download/%s.grib", r.Host, r.PathValue("dataset")),
	}
	writeJSON(w, resp)
}

func (s *mockStack) cdsDownload(w http.ResponseWriter, _ *http.Request) {
	// A GRIB magic header followed by filler. Enough for the ETL's size
	// checks; real conversion needs real GDAL input, so point
	// GDAL_TRANSLATE_BIN and friends at stub scripts when running against
	// mockstack.
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(append([]byte("GRIB"), bytes.Repeat([]byte{0}, 1024)...))
}

func (s *mockStack) portalShow(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{
		"success": true,
		"result":  map[string]any{"resources": s.resources},
	})
}

func (s *mockStack) portalCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.FormValue("name")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	if s.failEvery > 0 && s.uploads%s.failEvery == 0 {
		log.Printf("injecting failure for resource %q", name)
		http.Error(w, "injected failure", http.StatusConflict)
		return
	}

	for i, res := range s.resources {
		if res.Name == name {
			s.resources[i].Format = r.FormValue("format")
			writeJSON(w, map[string]any{"success": true})
			return
		}
	}
	s.resources = append(s.resources, mockResource{Name: name, Format: r.FormValue("format")})
	log.Printf("portal resource created: %s", name)
	writeJSON(w, map[string]any{"success": true})
}

func (s *mockStack) boundariesZip(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"global_boundaries/adm0.csv", "global_boundaries/adm1.csv"} {
		f, err := zw.Create(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = f.Write([]byte("placeholder\n"))
	}
	if err := zw.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}
