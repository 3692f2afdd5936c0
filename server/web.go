package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/janelia-flyem/mosaic/archive"
	"github.com/janelia-flyem/mosaic/datastore"
	"github.com/janelia-flyem/mosaic/mosaic"

	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
)

// WebAPIPath is the prefix of all API routes.
const WebAPIPath = "/api/"

// RetryAfter is sent with 503 responses, in seconds.
const RetryAfter = 5

const helpMessage = `
mosaic tile server

GET  /api/help
	This message.

GET  /api/datasets
	JSON list of all datasets.

GET  /api/datasets/{id}
	JSON description of one dataset.

GET  /api/datasets/{id}/metadata
	Width, height, tile size, overlap, level count and per-level grid.  levelOrder
	gives the numbering of tile requests: finest-first for packed archives (level
	0 is full resolution), coarsest-first for legacy pyramids (level 0 is the
	single-tile directory).

GET  /api/datasets/{id}/validate
	Compliance report of a packed archive, or {"applicable": false}.

GET  /api/datasets/{id}/thumbnail[?format=jpg|png|webp]
	The single tile of the coarsest level.

POST /api/datasets/{id}/invalidate
	Drop cached tiles of the dataset.

GET  /api/tiles/{id}/{level}/{col}_{row}.{jpg|png|webp}
	Tile bytes.  WebP falls back to the stored format if the Accept header
	excludes it.  Tiles are cacheable forever.

GET  /api/tiles/{id}/info.dzi
	Deep Zoom descriptor of the dataset.

GET  /api/tiles/{id}/info_files/{level}/{col}_{row}.{jpg|png|webp}
	Tile bytes addressed by Deep Zoom level, where the last level is full
	resolution.
`

var (
	tilePattern         = regexp.MustCompile(`^/api/tiles/(?P<id>[^/]+)/(?P<level>\d+)/(?P<col>\d+)_(?P<row>\d+)\.(?P<ext>[A-Za-z0-9]+)$`)
	deepZoomTilePattern = regexp.MustCompile(`^/api/tiles/(?P<id>[^/]+)/info_files/(?P<level>\d+)/(?P<col>\d+)_(?P<row>\d+)\.(?P<ext>[A-Za-z0-9]+)$`)
)

// CacheControlDescriptor is sent with Deep Zoom descriptors, which change when
// a dataset is rebuilt.
const CacheControlDescriptor = "public, max-age=3600"

// Server is the HTTP front end of a Resolver.
type Server struct {
	config   *Config
	resolver *Resolver
	handler  http.Handler
}

// NewServer returns a Server for the registry.  A nil config selects defaults.
func NewServer(config *Config, registry datastore.Registry) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		config:   config,
		resolver: NewResolver(registry, config.ResolverOptions()),
	}

	mux := web.New()
	mux.Use(recoverHandler)
	mux.Use(logHandler)
	mux.Get("/api/help", s.helpHandler)
	mux.Get("/api/datasets", s.datasetsHandler)
	mux.Get("/api/datasets/:id", s.datasetHandler)
	mux.Get("/api/datasets/:id/metadata", s.metadataHandler)
	mux.Get("/api/datasets/:id/validate", s.validateHandler)
	mux.Get("/api/datasets/:id/thumbnail", s.thumbnailHandler)
	mux.Post("/api/datasets/:id/invalidate", s.invalidateHandler)
	mux.Get("/api/tiles/:id/info.dzi", s.deepZoomHandler)
	mux.Get(deepZoomTilePattern, s.deepZoomTileHandler)
	mux.Get(tilePattern, s.tileHandler)
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, r, "no handler for %s %s, see %shelp", r.Method, r.URL.Path, WebAPIPath)
	})

	s.handler = cors.New(cors.Options{
		AllowedOrigins: config.Server.CorsDomains,
		AllowedMethods: []string{"GET", "HEAD", "POST"},
		ExposedHeaders: []string{"Content-Length", "X-Mosaic-Source"},
	}).Handler(mux)
	return s
}

// Resolver returns the resolver behind the server.
func (s *Server) Resolver() *Resolver {
	return s.resolver
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves HTTP on the configured address until ctx is done, then
// shuts down, waiting up to the configured delay for requests in flight.
func (s *Server) ListenAndServe(ctx context.Context) error {
	src := &http.Server{
		Addr:        s.config.Server.HTTPAddress,
		Handler:     s,
		ReadTimeout: 1 * time.Hour,
	}
	errc := make(chan error, 1)
	go func() {
		mosaic.Infof("Web server listening at %s ...\n", src.Addr)
		errc <- src.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	mosaic.Infof("Shutting down web server, waiting up to %s for requests...\n", s.config.Server.ShutdownDelay)
	sctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownDelay.Duration)
	defer cancel()
	return src.Shutdown(sctx)
}

// BadRequest writes a 400 error with the formatted message.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusBadRequest, format, args...)
}

// NotFound writes a 404 error with the formatted message.
func NotFound(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusNotFound, format, args...)
}

// Unavailable writes a 503 error with a Retry-After header.
func Unavailable(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfter))
	httpError(w, r, http.StatusServiceUnavailable, format, args...)
}

func httpError(w http.ResponseWriter, r *http.Request, status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if status >= 500 {
		mosaic.Errorf("%s %s: %s\n", r.Method, r.URL.Path, msg)
	} else {
		mosaic.Debugf("%s %s: %s\n", r.Method, r.URL.Path, msg)
	}
	http.Error(w, msg, status)
}

// writeError maps error kinds to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch mosaic.KindOf(err) {
	case mosaic.InvalidArgument:
		BadRequest(w, r, "%v", err)
	case mosaic.DatasetNotFound, mosaic.TileOutOfRange:
		NotFound(w, r, "%v", err)
	case mosaic.BackingStoreUnavailable:
		Unavailable(w, r, "%v", err)
	case mosaic.CorruptSource:
		httpError(w, r, http.StatusInternalServerError, "corrupt stored data: %v", err)
	default:
		httpError(w, r, http.StatusInternalServerError, "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		httpError(w, r, http.StatusInternalServerError, "can't encode response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonBytes)
}

func writeTile(w http.ResponseWriter, r *http.Request, resp *TileResponse) {
	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	h.Set("Cache-Control", resp.CacheControl)
	h.Set("Vary", "Accept")
	h.Set("Content-Length", strconv.Itoa(len(resp.Data)))
	h.Set("X-Mosaic-Source", string(resp.Source))
	w.WriteHeader(http.StatusOK)
	if r.Method != "HEAD" {
		w.Write(resp.Data)
	}
}

// recoverHandler turns panics in handlers into 500 responses.
func recoverHandler(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if e := recover(); e != nil {
				mosaic.Criticalf("Panic serving %s %s: %v\n", r.Method, r.URL.Path, e)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func logHandler(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		timedLog := mosaic.NewTimeLog()
		h.ServeHTTP(w, r)
		timedLog.Debugf("HTTP %s: %s", r.Method, r.URL)
	}
	return http.HandlerFunc(fn)
}

func (s *Server) helpHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, helpMessage)
}

func (s *Server) datasetsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.resolver.Registry().ListDatasets()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, list)
}

func (s *Server) datasetHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	d, err := s.resolver.Registry().GetDataset(c.URLParams["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, d)
}

func (s *Server) metadataHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	info, err := s.resolver.Describe(c.URLParams["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, info)
}

func (s *Server) validateHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	d, err := s.resolver.Registry().GetDataset(c.URLParams["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Store != datastore.StorePacked {
		writeJSON(w, r, map[string]interface{}{"applicable": false, "store": d.Store})
		return
	}
	report, err := archive.Validate(r.Context(), d.ArchivePath, s.config.ValidateOptions())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, report)
}

func (s *Server) thumbnailHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "png"
	}
	resp, err := s.resolver.Thumbnail(r.Context(), c.URLParams["id"], format, r.Header.Get("Accept"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTile(w, r, resp)
}

func (s *Server) invalidateHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id := c.URLParams["id"]
	if _, err := s.resolver.Registry().GetDataset(id); err != nil {
		writeError(w, r, err)
		return
	}
	s.resolver.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

// tileRequest parses the tile address of a tile route.
func tileRequest(c web.C, r *http.Request) (TileRequest, error) {
	req := TileRequest{
		DatasetID: c.URLParams["id"],
		Format:    c.URLParams["ext"],
		Accept:    r.Header.Get("Accept"),
	}
	var err error
	for _, p := range []struct {
		name string
		dst  *int
	}{{"level", &req.Level}, {"col", &req.Column}, {"row", &req.Row}} {
		if *p.dst, err = strconv.Atoi(c.URLParams[p.name]); err != nil {
			return req, fmt.Errorf("bad %s %q in tile request", p.name, c.URLParams[p.name])
		}
	}
	return req, nil
}

func (s *Server) tileHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	req, err := tileRequest(c, r)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	resp, err := s.resolver.Resolve(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTile(w, r, resp)
}

func (s *Server) deepZoomTileHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	req, err := tileRequest(c, r)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	resp, err := s.resolver.ResolveDeepZoom(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeTile(w, r, resp)
}

func (s *Server) deepZoomHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	dz, err := s.resolver.DeepZoom(c.URLParams["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := dz.Marshal()
	if err != nil {
		httpError(w, r, http.StatusInternalServerError, "can't encode descriptor: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Cache-Control", CacheControlDescriptor)
	w.Write(data)
}
