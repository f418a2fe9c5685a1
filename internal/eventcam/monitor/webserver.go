package monitor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/httputil"
	"github.com/banshee-data/eventcam.bridge/internal/monitoring"
	"github.com/banshee-data/eventcam.bridge/internal/version"
)

// AdminRoutes mounts extra debug handlers (for example the SQL console of
// the event store) under the tsweb debugger.
type AdminRoutes interface {
	AttachAdminRoutes(debug *tsweb.DebugHandler)
}

// SourceInfo describes the configured frame source for the status endpoint.
type SourceInfo struct {
	Protocol  string `json:"protocol"`
	Address   string `json:"address"`
	FrameSize int    `json:"frame_size"`
	Layout    string `json:"layout"`
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address  string
	Stats    *FrameStats
	Latest   *LatestFrame
	Geometry eventcam.Geometry
	Source   SourceInfo
	Admin    AdminRoutes
}

// WebServer exposes converter statistics over HTTP.
type WebServer struct {
	address  string
	stats    *FrameStats
	latest   *LatestFrame
	geometry eventcam.Geometry
	source   SourceInfo
	admin    AdminRoutes
	server   *http.Server
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:  config.Address,
		stats:    config.Stats,
		latest:   config.Latest,
		geometry: config.Geometry,
		source:   config.Source,
		admin:    config.Admin,
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the route table.
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/stats/history", ws.handleHistory)

	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Version)
	debug.KV("Geometry", ws.geometry.String())
	debug.KV("Source", ws.source.Protocol+" "+ws.source.Address)
	if ws.stats != nil {
		debug.KVFunc("Frames decoded", func() any { return FormatWithCommas(ws.stats.Totals().Frames) })
		debug.KVFunc("Events decoded", func() any { return FormatWithCommas(ws.stats.Totals().Events) })
	}
	debug.Handle("charts/rate", "Frame and event rate chart", http.HandlerFunc(ws.handleRateChart))
	debug.Handle("frame.png", "Scatter plot of the latest frame", http.HandlerFunc(ws.handleFramePNG))
	if ws.admin != nil {
		ws.admin.AttachAdminRoutes(debug)
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.address)
	if err != nil {
		return err
	}
	return ws.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "version": version.Version})
}

// StatusResponse is the body of GET /api/stats.
type StatusResponse struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	Geometry      string         `json:"geometry"`
	Source        SourceInfo     `json:"source"`
	Totals        Totals         `json:"totals"`
	Latest        *StatsSnapshot `json:"latest,omitempty"`
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.stats == nil {
		httputil.NotFound(w, "stats not enabled")
		return
	}
	httputil.WriteJSONOK(w, StatusResponse{
		UptimeSeconds: ws.stats.Uptime().Seconds(),
		Geometry:      ws.geometry.String(),
		Source:        ws.source,
		Totals:        ws.stats.Totals(),
		Latest:        ws.stats.LatestSnapshot(),
	})
}

func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if ws.stats == nil {
		httputil.NotFound(w, "stats not enabled")
		return
	}
	history := ws.stats.History()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		if n < len(history) {
			history = history[len(history)-n:]
		}
	}
	httputil.WriteJSONOK(w, history)
}

func (ws *WebServer) handleRateChart(w http.ResponseWriter, r *http.Request) {
	if ws.stats == nil {
		httputil.NotFound(w, "stats not enabled")
		return
	}
	var buf bytes.Buffer
	if err := RenderRateChart(&buf, ws.stats.History()); err != nil {
		httputil.InternalServerError(w, "failed to render chart: "+err.Error())
		return
	}
	httputil.WriteBytes(w, "text/html; charset=utf-8", buf.Bytes())
}

func (ws *WebServer) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	if ws.latest == nil {
		httputil.NotFound(w, "frame snapshots not enabled")
		return
	}
	idx, _, events, ok := ws.latest.Snapshot()
	if !ok {
		httputil.NotFound(w, "no frame decoded yet")
		return
	}
	png, err := RenderFramePNG(ws.geometry, idx, events)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteBytes(w, "image/png", png)
}
