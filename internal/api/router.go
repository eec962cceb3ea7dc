package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dashrelay/internal/config"
	"dashrelay/internal/dash"
	"dashrelay/internal/fetch"
	"dashrelay/internal/logger"
	"dashrelay/internal/relay"
)

const statusTrailer = "X-Relay-Status"

type API struct {
	log    logger.Logger
	client *fetch.Client
	cfg    *config.Config
}

// New builds the route surface. The manifest URL is carried in the request
// path, as in /stream/video/https://host/path/manifest.mpd.
func New(log logger.Logger, client *fetch.Client, cfg *config.Config) http.Handler {
	a := &API{log: log, client: client, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{mediaType}/{manifestURL...}", a.handleStream)
	mux.HandleFunc("GET /debug/{manifestURL...}", a.handleDebug)

	return mux
}

// restoreScheme undoes the path cleaning that collapses the double slash of
// a URL embedded in the request path.
func restoreScheme(p string) string {
	if strings.HasPrefix(p, "http:/") && !strings.HasPrefix(p, "http://") {
		return strings.Replace(p, "http:/", "http://", 1)
	}
	if strings.HasPrefix(p, "https:/") && !strings.HasPrefix(p, "https://") {
		return strings.Replace(p, "https:/", "https://", 1)
	}
	return p
}

func (a *API) manifestURL(r *http.Request) string {
	u := restoreScheme(r.PathValue("manifestURL"))
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

func (a *API) sessionOptions(mediaType string) relay.Options {
	return relay.Options{
		MediaType:       mediaType,
		RefreshInterval: a.cfg.RefreshInterval,
		SegmentRetries:  a.cfg.SegmentRetries,
		RefreshRetries:  a.cfg.RefreshRetries,
		Selector: dash.SelectorOptions{
			BitrateExprs: a.cfg.BitrateExprs,
			CodecRegexs:  a.cfg.CodecRegexs,
			LangRegexs:   a.cfg.LangRegexs,
		},
	}
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	mediaType := r.PathValue("mediaType")
	if mediaType != "video" && mediaType != "audio" {
		http.Error(w, "Stream type must be 'video' or 'audio'", http.StatusNotFound)
		return
	}

	manifestURL := a.manifestURL(r)
	sess := relay.New(a.log, a.client, a.client, manifestURL, a.sessionOptions(mediaType))

	if err := sess.Initialize(r.Context()); err != nil {
		switch {
		case errors.Is(err, dash.ErrNoMatchingTrack):
			http.Error(w, fmt.Sprintf("No %s track found in manifest", mediaType), http.StatusNotFound)
		case errors.Is(err, dash.ErrMalformedManifest):
			http.Error(w, fmt.Sprintf("Could not parse manifest: %v", err), http.StatusBadGateway)
		default:
			http.Error(w, fmt.Sprintf("Could not start stream: %v", err), http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Content-Type", mediaType+"/mp4")
	// Announced before the body so the terminal state reaches the consumer
	// even though the response status is long gone by then.
	w.Header().Set("Trailer", statusTrailer)

	err := sess.Stream(r.Context(), w)
	switch {
	case err == nil:
		w.Header().Set(statusTrailer, "ended")
	default:
		w.Header().Set(statusTrailer, "failed")
	}
}

// Wire shapes for the debug endpoint; the core hands over plain structs and
// serialization happens here only.
type debugTrack struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Bandwidth    int    `json:"bandwidth"`
	SegmentCount int    `json:"segment_count"`
	Unbounded    bool   `json:"unbounded"`
}

type debugResponse struct {
	ManifestURL  string                `json:"mpd_url"`
	ManifestType string                `json:"mpd_type"`
	DRMProtected bool                  `json:"drm_protected"`
	DRMSystem    string                `json:"drm_system,omitempty"`
	Warning      string                `json:"warning,omitempty"`
	Tracks       map[string]debugTrack `json:"tracks"`
}

func (a *API) handleDebug(w http.ResponseWriter, r *http.Request) {
	manifestURL := a.manifestURL(r)

	raw, finalURL, err := a.client.FetchManifest(r.Context(), manifestURL)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, manifestURL, err)
		return
	}
	mpd, err := dash.Parse(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, manifestURL, err)
		return
	}

	report := dash.Inspect(a.log, mpd, finalURL, nil)
	resp := debugResponse{
		ManifestURL:  manifestURL,
		ManifestType: report.Type,
		DRMProtected: report.DRM.Signaled,
		DRMSystem:    report.DRM.System,
		Tracks:       make(map[string]debugTrack, len(report.Tracks)),
	}
	if report.DRM.Signaled {
		resp.Warning = "Content is DRM-protected and cannot be played without decryption"
	}
	for _, t := range report.Tracks {
		key := fmt.Sprintf("%s_%s", t.MediaType, t.ID)
		resp.Tracks[key] = debugTrack{
			ID:           t.ID,
			Type:         t.MediaType,
			Bandwidth:    t.Bandwidth,
			SegmentCount: t.SegmentCount,
			Unbounded:    t.Unbounded,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeJSONError(w http.ResponseWriter, status int, url string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"url":   url,
	})
}
