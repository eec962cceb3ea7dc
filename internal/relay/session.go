package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"dashrelay/internal/dash"
	"dashrelay/internal/logger"
)

// ErrSessionFailed wraps the terminal error of a session that exhausted its
// retries; callers use it to distinguish failure from cancellation.
var ErrSessionFailed = errors.New("session failed")

// State is the lifecycle position of a streaming session.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateRefreshing
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateRefreshing:
		return "refreshing"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ManifestFetcher retrieves manifest text, reporting the final URL after
// redirects.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, url string) ([]byte, string, error)
}

// SegmentFetcher opens a segment's bytes for streaming.
type SegmentFetcher interface {
	FetchSegment(ctx context.Context, url string) (io.ReadCloser, error)
}

// Flusher is implemented by sinks that can push buffered bytes to the
// consumer; http.ResponseWriter satisfies it.
type Flusher interface {
	Flush()
}

// Options tune one session. Zero values select the defaults.
type Options struct {
	// MediaType is the requested track type, "video" or "audio".
	MediaType string
	// Selector narrows candidate representations before the bandwidth pick.
	Selector dash.SelectorOptions
	// RefreshInterval applies when a dynamic manifest declares no
	// minimumUpdatePeriod. Default 5s.
	RefreshInterval time.Duration
	// SegmentRetries bounds fetch attempts per segment. Default 3.
	SegmentRetries int
	// RefreshRetries bounds manifest re-fetch attempts per refresh. Default 3.
	RefreshRetries int
	// RetryDelay is the base pause between attempts. Default 100ms.
	RetryDelay time.Duration
	// Now is the wall clock for live-edge decisions; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 5 * time.Second
	}
	if o.SegmentRetries <= 0 {
		o.SegmentRetries = 3
	}
	if o.RefreshRetries <= 0 {
		o.RefreshRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// Session owns one streaming connection: it drives parse, select and
// resolve, pulls segment bytes in order, and forwards them to the sink.
// Sessions share nothing; every inbound request gets its own.
type Session struct {
	log         logger.Logger
	manifests   ManifestFetcher
	segments    SegmentFetcher
	manifestURL string
	opts        Options

	state     State
	mpd       *dash.MPD
	track     *dash.Track
	resolver  *dash.Resolver
	cursor    dash.Cursor
	pending   []dash.Locator
	exhausted bool
	bytesSent int64
	err       error
}

// New builds a session. Nothing is fetched until Initialize.
func New(log logger.Logger, manifests ManifestFetcher, segments SegmentFetcher, manifestURL string, opts Options) *Session {
	return &Session{
		log:         log,
		manifests:   manifests,
		segments:    segments,
		manifestURL: manifestURL,
		opts:        opts.withDefaults(),
		state:       StateInitializing,
	}
}

// State reports the session's current lifecycle position.
func (s *Session) State() State { return s.state }

// Track returns the chosen track; nil before Initialize succeeds.
func (s *Session) Track() *dash.Track { return s.track }

// Err returns the terminal error once the session has failed.
func (s *Session) Err() error { return s.err }

// Initialize performs the cold start: fetch and parse the manifest, select
// the track, and resolve the first batch (initialization segment included).
// It runs before any response bytes are written, so its errors can still
// surface as proper HTTP statuses.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		return s.fail(err)
	}
	if s.track.DRM.Signaled {
		s.log.Warnf("Content is DRM-protected (%s); forwarded segments will be encrypted", s.track.DRM.System)
	}
	s.state = StateStreaming
	return nil
}

// load fetches, parses and selects, then resolves against the carried
// cursor. A representation id change across a live refresh resets the
// cursor so the new track's initialization segment is fetched first.
func (s *Session) load(ctx context.Context) error {
	raw, finalURL, err := s.manifests.FetchManifest(ctx, s.manifestURL)
	if err != nil {
		return err
	}
	mpd, err := dash.Parse(raw)
	if err != nil {
		return err
	}
	track, err := dash.SelectTrack(mpd, s.opts.MediaType, s.opts.Selector)
	if err != nil {
		return err
	}

	if s.track != nil && s.track.Rep.ID != track.Rep.ID {
		s.log.Infof("Representation changed %s -> %s, restarting with fresh init segment",
			s.track.Rep.ID, track.Rep.ID)
		s.cursor = dash.Cursor{}
	}

	resolver, err := dash.NewResolver(s.log, mpd, track, finalURL, s.opts.Now)
	if err != nil {
		return err
	}
	batch, err := resolver.Resolve(s.cursor)
	if err != nil {
		return err
	}

	s.mpd = mpd
	s.track = track
	s.resolver = resolver
	s.cursor = batch.Cursor
	s.pending = batch.Segments
	s.exhausted = batch.Exhausted
	return nil
}

// Stream runs the session until the consumer cancels ctx or the session
// fails. For static content it replays the sequence indefinitely; for
// dynamic content it refreshes the manifest and follows the live edge.
func (s *Session) Stream(ctx context.Context, w io.Writer) error {
	if s.state != StateStreaming {
		return fmt.Errorf("session not initialized (state %s)", s.state)
	}

	for {
		for _, loc := range s.pending {
			if ctx.Err() != nil {
				return s.close()
			}
			if err := s.forward(ctx, loc, w); err != nil {
				if ctx.Err() != nil {
					return s.close()
				}
				return s.fail(err)
			}
		}
		s.pending = nil

		switch {
		case s.exhausted && !s.mpd.IsDynamic():
			// VOD: loop from the start for continuous replay.
			s.state = StateDraining
			s.log.Infof("Reached end of static sequence after %d bytes, restarting from the top", s.bytesSent)
			s.cursor = dash.Cursor{}
			batch, err := s.resolver.Resolve(s.cursor)
			if err != nil {
				return s.fail(err)
			}
			if len(batch.Segments) == 0 {
				return s.fail(fmt.Errorf("static manifest resolved to no segments"))
			}
			s.cursor = batch.Cursor
			s.pending = batch.Segments
			s.exhausted = batch.Exhausted
			s.state = StateStreaming

		default:
			// Live (or an empty live batch): wait out the update period,
			// then re-derive the sequence.
			s.state = StateRefreshing
			if err := s.refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return s.close()
				}
				return s.fail(err)
			}
			s.state = StateStreaming
		}
	}
}

// forward fetches one segment and copies it to the sink. Attempts that fail
// before any byte is written are retried up to the configured bound; once a
// partial segment has gone out there is no rollback, so a mid-copy error is
// terminal.
func (s *Session) forward(ctx context.Context, loc dash.Locator, w io.Writer) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.SegmentRetries; attempt++ {
		body, err := s.segments.FetchSegment(ctx, loc.URL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			s.log.Warnf("Segment fetch attempt %d/%d failed for %s: %v", attempt, s.opts.SegmentRetries, loc.URL, err)
			if !sleep(ctx, s.opts.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		n, err := io.Copy(w, body)
		body.Close()
		s.bytesSent += n
		if err != nil {
			if n > 0 {
				return fmt.Errorf("segment %s aborted after %d bytes: %w", loc.URL, n, err)
			}
			lastErr = err
			s.log.Warnf("Segment copy attempt %d/%d failed for %s: %v", attempt, s.opts.SegmentRetries, loc.URL, err)
			if !sleep(ctx, s.opts.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		if f, ok := w.(Flusher); ok {
			f.Flush()
		}
		s.log.Debugf("Forwarded segment %s (%d bytes)", loc.URL, n)
		return nil
	}
	return fmt.Errorf("segment %s failed after %d attempts: %w", loc.URL, s.opts.SegmentRetries, lastErr)
}

// refresh waits out the manifest's update period, then re-fetches and
// re-resolves with the carried cursor. Fetch, parse and selection errors
// are retried with linear backoff before escalating.
func (s *Session) refresh(ctx context.Context) error {
	if !sleep(ctx, s.refreshInterval()) {
		return ctx.Err()
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.RefreshRetries; attempt++ {
		err := s.load(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		s.log.Warnf("Manifest refresh attempt %d/%d failed: %v", attempt, s.opts.RefreshRetries, err)
		if !sleep(ctx, time.Duration(attempt)*s.opts.RetryDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("manifest refresh failed after %d attempts: %w", s.opts.RefreshRetries, lastErr)
}

// refreshInterval is the manifest's minimumUpdatePeriod (floored at 2s), or
// the configured default when absent or unparseable.
func (s *Session) refreshInterval() time.Duration {
	interval := s.opts.RefreshInterval
	if s.mpd.MinimumUpdatePeriod != "" {
		if d, err := s.mpd.GetMinimumUpdatePeriod(); err == nil && d > 0 {
			interval = d
			// Declared update periods under 2s would hammer the origin.
			if interval < 2*time.Second {
				interval = 2 * time.Second
			}
		} else if err != nil {
			s.log.Warnf("Could not parse minimumUpdatePeriod %q, using default %v", s.mpd.MinimumUpdatePeriod, interval)
		}
	}
	return interval
}

func (s *Session) fail(err error) error {
	s.state = StateFailed
	s.err = fmt.Errorf("%w: %w", ErrSessionFailed, err)
	s.log.Errorf("Session for %s failed: %v", s.manifestURL, err)
	return s.err
}

func (s *Session) close() error {
	s.state = StateClosed
	s.log.Infof("Session for %s closed by consumer after %d bytes", s.manifestURL, s.bytesSent)
	return nil
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
