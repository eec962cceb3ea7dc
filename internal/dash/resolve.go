package dash

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"dashrelay/internal/logger"
)

// SegmentKind distinguishes initialization segments from media segments.
type SegmentKind int

const (
	KindInit SegmentKind = iota
	KindMedia
)

// Locator is one concrete, fetchable segment reference.
type Locator struct {
	URL      string
	Kind     SegmentKind
	Number   uint64
	Time     uint64
	Duration uint64
}

// Cursor is the resolver's position within a representation's segment
// sequence. The zero value is a fresh cursor; resetting to it replays the
// sequence from the start, initialization segment included.
type Cursor struct {
	InitSent   bool
	NextNumber uint64
	NextTime   uint64
}

// Batch is the outcome of one resolve step: the locators newly available
// since the given cursor, the advanced cursor, and whether the declared
// sequence is complete. Exhausted is only ever true for static content;
// an empty batch with Exhausted false is the normal live "nothing new yet"
// answer.
type Batch struct {
	Segments  []Locator
	Cursor    Cursor
	Exhausted bool
}

// An open-ended repeat expands at most this many segments per resolve, so a
// degenerate manifest (tiny d, ancient availabilityStartTime) cannot stall
// a session materializing its whole history.
const maxUnboundedExpand = 4096

var templateRe = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(%0\d+d)?\$`)

// expandTemplate substitutes DASH URL template placeholders, including the
// printf-width form such as $Number%05d$.
func expandTemplate(tpl, repID string, bandwidth int, number, t uint64) string {
	return templateRe.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := templateRe.FindStringSubmatch(m)
		name, format := sub[1], sub[2]
		var v uint64
		switch name {
		case "RepresentationID":
			return repID
		case "Bandwidth":
			v = uint64(bandwidth)
		case "Number":
			v = number
		case "Time":
			v = t
		}
		if format != "" {
			return fmt.Sprintf(format, v)
		}
		return fmt.Sprintf("%d", v)
	})
}

// Resolver turns a chosen track of an immutable manifest into batches of
// segment locators. It holds no fetch state: the cursor passed through
// Resolve is the only position, so a resolver can be discarded and rebuilt
// on every manifest refresh.
type Resolver struct {
	log    logger.Logger
	mpd    *MPD
	track  *Track
	base   *url.URL
	anchor time.Time
	now    func() time.Time
}

// NewResolver builds a resolver for one track. manifestURL must be the
// final (post-redirect) manifest location so relative segment paths resolve
// correctly; MPD-level and Period-level BaseURL elements are applied on top
// of it. now is the wall clock used for live-edge decisions and may be nil
// for time.Now.
func NewResolver(log logger.Logger, mpd *MPD, track *Track, manifestURL string, now func() time.Time) (*Resolver, error) {
	if now == nil {
		now = time.Now
	}
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest URL %q: %w", manifestURL, err)
	}
	for _, b := range []string{mpd.BaseURL, track.Period.BaseURL} {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		ref, err := url.Parse(b)
		if err != nil {
			return nil, fmt.Errorf("invalid BaseURL %q: %w", b, err)
		}
		base = base.ResolveReference(ref)
	}

	anchor, err := mpd.GetAvailabilityStartTime()
	if err != nil {
		return nil, fmt.Errorf("invalid availabilityStartTime: %w", err)
	}
	if anchor.IsZero() {
		// No declared anchor: pin the live edge to when we first saw the
		// manifest so unbounded timelines still advance monotonically.
		anchor = now()
	}

	return &Resolver{log: log, mpd: mpd, track: track, base: base, anchor: anchor, now: now}, nil
}

// Resolve returns the segments newly available since cur. The returned
// cursor must be fed to the next call; the zero cursor starts over.
func (r *Resolver) Resolve(cur Cursor) (Batch, error) {
	rep := r.track.Rep
	tpl := rep.Template(r.track.Set)

	var batch Batch
	switch {
	case rep.SegmentList != nil:
		batch = r.resolveList(cur)
	case tpl != nil && tpl.Timeline != nil && len(tpl.Timeline.Segments) > 0:
		batch = r.resolveTimeline(cur, tpl)
	case tpl != nil && tpl.Duration > 0:
		var err error
		batch, err = r.resolveNumbered(cur, tpl)
		if err != nil {
			return Batch{}, err
		}
	default:
		return Batch{}, fmt.Errorf("representation %q: segment template has neither timeline nor duration", rep.ID)
	}

	if !cur.InitSent {
		if init, ok := r.initLocator(tpl); ok {
			batch.Segments = append([]Locator{init}, batch.Segments...)
		}
		batch.Cursor.InitSent = true
	}
	return batch, nil
}

// initLocator builds the initialization segment reference, when declared.
func (r *Resolver) initLocator(tpl *SegmentTemplate) (Locator, bool) {
	rep := r.track.Rep
	if rep.SegmentList != nil && rep.SegmentList.Initialization != nil {
		if loc := rep.SegmentList.Initialization.Location(); loc != "" {
			return Locator{URL: r.resolve(loc), Kind: KindInit}, true
		}
	}
	if tpl != nil && tpl.Initialization != "" {
		path := expandTemplate(tpl.Initialization, rep.ID, rep.Bandwidth, 0, 0)
		return Locator{URL: r.resolve(path), Kind: KindInit}, true
	}
	return Locator{}, false
}

func (r *Resolver) resolveTimeline(cur Cursor, tpl *SegmentTemplate) Batch {
	rep := r.track.Rep
	edge := r.liveEdge(tpl.GetTimescale())

	out := Batch{Cursor: cur}
	var t uint64
	num := tpl.GetStartNumber()
	for _, s := range tpl.Timeline.Segments {
		if s.T > 0 {
			if t > 0 && s.T > t {
				// Declared discontinuity: continue from the entry's own
				// start, no synthetic filler segment.
				r.log.Warnf("Timeline gap for rep %s: %d -> %d", rep.ID, t, s.T)
			}
			t = s.T
		}
		if s.D == 0 {
			r.log.Warnf("Skipping timeline entry with zero duration for rep %s", rep.ID)
			continue
		}

		count := s.R + 1
		unbounded := s.R < 0
		if unbounded {
			count = maxUnboundedExpand
		}
		for i := 0; i < count; i++ {
			if unbounded && t+s.D > edge {
				break
			}
			if t >= cur.NextTime {
				path := expandTemplate(tpl.Media, rep.ID, rep.Bandwidth, num, t)
				out.Segments = append(out.Segments, Locator{
					URL:      r.resolve(path),
					Kind:     KindMedia,
					Number:   num,
					Time:     t,
					Duration: s.D,
				})
			}
			t += s.D
			num++
		}
	}

	if t > out.Cursor.NextTime {
		out.Cursor.NextTime = t
	}
	out.Exhausted = !r.mpd.IsDynamic()
	return out
}

func (r *Resolver) resolveNumbered(cur Cursor, tpl *SegmentTemplate) (Batch, error) {
	rep := r.track.Rep
	ts := tpl.GetTimescale()
	start := tpl.GetStartNumber()

	next := cur.NextNumber
	if next < start {
		next = start
	}

	var last uint64
	exhausted := false
	if r.mpd.IsDynamic() {
		// Live edge: only segments whose end time has passed are published.
		avail := r.liveEdge(ts) / tpl.Duration
		if avail == 0 {
			return Batch{Cursor: cur}, nil
		}
		last = start + avail - 1
	} else {
		total, err := r.mpd.GetMediaPresentationDuration()
		if err != nil {
			return Batch{}, err
		}
		if total <= 0 {
			return Batch{}, fmt.Errorf("representation %q: static manifest missing mediaPresentationDuration", rep.ID)
		}
		units := uint64(total.Seconds() * float64(ts))
		count := (units + tpl.Duration - 1) / tpl.Duration
		if count == 0 {
			count = 1
		}
		last = start + count - 1
		exhausted = true
	}

	out := Batch{Cursor: cur, Exhausted: exhausted}
	for n := next; n <= last; n++ {
		segTime := (n - start) * tpl.Duration
		path := expandTemplate(tpl.Media, rep.ID, rep.Bandwidth, n, segTime)
		out.Segments = append(out.Segments, Locator{
			URL:      r.resolve(path),
			Kind:     KindMedia,
			Number:   n,
			Time:     segTime,
			Duration: tpl.Duration,
		})
	}
	if last+1 > out.Cursor.NextNumber {
		out.Cursor.NextNumber = last + 1
	}
	return out, nil
}

func (r *Resolver) resolveList(cur Cursor) Batch {
	urls := r.track.Rep.SegmentList.SegmentURLs
	out := Batch{Cursor: cur, Exhausted: true}
	for i := cur.NextNumber; i < uint64(len(urls)); i++ {
		loc := urls[i].Location()
		if loc == "" {
			continue
		}
		out.Segments = append(out.Segments, Locator{
			URL:    r.resolve(loc),
			Kind:   KindMedia,
			Number: i,
		})
	}
	out.Cursor.NextNumber = uint64(len(urls))
	return out
}

// liveEdge converts elapsed wall time since the availability anchor into
// media time units. Zero when the anchor lies in the future.
func (r *Resolver) liveEdge(timescale uint64) uint64 {
	elapsed := r.now().Sub(r.anchor)
	if start, err := r.track.Period.GetStart(); err == nil {
		elapsed -= start
	}
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed.Seconds() * float64(timescale))
}

// resolve joins a segment path with the resolver's base URL.
func (r *Resolver) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		// A path the template produced but the URL parser rejects; pass it
		// through so the fetch layer reports it against the real target.
		return path
	}
	return r.base.ResolveReference(ref).String()
}
