package dash

import (
	"time"

	"dashrelay/internal/logger"
)

// TrackInfo summarizes one representation for the debug endpoint.
type TrackInfo struct {
	ID           string
	MediaType    string
	Bandwidth    int
	SegmentCount int
	Unbounded    bool
}

// Report is a read-only snapshot of a parsed manifest. It drives nothing;
// the API layer serializes it for inspection.
type Report struct {
	Type   string
	DRM    DRMInfo
	Tracks []TrackInfo
}

// Inspect walks every representation and counts the segments a fresh
// resolve would produce. Dynamic manifests report the count currently at
// the live edge and mark the track unbounded.
func Inspect(log logger.Logger, mpd *MPD, manifestURL string, now func() time.Time) Report {
	report := Report{Type: mpd.Type}
	if report.Type == "" {
		report.Type = "static"
	}

	for pi := range mpd.Periods {
		p := &mpd.Periods[pi]
		for si := range p.Sets {
			as := &p.Sets[si]
			if drm := DetectProtection(as); drm.Signaled && !report.DRM.Signaled {
				report.DRM = drm
			}
			for ri := range as.Representations {
				rep := &as.Representations[ri]
				info := TrackInfo{
					ID:        rep.ID,
					MediaType: as.MediaType(),
					Bandwidth: rep.Bandwidth,
					Unbounded: mpd.IsDynamic(),
				}

				track := &Track{Period: p, Set: as, Rep: rep}
				res, err := NewResolver(log, mpd, track, manifestURL, now)
				if err == nil {
					if batch, err := res.Resolve(Cursor{}); err == nil {
						for _, seg := range batch.Segments {
							if seg.Kind == KindMedia {
								info.SegmentCount++
							}
						}
					} else {
						log.Warnf("Could not resolve segments for rep %s: %v", rep.ID, err)
					}
				}
				report.Tracks = append(report.Tracks, info)
			}
		}
	}
	return report
}
