package dash

import (
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/rickb777/date/period"
)

// ErrMalformedManifest is returned by Parse when the input is not a usable
// MPD document: wrong root element, no adaptation sets, or a representation
// with no way to address its segments.
var ErrMalformedManifest = errors.New("malformed manifest")

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	Profiles                  string   `xml:"profiles,attr"`
	MinimumUpdatePeriod       string   `xml:"minimumUpdatePeriod,attr"`
	AvailabilityStartTime     string   `xml:"availabilityStartTime,attr"`
	PublishTime               string   `xml:"publishTime,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// IsDynamic reports whether the manifest describes a live presentation.
// An absent type attribute means static.
func (m *MPD) IsDynamic() bool {
	return m.Type == "dynamic"
}

// GetMinimumUpdatePeriod returns the minimumUpdatePeriod as a time.Duration.
func (m *MPD) GetMinimumUpdatePeriod() (time.Duration, error) {
	return ParseDuration(m.MinimumUpdatePeriod)
}

// GetMediaPresentationDuration returns the declared presentation length,
// or zero when the attribute is absent.
func (m *MPD) GetMediaPresentationDuration() (time.Duration, error) {
	return ParseDuration(m.MediaPresentationDuration)
}

// GetAvailabilityStartTime returns the wall-clock anchor of the timeline,
// or the zero time when the attribute is absent.
func (m *MPD) GetAvailabilityStartTime() (time.Time, error) {
	if m.AvailabilityStartTime == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, m.AvailabilityStartTime)
}

// ParseDuration parses an ISO 8601 duration attribute such as "PT8S".
// An empty string parses to zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	p, err := period.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d, _ := p.Duration()
	return d, nil
}

// Period represents one content period. The relay treats multiple periods
// as a flat concatenation.
type Period struct {
	ID      string          `xml:"id,attr"`
	Start   string          `xml:"start,attr"`
	BaseURL string          `xml:"BaseURL"`
	Sets    []AdaptationSet `xml:"AdaptationSet"`
}

// GetStart returns the period start offset as a time.Duration.
func (p *Period) GetStart() (time.Duration, error) {
	return ParseDuration(p.Start)
}

// AdaptationSet groups interchangeable representations of one media type.
type AdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	ContentType        string              `xml:"contentType,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Lang               string              `xml:"lang,attr,omitempty"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
	Representations    []Representation    `xml:"Representation"`
}

// ContentProtection is a DRM signaling descriptor. The relay inspects it,
// never acts on it.
type ContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// Representation is one encoded variant of a track.
type Representation struct {
	ID                string           `xml:"id,attr"`
	Bandwidth         int              `xml:"bandwidth,attr"`
	Codecs            string           `xml:"codecs,attr"`
	Width             int              `xml:"width,attr,omitempty"`
	Height            int              `xml:"height,attr,omitempty"`
	AudioSamplingRate int              `xml:"audioSamplingRate,attr,omitempty"`
	SegmentTemplate   *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList       *SegmentList     `xml:"SegmentList"`
}

// Template returns the segment template in effect for a representation:
// its own when present, otherwise the adaptation set's.
func (r *Representation) Template(as *AdaptationSet) *SegmentTemplate {
	if r.SegmentTemplate != nil {
		return r.SegmentTemplate
	}
	return as.SegmentTemplate
}

// SegmentTemplate defines the URL structure for segments. It carries either
// a SegmentTimeline or a fixed duration with a start number.
type SegmentTemplate struct {
	Timescale      uint64           `xml:"timescale,attr"`
	Initialization string           `xml:"initialization,attr"`
	Media          string           `xml:"media,attr"`
	Duration       uint64           `xml:"duration,attr"`
	StartNumber    *uint64          `xml:"startNumber,attr"`
	Timeline       *SegmentTimeline `xml:"SegmentTimeline"`
}

// GetTimescale returns the template timescale, defaulting to 1.
func (st *SegmentTemplate) GetTimescale() uint64 {
	if st.Timescale == 0 {
		return 1
	}
	return st.Timescale
}

// GetStartNumber returns the first media segment number, defaulting to 1.
func (st *SegmentTemplate) GetStartNumber() uint64 {
	if st.StartNumber == nil {
		return 1
	}
	return *st.StartNumber
}

// SegmentList is an already-materialized list of segment URLs.
type SegmentList struct {
	Initialization *SegmentURL  `xml:"Initialization"`
	SegmentURLs    []SegmentURL `xml:"SegmentURL"`
}

// SegmentURL is one entry of a SegmentList.
type SegmentURL struct {
	Media     string `xml:"media,attr"`
	SourceURL string `xml:"sourceURL,attr"`
}

// Location returns whichever URL attribute the entry carries.
func (su *SegmentURL) Location() string {
	if su.Media != "" {
		return su.Media
	}
	return su.SourceURL
}

// SegmentTimeline defines the explicit timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or, with r > 0, a run of equal-duration
// segments. r = -1 marks an open-ended run (live).
type S struct {
	T uint64 `xml:"t,attr"`
	D uint64 `xml:"d,attr"`
	R int    `xml:"r,attr,omitempty"`
}

// Parse converts raw manifest text into an MPD. It is a pure function of
// its input: no fetching, no clock access.
//
// Optional attributes may be absent; structural problems are not. A
// document whose root is not MPD, that has no adaptation sets, or that
// contains a representation with no segment template and no segment list
// yields ErrMalformedManifest.
func Parse(raw []byte) (*MPD, error) {
	var mpd MPD
	if err := xml.Unmarshal(raw, &mpd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	sets := 0
	for pi := range mpd.Periods {
		p := &mpd.Periods[pi]
		for si := range p.Sets {
			as := &p.Sets[si]
			sets++
			for ri := range as.Representations {
				rep := &as.Representations[ri]
				tpl := rep.Template(as)
				if tpl == nil && rep.SegmentList == nil {
					return nil, fmt.Errorf("%w: representation %q has no segment template, timeline or list",
						ErrMalformedManifest, rep.ID)
				}
				if rep.SegmentList == nil && tpl.Media == "" {
					return nil, fmt.Errorf("%w: representation %q has no media template",
						ErrMalformedManifest, rep.ID)
				}
			}
		}
	}
	if sets == 0 {
		return nil, fmt.Errorf("%w: no adaptation sets", ErrMalformedManifest)
	}
	return &mpd, nil
}
