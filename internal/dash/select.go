package dash

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/PaesslerAG/gval"
)

// ErrNoMatchingTrack is returned by SelectTrack when no adaptation set of
// the requested media type exists, or when filters reject every candidate.
var ErrNoMatchingTrack = errors.New("no matching track")

// Widevine and PlayReady DRM system UUIDs as they appear in
// ContentProtection schemeIdUri attributes.
const (
	widevineSystemID  = "edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	playReadySystemID = "9a04f079-9840-4286-ab92-e65be0885f95"
)

// DRMInfo describes protection signaling found on an adaptation set. The
// relay reports it and otherwise forwards encrypted bytes untouched.
type DRMInfo struct {
	Signaled bool
	System   string
}

// Track is the outcome of selection: the chosen representation together
// with the context needed to resolve and label its segments.
type Track struct {
	Period *Period
	Set    *AdaptationSet
	Rep    *Representation
	DRM    DRMInfo
}

// MediaType returns the adaptation set's content type, falling back to the
// mimeType prefix when the contentType attribute is absent.
func (as *AdaptationSet) MediaType() string {
	if as.ContentType != "" {
		return as.ContentType
	}
	if i := strings.IndexByte(as.MimeType, '/'); i > 0 {
		return as.MimeType[:i]
	}
	return ""
}

// SelectorOptions narrows the candidate representations before the
// max-bandwidth pick. All filters are optional; an empty options value
// accepts everything.
type SelectorOptions struct {
	// BitrateExprs are gval expressions over the variable "br" (bandwidth
	// in bits/sec), e.g. "<=2000000". Multiple expressions are ANDed, and
	// each may be written with or without the leading "br".
	BitrateExprs []string
	// CodecRegexs match against the representation's codecs attribute.
	CodecRegexs []string
	// LangRegexs match against the adaptation set's lang attribute.
	LangRegexs []string
}

// SelectTrack picks one representation of the requested media type:
// the maximum declared bandwidth across all matching adaptation sets,
// first-encountered order breaking ties. A missing bandwidth attribute
// counts as zero and so sorts last.
func SelectTrack(mpd *MPD, mediaType string, opts SelectorOptions) (*Track, error) {
	var best *Track
	for pi := range mpd.Periods {
		p := &mpd.Periods[pi]
		for si := range p.Sets {
			as := &p.Sets[si]
			if as.MediaType() != mediaType {
				continue
			}
			if !matchLang(as, opts.LangRegexs) {
				continue
			}
			for ri := range as.Representations {
				rep := &as.Representations[ri]
				if !matchBitrate(rep, opts.BitrateExprs) || !matchCodec(rep, opts.CodecRegexs) {
					continue
				}
				if best == nil || rep.Bandwidth > best.Rep.Bandwidth {
					best = &Track{Period: p, Set: as, Rep: rep, DRM: DetectProtection(as)}
				}
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: media type %q", ErrNoMatchingTrack, mediaType)
	}
	return best, nil
}

// DetectProtection scans an adaptation set's ContentProtection descriptors
// for recognized DRM signaling.
func DetectProtection(as *AdaptationSet) DRMInfo {
	for _, cp := range as.ContentProtections {
		scheme := strings.ToLower(cp.SchemeIDURI)
		switch {
		case strings.Contains(scheme, widevineSystemID):
			return DRMInfo{Signaled: true, System: "Widevine"}
		case strings.Contains(scheme, playReadySystemID):
			return DRMInfo{Signaled: true, System: "PlayReady"}
		case strings.Contains(scheme, "cenc"),
			strings.Contains(scheme, "mp4protection"),
			strings.EqualFold(cp.Value, "cenc"):
			return DRMInfo{Signaled: true, System: "CENC"}
		}
	}
	return DRMInfo{}
}

func matchBitrate(rep *Representation, exprs []string) bool {
	if len(exprs) == 0 {
		return true
	}
	env := map[string]interface{}{"br": rep.Bandwidth}
	for _, e := range exprs {
		expr := e
		if !strings.Contains(expr, "br") {
			expr = "br" + expr
		}
		value, err := gval.Evaluate(expr, env)
		if err != nil {
			return false
		}
		v := reflect.ValueOf(value)
		if v.Kind() != reflect.Bool || !v.Bool() {
			return false
		}
	}
	return true
}

func matchCodec(rep *Representation, regexs []string) bool {
	if len(regexs) == 0 {
		return true
	}
	for _, expr := range regexs {
		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		if re.FindString(rep.Codecs) != "" {
			return true
		}
	}
	return false
}

func matchLang(as *AdaptationSet, regexs []string) bool {
	if len(regexs) == 0 {
		return true
	}
	for _, expr := range regexs {
		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		if re.FindString(as.Lang) != "" {
			return true
		}
	}
	return false
}
