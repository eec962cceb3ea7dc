package dash_test

import (
	"testing"
	"time"

	"dashrelay/internal/dash"
	"dashrelay/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestURL = "http://cdn.example/content/stream.mpd"

func newResolver(t *testing.T, mpd *dash.MPD, mediaType string, now func() time.Time) *dash.Resolver {
	t.Helper()
	track, err := dash.SelectTrack(mpd, mediaType, dash.SelectorOptions{})
	require.NoError(t, err)
	res, err := dash.NewResolver(logger.Nop(), mpd, track, manifestURL, now)
	require.NoError(t, err)
	return res
}

func mediaTimes(batch dash.Batch) []uint64 {
	var times []uint64
	for _, seg := range batch.Segments {
		if seg.Kind == dash.KindMedia {
			times = append(times, seg.Time)
		}
	}
	return times
}

func urls(batch dash.Batch) []string {
	var out []string
	for _, seg := range batch.Segments {
		out = append(out, seg.URL)
	}
	return out
}

func TestResolveTimelineRepeatExpansion(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Time$.m4s">
        <SegmentTimeline><S t="0" d="4" r="2"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v500000" bandwidth="500000"/>
      <Representation id="v2000000" bandwidth="2000000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	mpd := mustParse(t, raw)
	res := newResolver(t, mpd, "video", nil)

	batch, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)

	// Selection picked the 2Mbps variant; r=2 expands to three segments.
	require.Len(t, batch.Segments, 4)
	assert.Equal(t, dash.KindInit, batch.Segments[0].Kind)
	assert.Equal(t, "http://cdn.example/content/v2000000/init.mp4", batch.Segments[0].URL)
	assert.Equal(t, []uint64{0, 4, 8}, mediaTimes(batch))
	assert.Equal(t, "http://cdn.example/content/v2000000/seg-8.m4s", batch.Segments[3].URL)
	assert.True(t, batch.Exhausted)
}

func TestResolveReplayIdempotence(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" initialization="init.mp4" media="seg-$Time$.m4s">
        <SegmentTimeline><S t="0" d="2" r="1"/><S d="3"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	res := newResolver(t, mustParse(t, raw), "video", nil)

	first, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	require.True(t, first.Exhausted)
	require.NotEmpty(t, first.Segments)

	again, err := res.Resolve(first.Cursor)
	require.NoError(t, err)
	assert.Empty(t, again.Segments, "exhausted cursor must yield nothing new")
	assert.True(t, again.Exhausted)

	replay, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	assert.Equal(t, urls(first), urls(replay), "cursor reset must reproduce the identical sequence")
}

func TestResolveTimelineUnboundedRepeat(t *testing.T) {
	anchor := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic"
     availabilityStartTime="2025-07-01T12:00:00Z" minimumUpdatePeriod="PT4S">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" initialization="init.mp4" media="seg-$Time$.m4s">
        <SegmentTimeline><S t="0" d="4" r="-1"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	mpd := mustParse(t, raw)

	now := anchor.Add(8 * time.Second)
	res := newResolver(t, mpd, "video", func() time.Time { return now })

	first, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 4}, mediaTimes(first), "only segments fully behind the live edge")
	assert.False(t, first.Exhausted)

	// Wall time advances by one segment duration: exactly one new segment,
	// no duplicate of what was already emitted.
	now = now.Add(4 * time.Second)
	second, err := res.Resolve(first.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []uint64{8}, mediaTimes(second))
	assert.False(t, second.Exhausted)

	// No further wall-time progress: an empty batch is normal, not an error.
	third, err := res.Resolve(second.Cursor)
	require.NoError(t, err)
	assert.Empty(t, third.Segments)
	assert.False(t, third.Exhausted)
}

func TestResolveTimelineGapIsDiscontinuity(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" media="seg-$Time$.m4s">
        <SegmentTimeline><S t="0" d="4"/><S t="10" d="5"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	res := newResolver(t, mustParse(t, raw), "video", nil)

	batch, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 10}, mediaTimes(batch), "no synthetic segment inside the gap")
}

func TestResolveNumberedStatic(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" mediaPresentationDuration="PT10S">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1000" duration="4000" startNumber="1"
          initialization="$RepresentationID$-init.mp4" media="$RepresentationID$-$Number%05d$.m4s"/>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	res := newResolver(t, mustParse(t, raw), "video", nil)

	batch, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	require.Len(t, batch.Segments, 4, "init plus ceil(10s / 4s) media segments")
	assert.True(t, batch.Exhausted)
	assert.Equal(t, "http://cdn.example/content/v1-init.mp4", batch.Segments[0].URL)
	assert.Equal(t, "http://cdn.example/content/v1-00001.m4s", batch.Segments[1].URL)
	assert.Equal(t, "http://cdn.example/content/v1-00003.m4s", batch.Segments[3].URL)
}

func TestResolveNumberedLiveEdge(t *testing.T) {
	anchor := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic"
     availabilityStartTime="2025-07-01T00:00:00Z">
  <Period>
    <AdaptationSet contentType="audio">
      <SegmentTemplate timescale="1" duration="4" startNumber="1" media="seg-$Number$.m4s"/>
      <Representation id="a1" bandwidth="64000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	mpd := mustParse(t, raw)

	now := anchor.Add(9 * time.Second)
	res := newResolver(t, mpd, "audio", func() time.Time { return now })

	first, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	require.Len(t, first.Segments, 2, "only two whole segments have elapsed")
	assert.Equal(t, uint64(1), first.Segments[0].Number)
	assert.Equal(t, uint64(2), first.Segments[1].Number)
	assert.False(t, first.Exhausted)

	now = now.Add(4 * time.Second)
	second, err := res.Resolve(first.Cursor)
	require.NoError(t, err)
	require.Len(t, second.Segments, 1)
	assert.Equal(t, uint64(3), second.Segments[0].Number)
}

func TestResolveExplicitList(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period>
    <AdaptationSet contentType="video">
      <Representation id="v1" bandwidth="1000">
        <SegmentList>
          <Initialization sourceURL="init.mp4"/>
          <SegmentURL media="chunk-1.m4s"/>
          <SegmentURL media="chunk-2.m4s"/>
        </SegmentList>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`
	res := newResolver(t, mustParse(t, raw), "video", nil)

	batch, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	assert.True(t, batch.Exhausted)
	assert.Equal(t, []string{
		"http://cdn.example/content/init.mp4",
		"http://cdn.example/content/chunk-1.m4s",
		"http://cdn.example/content/chunk-2.m4s",
	}, urls(batch))

	again, err := res.Resolve(batch.Cursor)
	require.NoError(t, err)
	assert.Empty(t, again.Segments)
	assert.True(t, again.Exhausted)
}

func TestResolveInitNotRepeatedWithCarriedCursor(t *testing.T) {
	anchor := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic"
     availabilityStartTime="2025-07-01T12:00:00Z">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" initialization="init.mp4" media="seg-$Time$.m4s">
        <SegmentTimeline><S t="0" d="4" r="-1"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	mpd := mustParse(t, raw)
	now := anchor.Add(4 * time.Second)
	res := newResolver(t, mpd, "video", func() time.Time { return now })

	first, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	require.NotEmpty(t, first.Segments)
	assert.Equal(t, dash.KindInit, first.Segments[0].Kind)

	now = now.Add(4 * time.Second)
	second, err := res.Resolve(first.Cursor)
	require.NoError(t, err)
	for _, seg := range second.Segments {
		assert.Equal(t, dash.KindMedia, seg.Kind, "init segment must not repeat on refresh")
	}
}

func TestResolveBaseURLChain(t *testing.T) {
	raw := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <BaseURL>http://edge.example/root/</BaseURL>
  <Period>
    <BaseURL>3/</BaseURL>
    <AdaptationSet contentType="video">
      <SegmentTemplate timescale="1" media="seg-$Time$-$Bandwidth$.m4s">
        <SegmentTimeline><S t="0" d="4"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	res := newResolver(t, mustParse(t, raw), "video", nil)

	batch, err := res.Resolve(dash.Cursor{})
	require.NoError(t, err)
	require.Len(t, batch.Segments, 1)
	assert.Equal(t, "http://edge.example/root/3/seg-0-1000.m4s", batch.Segments[0].URL)
}
