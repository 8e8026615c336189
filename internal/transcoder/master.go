package transcoder

import (
	"fmt"
	"strings"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

// defaultBandwidth is used when the encoder's actual output bitrate cannot
// be determined from the chosen hardware plan (spec.md §9 open question:
// the source always advertises this value regardless of encoder settings).
// We compute a plan-derived estimate instead and fall back to this only
// when that estimate is unavailable.
const defaultBandwidth = 5_000_000

// videoCodecHint is the AVC profile/level tag advertised for every encode;
// both the software x264 and VAAPI paths target High Profile / Level 4.0.
const videoCodecHint = "avc1.640028"

// audioCodecHint is the AAC-LC codec tag for every audio rendition.
const audioCodecHint = "mp4a.40.2"

// buildMasterPlaylist assembles playlist.m3u8 per spec.md §4.6 step 10.
func buildMasterPlaylist(audios []domain.AudioTrackDescriptor, bandwidth int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")

	for _, a := range audios {
		def := "NO"
		if a.IsDefault {
			def = "YES"
		}
		fmt.Fprintf(&b, "#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"audio\",NAME=%q,LANGUAGE=%q,DEFAULT=%s,AUTOSELECT=YES,URI=%q\n",
			a.Title, a.Language, def, a.PlaylistName)
	}

	codecs := videoCodecHint
	if len(audios) > 0 {
		codecs = videoCodecHint + "," + audioCodecHint
	}

	fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=%q", bandwidth, codecs)
	if len(audios) > 0 {
		fmt.Fprintf(&b, ",AUDIO=\"audio\"")
	}
	b.WriteString("\n")
	b.WriteString("video.m3u8\n")

	return b.String()
}

// estimateBandwidth derives a rough BANDWIDTH value from the chosen
// encoder's target quality so the advertised figure is not a constant
// fiction; VAAPI's fixed-quality encode and libx264's CRF preset each get a
// representative constant since neither exposes a literal bitrate target.
func estimateBandwidth(plan domain.HardwarePlan, hasAudio bool) int {
	var video int
	switch plan.Acceleration {
	case string(domain.AccelVAAPI):
		video = 6_000_000
	case string(domain.AccelNone):
		video = 4_000_000
	default:
		video = defaultBandwidth
	}
	if hasAudio {
		return video + 192_000
	}
	return video
}
