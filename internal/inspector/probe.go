// Package inspector decides whether an output directory already holds a
// valid transcoded asset, and probes source files for the stream layout the
// transcoder needs to plan an encode.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

// MinSegmentsForDone is the "at least 10 segments" threshold spec.md §4.3a
// and §4.5 both reference. Chosen empirically in the source system; kept
// as a tuning constant rather than derived (spec.md §9).
const MinSegmentsForDone = 10

// defaultDuration is used when the container duration cannot be probed.
const defaultDuration = 2 * time.Hour

// defaultFrameRate is used when the container frame rate cannot be probed.
const defaultFrameRate = 24.0

// PlaylistCandidates is the preference order for locating an existing
// asset's video playlist (spec.md §4.3a step 3).
var PlaylistCandidates = []string{"video.m3u8", "stream_0.m3u8", "playlist.m3u8"}

// bitmapSubtitleCodecs is the closed set of bitmap subtitle codecs spec.md
// §3 excludes from StreamInfo.Subtitles.
var bitmapSubtitleCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true,
	"pgssub":            true,
	"dvd_subtitle":      true,
	"vobsub":            true,
	"dvb_subtitle":      true,
	"xsub":              true,
}

// corruptionMarkers are ffprobe stderr substrings that indicate the
// container itself is broken, as opposed to a transient probe failure
// (spec.md §4.3b).
var corruptionMarkers = []string{"Invalid data", "EBML header", "parsing failed"}

// Inspector wraps ffprobe invocations and the on-disk asset decision
// procedure.
type Inspector struct {
	probeTimeout time.Duration
}

// New returns an Inspector with the spec's default 30s probe timeout.
func New() *Inspector {
	return &Inspector{probeTimeout: 30 * time.Second}
}

// IsTranscoded implements the decision procedure of spec.md §4.3a.
func (i *Inspector) IsTranscoded(outputDir string) bool {
	if _, err := os.Stat(filepath.Join(outputDir, ".transcoding")); err == nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(outputDir, ".done")); err == nil {
		return true
	}

	playlistText, ok := BestPlaylist(outputDir)
	if !ok {
		return false
	}

	if strings.Contains(playlistText, "#EXT-X-ENDLIST") && CountSegmentRefs(playlistText) >= MinSegmentsForDone {
		_ = WriteDoneMarker(outputDir)
		return true
	}
	return false
}

// BestPlaylist reads the first existing playlist in PlaylistCandidates
// order, returning its contents.
func BestPlaylist(outputDir string) (contents string, ok bool) {
	for _, name := range PlaylistCandidates {
		data, err := os.ReadFile(filepath.Join(outputDir, name))
		if err != nil {
			continue
		}
		return string(data), true
	}
	return "", false
}

// CountSegmentRefs counts lines in an HLS playlist that reference a
// segment file (i.e. non-comment, non-empty lines).
func CountSegmentRefs(playlist string) int {
	count := 0
	for _, line := range strings.Split(playlist, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		count++
	}
	return count
}

func WriteDoneMarker(outputDir string) error {
	tmp := filepath.Join(outputDir, ".done.tmp")
	final := filepath.Join(outputDir, ".done")
	if err := os.WriteFile(tmp, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// ProbeResult is the outcome of Probe: the filtered StreamInfo plus the
// container duration, probed independently because duration failures
// degrade rather than fail the whole probe.
type ProbeResult struct {
	Stream   domain.StreamInfo
	Duration float64
}

// Probe invokes ffprobe to list streams and obtain the container duration
// for sourcePath (spec.md §4.3b). Corruption-class failures return
// domain.ErrCorruptedSource; any other probe failure degrades to a
// synthetic single-audio, zero-subtitle result instead of failing the job.
func (i *Inspector) Probe(ctx context.Context, sourcePath string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, i.probeTimeout)
	defer cancel()

	raw, err := i.runFFprobe(ctx, sourcePath)
	if err != nil {
		if isCorruption(err) {
			return nil, fmt.Errorf("probe %s: %w: %v", sourcePath, domain.ErrCorruptedSource, err)
		}
		return degradedResult(), nil
	}

	stream, duration := parseProbeOutput(raw)
	return &ProbeResult{Stream: stream, Duration: duration}, nil
}

// FrameRate probes the container frame rate, falling back to 24fps.
func (i *Inspector) FrameRate(ctx context.Context, sourcePath string) float64 {
	ctx, cancel := context.WithTimeout(ctx, i.probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "csv=p=0",
		sourcePath,
	)
	out, err := cmd.Output()
	if err != nil {
		return defaultFrameRate
	}
	rate := parseFrameRate(strings.TrimSpace(string(out)))
	if rate <= 0 {
		return defaultFrameRate
	}
	return rate
}

func degradedResult() *ProbeResult {
	return &ProbeResult{
		Stream: domain.StreamInfo{
			VideoCodec: "h264",
			Audios: []domain.AudioTrack{
				{SourceIndex: 0, Language: "und", Codec: "aac", Channels: 2},
			},
		},
		Duration: defaultDuration.Seconds(),
	}
}

func isCorruption(err error) bool {
	msg := err.Error()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg += string(exitErr.Stderr)
	}
	for _, marker := range corruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (i *Inspector) runFFprobe(ctx context.Context, sourcePath string) (*ffprobeOutput, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		sourcePath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var ff ffprobeOutput
	if err := json.Unmarshal(output, &ff); err != nil {
		return nil, err
	}
	return &ff, nil
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	Index       int               `json:"index"`
	CodecName   string            `json:"codec_name"`
	CodecType   string            `json:"codec_type"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	RFrameRate  string            `json:"r_frame_rate"`
	Channels    int               `json:"channels"`
	Tags        map[string]string `json:"tags"`
	Disposition ffprobeDisp       `json:"disposition"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeDisp struct {
	Forced int `json:"forced"`
}

// invalidAudioTags marks languages/codecs that indicate an unusable or
// encrypted audio track, per spec.md §3.
var invalidAudioTags = map[string]bool{"und-encrypted": true}

func parseProbeOutput(ff *ffprobeOutput) (domain.StreamInfo, float64) {
	var info domain.StreamInfo
	videoSeen := false

	for _, s := range ff.Streams {
		switch s.CodecType {
		case "video":
			if !videoSeen {
				info.VideoIndex = s.Index
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
				info.FrameRate = parseFrameRate(s.RFrameRate)
				videoSeen = true
			}
		case "audio":
			if s.Channels <= 0 || s.CodecName == "" || invalidAudioTags[s.Tags["language"]] {
				continue
			}
			info.Audios = append(info.Audios, domain.AudioTrack{
				SourceIndex: s.Index,
				Language:    s.Tags["language"],
				Title:       s.Tags["title"],
				Codec:       s.CodecName,
				Channels:    s.Channels,
			})
		case "subtitle":
			if bitmapSubtitleCodecs[s.CodecName] {
				continue
			}
			info.Subtitles = append(info.Subtitles, domain.SubtitleTrack{
				SourceIndex: s.Index,
				Language:    s.Tags["language"],
				Title:       s.Tags["title"],
				Codec:       s.CodecName,
			})
		}
	}

	duration := defaultDuration.Seconds()
	if d, err := strconv.ParseFloat(ff.Format.Duration, 64); err == nil && d > 0 {
		duration = d
	}
	return info, duration
}

func parseFrameRate(s string) float64 {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// RandomSegmentSample picks one of n segment indices, used by the
// transcoder's validation step to spot-check a non-zero segment size
// (spec.md §4.6 step 11).
func RandomSegmentSample(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(n)
}
