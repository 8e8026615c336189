// Package ffmpeg builds argument slices for the external ffmpeg/ffprobe
// toolchain and parses its running progress output. Nothing here spawns a
// process; internal/transcoder owns process lifecycle.
package ffmpeg

import (
	"fmt"
	"path/filepath"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

const (
	segmentDurationSeconds = 2
	audioBitrate           = "192k"
	audioSampleRate        = "48000"
)

// EncodePlan carries everything CommandBuilder needs to build one ffmpeg
// invocation for a job: the chosen hardware plan, the streams to encode,
// and the GOP parameters derived from the probed frame rate.
type EncodePlan struct {
	InputPath   string
	OutputDir   string
	Hardware    domain.HardwarePlan
	VideoIndex  int
	Audios      []domain.AudioTrack
	GOPSize     int
	KeyintMin   int
}

// CommandBuilder builds ffmpeg argument slices for one job's encode plan.
type CommandBuilder struct{}

// NewCommandBuilder returns a CommandBuilder.
func NewCommandBuilder() *CommandBuilder { return &CommandBuilder{} }

// SinglePass builds the single invocation that produces the video output
// and every audio output from one read of the source (spec.md §4.6 step 8).
func (b *CommandBuilder) SinglePass(p EncodePlan) []string {
	args := []string{"-y", "-nostats", "-hide_banner", "-loglevel", "warning"}
	args = append(args, p.Hardware.DecoderArgs...)
	args = append(args, "-i", p.InputPath)

	args = append(args, b.videoOutputArgs(p)...)
	for i := range p.Audios {
		args = append(args, b.audioOutputArgs(p, i)...)
	}
	return args
}

// VideoOnly builds the video-only invocation used by the sequential
// fallback (spec.md §4.6 step 9).
func (b *CommandBuilder) VideoOnly(p EncodePlan) []string {
	args := []string{"-y", "-nostats", "-hide_banner", "-loglevel", "warning"}
	args = append(args, p.Hardware.DecoderArgs...)
	args = append(args, "-i", p.InputPath)
	args = append(args, b.videoOutputArgs(p)...)
	return args
}

// AudioOnly builds the invocation for a single audio track, used by the
// sequential fallback.
func (b *CommandBuilder) AudioOnly(p EncodePlan, audioIndex int) []string {
	args := []string{"-y", "-nostats", "-hide_banner", "-loglevel", "warning"}
	args = append(args, "-i", p.InputPath)
	args = append(args, b.audioOutputArgs(p, audioIndex)...)
	return args
}

func (b *CommandBuilder) videoOutputArgs(p EncodePlan) []string {
	keyframeExpr := fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentDurationSeconds)

	args := []string{"-map", fmt.Sprintf("0:v:%d", p.VideoIndex)}
	args = append(args, p.Hardware.EncoderArgs...)

	if p.Hardware.Acceleration == string(domain.AccelVAAPI) {
		args = append(args, "-vf", "format=nv12|vaapi,hwupload")
	}

	args = append(args,
		"-g", fmt.Sprintf("%d", p.GOPSize),
		"-keyint_min", fmt.Sprintf("%d", p.KeyintMin),
		"-force_key_frames", keyframeExpr,
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentDurationSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(p.OutputDir, "video_segment%d.ts"),
		filepath.Join(p.OutputDir, "video.m3u8"),
	)
	return args
}

func (b *CommandBuilder) audioOutputArgs(p EncodePlan, audioIndex int) []string {
	segPattern := fmt.Sprintf("audio_%d_segment%%d.ts", audioIndex)
	playlist := fmt.Sprintf("audio_%d.m3u8", audioIndex)

	return []string{
		"-map", fmt.Sprintf("0:a:%d", audioIndex),
		"-c:a", "aac",
		"-ac", "2",
		"-ar", audioSampleRate,
		"-b:a", audioBitrate,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentDurationSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(p.OutputDir, segPattern),
		filepath.Join(p.OutputDir, playlist),
	}
}

// SubtitleBatch builds the single invocation that extracts every subtitle
// track to WebVTT in one pass (spec.md §4.6 step 6).
func (b *CommandBuilder) SubtitleBatch(inputPath string, tracks []domain.SubtitleTrack, outputDir string) []string {
	args := []string{"-y", "-nostats", "-hide_banner", "-loglevel", "warning", "-i", inputPath}
	for _, t := range tracks {
		args = append(args,
			"-map", fmt.Sprintf("0:%d", t.SourceIndex),
			subtitleOutputFile(outputDir, t),
		)
	}
	return args
}

// SubtitleSingle builds the per-track fallback invocation when the batch
// extraction fails.
func (b *CommandBuilder) SubtitleSingle(inputPath string, t domain.SubtitleTrack, outputDir string) []string {
	return []string{
		"-y", "-nostats", "-hide_banner", "-loglevel", "warning",
		"-i", inputPath,
		"-map", fmt.Sprintf("0:%d", t.SourceIndex),
		subtitleOutputFile(outputDir, t),
	}
}

func subtitleOutputFile(outputDir string, t domain.SubtitleTrack) string {
	lang := t.Language
	if lang == "" {
		lang = "und"
	}
	return filepath.Join(outputDir, fmt.Sprintf("sub_%s_%d.vtt", lang, t.SourceIndex))
}
