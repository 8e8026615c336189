// Package transcoder implements the per-job HLS packaging pipeline: lock
// acquisition, probing, hardware planning, subtitle and audio extraction,
// the single-pass encode with sequential fallback, master playlist
// assembly, validation, and publication.
package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hollowcrest/pretranscode/internal/domain"
	"github.com/hollowcrest/pretranscode/internal/ffmpeg"
	"github.com/hollowcrest/pretranscode/internal/inspector"
)

const segmentDurationSeconds = 2

// hevcDecodeFailureMarkers are ffmpeg stderr substrings observed when a
// VAAPI decode of an HEVC source fails, triggering the software-decode
// retry (spec.md §4.6 step 4/9).
var hevcDecodeFailureMarkers = []string{
	"hevc_vaapi", "vaapi", "Failed to initialise VAAPI", "Device creation failed",
}

// Transcoder runs the full per-job pipeline described in spec.md §4.6. It
// has no knowledge of the queue or worker pool; the supervisor invokes Run
// once per dequeued job and classifies the returned error itself.
type Transcoder struct {
	inspector *inspector.Inspector
	hardware  domain.HardwareProvider
	builder   *ffmpeg.CommandBuilder

	activeMu sync.Mutex
	active   map[string]*Child // outputDir -> the child currently encoding it

	// OnProgress is called with the job's overall progress as a percentage
	// in [0,100] as the job advances.
	// May be nil.
	OnProgress func(fraction, currentTimeSeconds, speed float64, pid int)
}

// New returns a Transcoder using hw for hardware-acceleration decisions.
func New(hw domain.HardwareProvider) *Transcoder {
	return &Transcoder{
		inspector: inspector.New(),
		hardware:  hw,
		builder:   ffmpeg.NewCommandBuilder(),
		active:    make(map[string]*Child),
	}
}

// Terminate sends a graceful termination signal to the ffmpeg process
// currently encoding into outputDir, if any. It satisfies
// supervisor.Terminator so Pause can reach an in-flight job.
func (t *Transcoder) Terminate(outputDir string) {
	if c := t.currentChild(outputDir); c != nil {
		c.Terminate()
	}
}

// Kill forces immediate termination of the ffmpeg process currently
// encoding into outputDir, if any. It satisfies supervisor.Terminator so
// Stop can reach an in-flight job.
func (t *Transcoder) Kill(outputDir string) {
	if c := t.currentChild(outputDir); c != nil {
		c.Kill()
	}
}

func (t *Transcoder) currentChild(outputDir string) *Child {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()
	return t.active[outputDir]
}

func (t *Transcoder) trackChild(outputDir string, c *Child) {
	t.activeMu.Lock()
	t.active[outputDir] = c
	t.activeMu.Unlock()
}

func (t *Transcoder) untrackChild(outputDir string) {
	t.activeMu.Lock()
	delete(t.active, outputDir)
	t.activeMu.Unlock()
}

// Run executes the full pipeline for one job's source file into outputDir.
// The returned error is always one of the domain sentinel errors (wrapped),
// so the caller's retry policy can classify it with errors.Is.
func (t *Transcoder) Run(ctx context.Context, sourcePath, outputDir string) error {
	if err := t.acquireLock(outputDir); err != nil {
		return fmt.Errorf("acquire lock: %w", domain.ErrPersistenceFailure)
	}

	result, err := t.inspector.Probe(ctx, sourcePath)
	if err != nil {
		t.releaseLock(outputDir)
		return err
	}
	stream := result.Stream

	plan, err := t.hardware.Plan(ctx, &stream)
	if err != nil {
		plan = domain.Software()
	}

	fps := t.inspector.FrameRate(ctx, sourcePath)
	gopSize := int(math.Round(fps * segmentDurationSeconds))
	keyintMin := int(math.Round(fps))
	if gopSize <= 0 {
		gopSize = 48
	}
	if keyintMin <= 0 {
		keyintMin = 24
	}

	subtitles := t.extractSubtitles(ctx, sourcePath, stream.Subtitles, outputDir)
	if err := writeJSON(filepath.Join(outputDir, "subtitles.json"), subtitles); err != nil {
		t.releaseLock(outputDir)
		return fmt.Errorf("write subtitles.json: %w", domain.ErrPersistenceFailure)
	}

	audios := buildAudioDescriptors(stream.Audios)

	base := ffmpeg.EncodePlan{
		InputPath:  sourcePath,
		OutputDir:  outputDir,
		Hardware:   plan,
		VideoIndex: 0,
		Audios:     stream.Audios,
		GOPSize:    gopSize,
		KeyintMin:  keyintMin,
	}

	remainingAudios, encErr := t.encode(ctx, base, stream, outputDir)
	if encErr != nil {
		t.releaseLock(outputDir)
		return encErr
	}

	if len(remainingAudios) != len(stream.Audios) {
		audios = buildAudioDescriptors(remainingAudios)
	}
	if err := writeJSON(filepath.Join(outputDir, "audio_info.json"), audios); err != nil {
		t.releaseLock(outputDir)
		return fmt.Errorf("write audio_info.json: %w", domain.ErrPersistenceFailure)
	}

	bandwidth := estimateBandwidth(plan, len(audios) > 0)
	playlist := buildMasterPlaylist(audios, bandwidth)
	if err := os.WriteFile(filepath.Join(outputDir, "playlist.m3u8"), []byte(playlist), 0o644); err != nil {
		t.releaseLock(outputDir)
		return fmt.Errorf("write playlist.m3u8: %w", domain.ErrPersistenceFailure)
	}

	if err := validateOutput(outputDir, audios); err != nil {
		t.releaseLock(outputDir)
		return fmt.Errorf("%w: %v", domain.ErrValidationFailure, err)
	}

	t.releaseLock(outputDir)
	if err := inspector.WriteDoneMarker(outputDir); err != nil {
		return fmt.Errorf("publish: %w", domain.ErrPersistenceFailure)
	}
	return nil
}

func (t *Transcoder) acquireLock(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, ".transcoding"), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

func (t *Transcoder) releaseLock(outputDir string) {
	_ = os.Remove(filepath.Join(outputDir, ".transcoding"))
}

// extractSubtitles implements spec.md §4.6 step 6: batch first, per-track
// fallback if the batch invocation fails.
func (t *Transcoder) extractSubtitles(ctx context.Context, sourcePath string, tracks []domain.SubtitleTrack, outputDir string) []domain.ExtractedSubtitle {
	if len(tracks) == 0 {
		return nil
	}

	args := t.builder.SubtitleBatch(sourcePath, tracks, outputDir)
	child := t.newChild(args)
	t.trackChild(outputDir, child)
	err := child.Run(ctx)
	t.untrackChild(outputDir)
	if err == nil {
		return extractedFrom(tracks, outputDir)
	}

	var extracted []domain.ExtractedSubtitle
	for _, track := range tracks {
		args := t.builder.SubtitleSingle(sourcePath, track, outputDir)
		single := t.newChild(args)
		t.trackChild(outputDir, single)
		err := single.Run(ctx)
		t.untrackChild(outputDir)
		if err != nil {
			continue
		}
		extracted = append(extracted, domain.ExtractedSubtitle{
			Language: fallbackLang(track.Language),
			Title:    track.Title,
			File:     subtitleFileName(track),
		})
	}
	return extracted
}

func extractedFrom(tracks []domain.SubtitleTrack, outputDir string) []domain.ExtractedSubtitle {
	var out []domain.ExtractedSubtitle
	for _, track := range tracks {
		path := filepath.Join(outputDir, subtitleFileName(track))
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			continue
		}
		out = append(out, domain.ExtractedSubtitle{
			Language: fallbackLang(track.Language),
			Title:    track.Title,
			File:     subtitleFileName(track),
		})
	}
	return out
}

func subtitleFileName(t domain.SubtitleTrack) string {
	return fmt.Sprintf("sub_%s_%d.vtt", fallbackLang(t.Language), t.SourceIndex)
}

func fallbackLang(lang string) string {
	if lang == "" {
		return "und"
	}
	return lang
}

// buildAudioDescriptors implements spec.md §4.6 step 7: the first surviving
// track is marked default.
func buildAudioDescriptors(audios []domain.AudioTrack) []domain.AudioTrackDescriptor {
	out := make([]domain.AudioTrackDescriptor, 0, len(audios))
	for i, a := range audios {
		title := a.Title
		if title == "" {
			title = fmt.Sprintf("Audio %d", i+1)
		}
		out = append(out, domain.AudioTrackDescriptor{
			Index:        i,
			Language:     fallbackLang(a.Language),
			Title:        title,
			PlaylistName: fmt.Sprintf("audio_%d.m3u8", i),
			IsDefault:    i == 0,
		})
	}
	return out
}

// encode implements spec.md §4.6 steps 8-9: single-pass first, sequential
// fallback with HEVC software-decode retry and non-fatal secondary-audio
// drop. It returns the set of audio tracks that ultimately succeeded.
func (t *Transcoder) encode(ctx context.Context, base ffmpeg.EncodePlan, stream domain.StreamInfo, outputDir string) ([]domain.AudioTrack, error) {
	args := t.builder.SinglePass(base)
	child := t.newChild(args)
	t.wireProgress(child, stream.Duration, combinedPass())
	t.trackChild(outputDir, child)
	err := child.Run(ctx)
	t.untrackChild(outputDir)
	if err == nil {
		return base.Audios, nil
	}

	cleanupPartialOutputs(outputDir)

	videoPlan := base
	if stream.IsHEVC() && base.Hardware.Acceleration == string(domain.AccelVAAPI) {
		videoArgs := t.builder.VideoOnly(videoPlan)
		videoChild := t.newChild(videoArgs)
		t.trackChild(outputDir, videoChild)
		verr := videoChild.Run(ctx)
		t.untrackChild(outputDir)
		if verr != nil && looksLikeHardwareDecodeFailure(videoChild.Err()) {
			cleanupPartialOutputs(outputDir)
			t.hardware.Disable()
			videoPlan.Hardware = t.swapToSoftwareDecode(videoPlan.Hardware)
		}
	}

	videoArgs := t.builder.VideoOnly(videoPlan)
	videoChild := t.newChild(videoArgs)
	t.wireProgress(videoChild, stream.Duration, videoPass(len(base.Audios)))
	t.trackChild(outputDir, videoChild)
	verr := videoChild.Run(ctx)
	t.untrackChild(outputDir)
	if verr != nil {
		cleanupPartialOutputs(outputDir)
		return nil, fmt.Errorf("%w: video pass: %v", domain.ErrTranscoderCrash, verr)
	}

	var surviving []domain.AudioTrack
	for i, track := range base.Audios {
		audioArgs := t.builder.AudioOnly(base, i)
		audioChild := t.newChild(audioArgs)
		t.wireProgress(audioChild, stream.Duration, audioPass(i, len(base.Audios)))
		t.trackChild(outputDir, audioChild)
		aerr := audioChild.Run(ctx)
		t.untrackChild(outputDir)
		if aerr != nil {
			if i == 0 {
				return nil, fmt.Errorf("%w: primary audio pass: %v", domain.ErrTranscoderCrash, aerr)
			}
			cleanupAudioPartial(outputDir, i)
			continue
		}
		surviving = append(surviving, track)
	}
	return surviving, nil
}

func (t *Transcoder) swapToSoftwareDecode(current domain.HardwarePlan) domain.HardwarePlan {
	type softwareDecoder interface {
		SoftwareDecodePlan() domain.HardwarePlan
	}
	if sd, ok := t.hardware.(softwareDecoder); ok {
		return sd.SoftwareDecodePlan()
	}
	current.DecoderArgs = nil
	return current
}

// encodePass identifies which slice of the job's overall progress one
// ffmpeg invocation is responsible for, per spec.md §4.6's weighting rule:
// a single combined pass spans the full range; a sequential video-only
// pass spans 0-70% when any audio track will follow it (0-100% otherwise);
// each sequential audio pass gets an equal share of the remaining 30%.
type encodePass struct {
	base, weight float64
}

func combinedPass() encodePass { return encodePass{base: 0, weight: 100} }

func videoPass(audioTracks int) encodePass {
	if audioTracks == 0 {
		return encodePass{base: 0, weight: 100}
	}
	return encodePass{base: 0, weight: 70}
}

func audioPass(index, totalAudioTracks int) encodePass {
	share := 30.0 / float64(totalAudioTracks)
	return encodePass{base: 70 + share*float64(index), weight: share}
}

func (t *Transcoder) wireProgress(c *Child, durationSeconds float64, pass encodePass) {
	if t.OnProgress == nil {
		return
	}
	c.onProgress = func(p ffmpeg.Progress) {
		fraction := weightedProgress(p.CurrentTimeSeconds, durationSeconds, pass)
		t.OnProgress(fraction, p.CurrentTimeSeconds, p.SpeedMultiplier, c.PID())
	}
}

// weightedProgress maps one pass's elapsed container time into its share of
// the job's overall 0-100 progress.
func weightedProgress(currentTimeSeconds, durationSeconds float64, pass encodePass) float64 {
	if durationSeconds <= 0 {
		durationSeconds = 7200
	}
	passFraction := currentTimeSeconds / durationSeconds
	if passFraction > 1 {
		passFraction = 1
	}
	if passFraction < 0 {
		passFraction = 0
	}
	return pass.base + passFraction*pass.weight
}

// looksLikeHardwareDecodeFailure is consulted only for the video-only pass
// of a VAAPI+HEVC attempt. Any non-nil error there is attributed to the
// accelerator: hevcDecodeFailureMarkers documents the symptoms actually
// observed on that path, but the fallback software-decode retry is cheap
// enough that an unrecognized message still takes the safe path.
func looksLikeHardwareDecodeFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range hevcDecodeFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return true
}

func cleanupPartialOutputs(outputDir string) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".m3u8") {
			_ = os.Remove(filepath.Join(outputDir, name))
		}
	}
}

func cleanupAudioPartial(outputDir string, audioIndex int) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return
	}
	prefix := fmt.Sprintf("audio_%d", audioIndex)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			_ = os.Remove(filepath.Join(outputDir, e.Name()))
		}
	}
}

// validateOutput implements the publication gate of spec.md §4.6 step 11.
func validateOutput(outputDir string, audios []domain.AudioTrackDescriptor) error {
	segments, err := validatePlaylist(outputDir, "video.m3u8")
	if err != nil {
		return fmt.Errorf("video playlist: %w", err)
	}
	sample := segments[inspector.RandomSegmentSample(len(segments))]
	info, err := os.Stat(sample)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("video segment %s is missing or empty", sample)
	}

	for _, a := range audios {
		if _, err := validatePlaylist(outputDir, a.PlaylistName); err != nil {
			return fmt.Errorf("audio playlist %s: %w", a.PlaylistName, err)
		}
	}
	return nil
}

// validatePlaylist checks one HLS VOD playlist ends with #EXT-X-ENDLIST and
// that every segment it references exists on disk, returning their
// absolute paths.
func validatePlaylist(outputDir, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, name))
	if err != nil {
		return nil, fmt.Errorf("missing %s", name)
	}
	contents := string(data)
	if !strings.Contains(contents, "#EXT-X-ENDLIST") {
		return nil, fmt.Errorf("%s missing #EXT-X-ENDLIST", name)
	}

	var segments []string
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path := filepath.Join(outputDir, line)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("referenced segment %s does not exist", line)
		}
		segments = append(segments, path)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%s references no segments", name)
	}
	return segments, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// newChild is the single construction point for every ffmpeg invocation
// this package issues, kept as a thin wrapper so tests can substitute
// commandFactory once for the whole pipeline.
func (t *Transcoder) newChild(args []string) *Child {
	return NewChild(args, nil)
}
