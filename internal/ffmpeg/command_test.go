package ffmpeg

import (
	"strings"
	"testing"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

func examplePlan() EncodePlan {
	return EncodePlan{
		InputPath: "/films/Example.mkv",
		OutputDir: "/transcoded/Example",
		Hardware:  domain.Software(),
		Audios: []domain.AudioTrack{
			{SourceIndex: 2, Language: "fre"},
			{SourceIndex: 5, Language: "eng"},
		},
		GOPSize:   48,
		KeyintMin: 24,
	}
}

func TestSinglePassMapsVideoAndAllAudios(t *testing.T) {
	b := NewCommandBuilder()
	args := strings.Join(b.SinglePass(examplePlan()), " ")

	if !strings.Contains(args, "-map 0:v:0") {
		t.Errorf("expected video map, got: %s", args)
	}
	if !strings.Contains(args, "-map 0:a:0") || !strings.Contains(args, "-map 0:a:1") {
		t.Errorf("expected both audio maps, got: %s", args)
	}
	if !strings.Contains(args, "video.m3u8") {
		t.Errorf("expected video playlist output, got: %s", args)
	}
	if !strings.Contains(args, "audio_0.m3u8") || !strings.Contains(args, "audio_1.m3u8") {
		t.Errorf("expected both audio playlists, got: %s", args)
	}
}

func TestVideoOutputUsesVAAPIUploadFilter(t *testing.T) {
	b := NewCommandBuilder()
	plan := examplePlan()
	plan.Hardware = domain.HardwarePlan{
		Acceleration: string(domain.AccelVAAPI),
		EncoderArgs:  []string{"-c:v", "h264_vaapi"},
	}
	args := strings.Join(b.VideoOnly(plan), " ")
	if !strings.Contains(args, "hwupload") {
		t.Errorf("expected hwupload filter for vaapi plan, got: %s", args)
	}
}

func TestAudioOnlyUsesAACStereo48k(t *testing.T) {
	b := NewCommandBuilder()
	args := strings.Join(b.AudioOnly(examplePlan(), 1), " ")
	if !strings.Contains(args, "-map 0:a:1") {
		t.Errorf("expected map of requested audio index, got: %s", args)
	}
	if !strings.Contains(args, "-c:a aac") || !strings.Contains(args, "-ac 2") || !strings.Contains(args, "192k") {
		t.Errorf("expected aac stereo 192k, got: %s", args)
	}
	if !strings.Contains(args, "audio_1.m3u8") {
		t.Errorf("expected playlist named by kept-track ordinal, not source stream index, got: %s", args)
	}
}

func TestSubtitleBatchMapsEveryTrack(t *testing.T) {
	b := NewCommandBuilder()
	tracks := []domain.SubtitleTrack{
		{SourceIndex: 0, Language: "eng"},
		{SourceIndex: 1, Language: "fre"},
	}
	args := strings.Join(b.SubtitleBatch("/films/Example.mkv", tracks, "/out"), " ")
	if !strings.Contains(args, "sub_eng_0.vtt") || !strings.Contains(args, "sub_fre_1.vtt") {
		t.Errorf("expected both vtt outputs, got: %s", args)
	}
}

func TestParseProgressLineExtractsTimeAndSpeed(t *testing.T) {
	line := "frame=  120 fps= 30 q=28.0 size=    512kB time=00:01:05.40 bitrate= 640.0kbits/s speed=1.02x"
	p, ok := ParseProgressLine(line)
	if !ok {
		t.Fatal("expected progress line to be parsed")
	}
	if p.CurrentTimeSeconds != 65.4 {
		t.Errorf("expected 65.4s, got %v", p.CurrentTimeSeconds)
	}
	if p.SpeedMultiplier != 1.02 {
		t.Errorf("expected speed 1.02, got %v", p.SpeedMultiplier)
	}
}

func TestParseProgressLineIgnoresUnrelatedLines(t *testing.T) {
	_, ok := ParseProgressLine("Stream #0:0: Video: h264")
	if ok {
		t.Error("expected no match on a stream-description line")
	}
}
