package transcoder

import (
	"strings"
	"testing"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

func TestBuildMasterPlaylistIncludesMediaLinesAndStreamInf(t *testing.T) {
	audios := []domain.AudioTrackDescriptor{
		{Index: 0, Language: "eng", Title: "Audio 1", PlaylistName: "audio_0.m3u8", IsDefault: true},
		{Index: 1, Language: "fre", Title: "Audio 2", PlaylistName: "audio_1.m3u8", IsDefault: false},
	}
	playlist := buildMasterPlaylist(audios, 5_000_000)

	if !strings.HasPrefix(playlist, "#EXTM3U\n#EXT-X-VERSION:6\n") {
		t.Fatalf("unexpected header: %q", playlist)
	}
	if strings.Count(playlist, "#EXT-X-MEDIA:TYPE=AUDIO") != 2 {
		t.Fatalf("expected two EXT-X-MEDIA lines, got: %q", playlist)
	}
	if !strings.Contains(playlist, `DEFAULT=YES`) || !strings.Contains(playlist, `DEFAULT=NO`) {
		t.Fatalf("expected both DEFAULT=YES and DEFAULT=NO: %q", playlist)
	}
	if !strings.Contains(playlist, "AUDIO=\"audio\"") {
		t.Fatalf("expected AUDIO group reference: %q", playlist)
	}
	if !strings.Contains(playlist, "mp4a.40.2") {
		t.Fatalf("expected audio codec hint when audio present: %q", playlist)
	}
	if !strings.HasSuffix(playlist, "video.m3u8\n") {
		t.Fatalf("expected playlist to end with video.m3u8: %q", playlist)
	}
}

func TestBuildMasterPlaylistOmitsAudioGroupWhenNoAudio(t *testing.T) {
	playlist := buildMasterPlaylist(nil, 4_000_000)

	if strings.Contains(playlist, "AUDIO=\"audio\"") {
		t.Fatalf("did not expect AUDIO group reference: %q", playlist)
	}
	if strings.Contains(playlist, "mp4a.40.2") {
		t.Fatalf("did not expect audio codec hint: %q", playlist)
	}
}

func TestEstimateBandwidthVariesByAcceleration(t *testing.T) {
	software := estimateBandwidth(domain.Software(), false)
	vaapi := estimateBandwidth(domain.HardwarePlan{Acceleration: string(domain.AccelVAAPI)}, false)

	if vaapi <= software {
		t.Fatalf("expected VAAPI estimate %d to exceed software estimate %d", vaapi, software)
	}
	if estimateBandwidth(domain.Software(), true) <= software {
		t.Fatal("expected audio to add to the estimate")
	}
}
