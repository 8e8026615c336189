package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	timeRe  = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)
	speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// Progress is one parsed snapshot of ffmpeg's stderr progress line.
type Progress struct {
	CurrentTimeSeconds float64
	SpeedMultiplier    float64
}

// ParseProgressLine is a pure function extracting time= and speed= fields
// from one line of ffmpeg's -stats-style stderr output. It returns false
// when the line carries neither field (most lines; ffmpeg prints progress
// once per second, not per log line).
func ParseProgressLine(line string) (Progress, bool) {
	var p Progress
	found := false

	if m := timeRe.FindStringSubmatch(line); m != nil {
		hours, _ := strconv.ParseFloat(m[1], 64)
		minutes, _ := strconv.ParseFloat(m[2], 64)
		seconds, _ := strconv.ParseFloat(m[3], 64)
		p.CurrentTimeSeconds = hours*3600 + minutes*60 + seconds
		found = true
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		speed, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
		if err == nil {
			p.SpeedMultiplier = speed
			found = true
		}
	}
	return p, found
}
