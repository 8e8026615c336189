// Package hwaccel implements domain.HardwareProvider by shelling out to
// ffmpeg to discover what hardware acceleration the host actually supports.
// This is ambient/domain-stack enrichment: the core only ever depends on
// the domain.HardwareProvider interface, never on this package.
package hwaccel

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

const vaapiDevice = "/dev/dri/renderD128"

// Provider detects VAAPI availability once and serves HardwarePlans from
// the cached result. A hardware failure observed by the transcoder calls
// Disable, which sticks for the remainder of the process lifetime
// (spec.md §5: "a worker that observes repeated VAAPI failures must fall
// back to software decode on its next attempt for that job").
type Provider struct {
	device string

	once     sync.Once
	detected domain.Accelerator
	detectLA error

	disabled atomic.Bool
}

// New returns a Provider that probes the given device path for VAAPI
// support. An empty device uses the default render node.
func New(device string) *Provider {
	if device == "" {
		device = vaapiDevice
	}
	return &Provider{device: device}
}

// Plan implements domain.HardwareProvider.
func (p *Provider) Plan(ctx context.Context, stream *domain.StreamInfo) (domain.HardwarePlan, error) {
	if p.disabled.Load() {
		return domain.Software(), nil
	}

	p.once.Do(func() {
		p.detected, p.detectLA = detectVAAPI(ctx, p.device)
	})
	if p.detectLA != nil {
		return domain.Software(), nil
	}
	if p.detected != domain.AccelVAAPI {
		return domain.Software(), nil
	}

	isHEVC := stream != nil && stream.IsHEVC()
	plan := domain.HardwarePlan{
		Acceleration: string(domain.AccelVAAPI),
		SupportsHEVC: true,
		DecoderArgs: []string{
			"-hwaccel", "vaapi",
			"-hwaccel_device", p.device,
			"-hwaccel_output_format", "vaapi",
		},
		EncoderArgs: []string{"-c:v", "h264_vaapi"},
	}
	if isHEVC {
		// Caller is expected to retry with SoftwareDecodePlan() if the full
		// VAAPI pipeline fails on HEVC content (spec.md §4.6 step 4).
		plan.SupportsHEVC = true
	}
	return plan, nil
}

// SoftwareDecodePlan returns a plan that keeps VAAPI encode but forces
// software decode, the fallback path for an HEVC source whose full VAAPI
// pipeline failed.
func (p *Provider) SoftwareDecodePlan() domain.HardwarePlan {
	return domain.HardwarePlan{
		Acceleration: string(domain.AccelVAAPI),
		DecoderArgs:  nil,
		EncoderArgs:  []string{"-c:v", "h264_vaapi"},
		SupportsHEVC: true,
	}
}

// Disable marks hardware acceleration unusable for the remainder of the
// process lifetime.
func (p *Provider) Disable() { p.disabled.Store(true) }

// Disabled reports whether Disable has been called.
func (p *Provider) Disabled() bool { return p.disabled.Load() }

func detectVAAPI(ctx context.Context, device string) (domain.Accelerator, error) {
	hwaccels, err := listHWAccels(ctx)
	if err != nil {
		return domain.AccelNone, err
	}
	encoders, err := listEncoders(ctx)
	if err != nil {
		return domain.AccelNone, err
	}
	if hwaccels["vaapi"] && encoders["h264_vaapi"] {
		return domain.AccelVAAPI, nil
	}
	return domain.AccelNone, nil
}

func listHWAccels(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hwaccels")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && line != "Hardware acceleration methods:" {
			result[line] = true
		}
	}
	return result, nil
}

func listEncoders(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-encoders")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "h264_vaapi") {
			result["h264_vaapi"] = true
		}
	}
	return result, nil
}
