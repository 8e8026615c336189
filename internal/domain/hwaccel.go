package domain

// Accelerator identifies a hardware video acceleration backend. VAAPI is the
// primary target (spec.md §4.3b); the others are recognized so detection
// degrades gracefully on hosts that expose them instead.
type Accelerator string

const (
	AccelNone  Accelerator = "none"
	AccelVAAPI Accelerator = "vaapi"
	AccelCUDA  Accelerator = "cuda"
	AccelQSV   Accelerator = "qsv"
)

// Software is the fallback plan used whenever no accelerator is available or
// hardware acceleration has been disabled for the process.
func Software() HardwarePlan {
	return HardwarePlan{
		Acceleration: string(AccelNone),
		DecoderArgs:  nil,
		EncoderArgs:  []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "23"},
		SupportsHEVC: false,
	}
}
