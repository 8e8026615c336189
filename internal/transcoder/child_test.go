package transcoder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollowcrest/pretranscode/internal/ffmpeg"
)

func withFakeCommand(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake command: %v", err)
	}

	orig := commandFactory
	commandFactory = func(args []string) *exec.Cmd {
		return exec.Command(path)
	}
	t.Cleanup(func() { commandFactory = orig })
}

func TestChildRunParsesProgressAndCompletes(t *testing.T) {
	withFakeCommand(t, fakeSuccessScript)

	var progresses []ffmpeg.Progress
	c := NewChild(nil, func(p ffmpeg.Progress) { progresses = append(progresses, p) })

	err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.State() != ChildDone {
		t.Fatalf("expected ChildDone, got %v", c.State())
	}
	if len(progresses) == 0 {
		t.Fatal("expected at least one progress callback")
	}
}

func TestChildRunReportsNonZeroExit(t *testing.T) {
	withFakeCommand(t, fakeFailureScript)

	c := NewChild(nil, nil)
	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected error from non-zero exit")
	}
	if c.State() != ChildError {
		t.Fatalf("expected ChildError, got %v", c.State())
	}
}

func TestChildKillStopsLongRunningProcess(t *testing.T) {
	withFakeCommand(t, fakeSleepScript)

	c := NewChild(nil, nil)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	c.Kill()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Kill to terminate the process promptly")
	}
}

func TestChildTerminateStopsLongRunningProcessGracefully(t *testing.T) {
	withFakeCommand(t, fakeSleepScript)

	c := NewChild(nil, nil)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	c.Terminate()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Terminate to stop the process promptly")
	}
}

func TestChildContextCancellationForceKillsAfterGracePeriod(t *testing.T) {
	withFakeCommand(t, fakeSleepScript)

	orig := terminateGracePeriod
	terminateGracePeriod = 50 * time.Millisecond
	t.Cleanup(func() { terminateGracePeriod = orig })

	ctx, cancel := context.WithCancel(context.Background())
	c := NewChild(nil, nil)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected grace-period backstop to kill the process")
	}
}

const fakeSuccessScript = `#!/bin/sh
echo "frame=1 time=00:00:02.00 speed=1.0x" 1>&2
echo "frame=2 time=00:00:04.00 speed=1.0x" 1>&2
exit 0
`

const fakeFailureScript = `#!/bin/sh
echo "fatal error" 1>&2
exit 1
`

const fakeSleepScript = `#!/bin/sh
sleep 30
`
