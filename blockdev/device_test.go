package blockdev

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeRunner scripts control-layer command responses and records every
// issued command line.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	handler func(line string) (string, error)
}

func (f *fakeRunner) run(name string, args []string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()
	if f.handler == nil {
		return nil, nil
	}
	out, err := f.handler(line)
	return []byte(out), err
}

func (f *fakeRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.run(name, args)
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.run(name, args)
}

func (f *fakeRunner) calledWith(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) countCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func happyPathHandler(reportedSize int64) func(string) (string, error) {
	return func(line string) (string, error) {
		switch {
		case strings.HasPrefix(line, "fallocate"):
			return "", nil
		case line == "losetup -f":
			return "/dev/loop7\n", nil
		case strings.HasPrefix(line, "losetup /dev/loop7"):
			return "", nil
		case strings.HasPrefix(line, "blockdev --getsize64"):
			return fmt.Sprintf("%d\n", reportedSize), nil
		case strings.HasPrefix(line, "losetup -d"):
			return "", nil
		}
		return "", fmt.Errorf("unexpected command: %s", line)
	}
}

func TestCreate_VerifiesReportedSize(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "meta.img")
	runner := &fakeRunner{handler: happyPathHandler(1048576)}

	dev, err := Create(context.Background(), runner, nil, backing, 1048576)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if dev.Path() != "/dev/loop7" {
		t.Errorf("Path() = %q, want /dev/loop7", dev.Path())
	}
	if dev.Size() != 1048576 {
		t.Errorf("Size() = %d, want 1048576", dev.Size())
	}
	if dev.BackingFile() != backing {
		t.Errorf("BackingFile() = %q, want %q", dev.BackingFile(), backing)
	}
	if runner.calledWith("losetup -d") {
		t.Error("unexpected unbind during successful construction")
	}
}

func TestCreate_SizeMismatchUnbindsBeforeReturning(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "meta.img")
	runner := &fakeRunner{handler: happyPathHandler(999999)}

	_, err := Create(context.Background(), runner, nil, backing, 1048576)
	var mismatch *SizeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Create error = %v, want *SizeMismatchError", err)
	}
	if mismatch.ReportedBytes != 999999 || mismatch.RequestedBytes != 1048576 {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if !runner.calledWith("losetup -d /dev/loop7") {
		t.Error("size mismatch must unbind the device before returning")
	}
}

func TestCreate_NoFreeSlot(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "meta.img")
	runner := &fakeRunner{handler: func(line string) (string, error) {
		if line == "losetup -f" {
			return "", errors.New("losetup: cannot find an unused loop device")
		}
		return "", nil
	}}

	_, err := Create(context.Background(), runner, nil, backing, 4096)
	if !IsNoFreeSlotError(err) {
		t.Fatalf("Create error = %v, want NoFreeSlotError", err)
	}
}

func TestCreate_BindFailure(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "meta.img")
	runner := &fakeRunner{handler: func(line string) (string, error) {
		switch {
		case line == "losetup -f":
			return "/dev/loop3\n", nil
		case strings.HasPrefix(line, "losetup /dev/loop3"):
			return "losetup: failed to set up loop device", errors.New("exit status 1")
		}
		return "", nil
	}}

	_, err := Create(context.Background(), runner, nil, backing, 4096)
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Create error = %v, want *BindError", err)
	}
	if runner.calledWith("losetup -d") {
		t.Error("nothing was bound, nothing should be unbound")
	}
}

func TestCreate_AllocationFailure(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "meta.img")
	runner := &fakeRunner{handler: func(line string) (string, error) {
		if strings.HasPrefix(line, "fallocate") {
			return "fallocate: no space left on device", errors.New("exit status 1")
		}
		return "", nil
	}}

	_, err := Create(context.Background(), runner, nil, backing, 4096)
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("Create error = %v, want *AllocationError", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "meta.img")
	runner := &fakeRunner{handler: happyPathHandler(4096)}

	dev, err := Create(context.Background(), runner, nil, backing, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := dev.Release(context.Background()); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := dev.Release(context.Background()); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
	if got := runner.countCalls("losetup -d"); got != 1 {
		t.Errorf("losetup -d issued %d times, want 1", got)
	}
}

func TestRelease_FailureStillMarksReleased(t *testing.T) {
	backing := filepath.Join(t.TempDir(), "meta.img")
	runner := &fakeRunner{}
	runner.handler = func(line string) (string, error) {
		if strings.HasPrefix(line, "losetup -d") {
			return "losetup: detach failed", errors.New("exit status 1")
		}
		return happyPathHandler(4096)(line)
	}

	dev, err := Create(context.Background(), runner, nil, backing, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := dev.Release(context.Background()); err == nil {
		t.Fatal("Release should surface the detach failure")
	}
	if !dev.Released() {
		t.Error("device must be marked released even when detach fails")
	}
	if err := dev.Release(context.Background()); err != nil {
		t.Errorf("second Release must not retry, got: %v", err)
	}
	if got := runner.countCalls("losetup -d"); got != 1 {
		t.Errorf("losetup -d issued %d times, want 1 (no retry loops)", got)
	}
}
