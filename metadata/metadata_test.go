package metadata

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	output  string
	err     error
	xmlSeen string
}

func (f *fakeRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	// Capture the description before the initializer removes the temp file.
	for i, a := range args {
		if a == "-i" && i+1 < len(args) {
			if data, err := os.ReadFile(args[i+1]); err == nil {
				f.xmlSeen = string(data)
			}
		}
	}
	return []byte(f.output), f.err
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.CombinedOutput(ctx, name, args...)
}

func TestInitializeEmptyPool_DescriptionAndInvocation(t *testing.T) {
	runner := &fakeRunner{}
	in := NewInitializer(runner, nil)

	// 1GB data, 2048-sector (1MiB) blocks: 2097152 sectors / 2048 = 1024 blocks.
	err := in.InitializeEmptyPool(context.Background(), "/dev/loop1", 1024*1024*1024, 2048)
	if err != nil {
		t.Fatalf("InitializeEmptyPool: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected exactly one thin_restore invocation, got %d", len(runner.calls))
	}
	call := runner.calls[0]
	if call[0] != "thin_restore" {
		t.Errorf("command = %q, want thin_restore", call[0])
	}
	if call[len(call)-2] != "-o" || call[len(call)-1] != "/dev/loop1" {
		t.Errorf("thin_restore output device args = %v", call)
	}
	if !strings.Contains(runner.xmlSeen, `data_block_size="2048"`) {
		t.Errorf("description missing block size: %q", runner.xmlSeen)
	}
	if !strings.Contains(runner.xmlSeen, `nr_data_blocks="1024"`) {
		t.Errorf("description missing block count: %q", runner.xmlSeen)
	}
}

func TestInitializeEmptyPool_RemainderIsDropped(t *testing.T) {
	runner := &fakeRunner{}
	in := NewInitializer(runner, nil)

	// 1GB + 100 sectors of slack; the partial block must not be counted.
	dataSize := int64(1024*1024*1024 + 100*512)
	if err := in.InitializeEmptyPool(context.Background(), "/dev/loop1", dataSize, 2048); err != nil {
		t.Fatalf("InitializeEmptyPool: %v", err)
	}
	if !strings.Contains(runner.xmlSeen, `nr_data_blocks="1024"`) {
		t.Errorf("partial block leaked into description: %q", runner.xmlSeen)
	}
}

func TestInitializeEmptyPool_RejectsDegenerateGeometry(t *testing.T) {
	in := NewInitializer(&fakeRunner{}, nil)

	var formatErr *FormatError
	if err := in.InitializeEmptyPool(context.Background(), "/dev/loop1", 1024, 2048); !errors.As(err, &formatErr) {
		t.Errorf("zero-block pool: got %v, want *FormatError", err)
	}
	if err := in.InitializeEmptyPool(context.Background(), "/dev/loop1", 1024*1024, 0); !errors.As(err, &formatErr) {
		t.Errorf("zero block size: got %v, want *FormatError", err)
	}
}

func TestInitializeEmptyPool_WriteFailure(t *testing.T) {
	runner := &fakeRunner{output: "output file does not exist", err: errors.New("exit status 1")}
	in := NewInitializer(runner, nil)

	err := in.InitializeEmptyPool(context.Background(), "/dev/loop1", 1024*1024*1024, 2048)
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("got %v, want *WriteError", err)
	}
}

func TestInitializeEmptyPool_FormatRejection(t *testing.T) {
	runner := &fakeRunner{output: "thin_restore: invalid superblock attribute", err: errors.New("exit status 1")}
	in := NewInitializer(runner, nil)

	err := in.InitializeEmptyPool(context.Background(), "/dev/loop1", 1024*1024*1024, 2048)
	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("got %v, want *FormatError", err)
	}
}
