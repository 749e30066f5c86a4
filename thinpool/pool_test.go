package thinpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeRunner models enough of the host tooling to exercise pool flows:
// fallocate records file sizes, losetup hands out slots and tracks bindings,
// blockdev answers size queries from the recorded state. Any call whose
// command line contains a key in fail returns that entry's output and a
// non-nil error.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	sizes    map[string]int64
	bound    map[string]string
	nextSlot int
	fail     map[string]string
	status   string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		sizes: make(map[string]int64),
		bound: make(map[string]string),
		fail:  make(map[string]string),
	}
}

func (f *fakeRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.run(name, args...)
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.run(name, args...)
}

func (f *fakeRunner) run(name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)

	for key, out := range f.fail {
		if strings.Contains(line, key) {
			return []byte(out), errors.New("exit status 1")
		}
	}

	switch {
	case name == "fallocate":
		size, _ := strconv.ParseInt(args[1], 10, 64)
		f.sizes[args[2]] = size
	case name == "losetup" && len(args) == 1 && args[0] == "-f":
		dev := fmt.Sprintf("/dev/loop%d", f.nextSlot)
		f.nextSlot++
		return []byte(dev + "\n"), nil
	case name == "losetup" && args[0] == "-d":
		delete(f.bound, args[1])
	case name == "losetup" && len(args) == 2:
		f.bound[args[0]] = args[1]
	case name == "blockdev" && args[0] == "--getsize64":
		return []byte(fmt.Sprintf("%d\n", f.sizes[f.bound[args[1]]])), nil
	case name == "blockdev" && args[0] == "--getsz":
		return []byte(fmt.Sprintf("%d\n", f.sizes[f.bound[args[1]]]/512)), nil
	case name == "dmsetup" && args[0] == "status":
		return []byte(f.status), nil
	}
	return nil, nil
}

func (f *fakeRunner) failOn(key, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = output
}

func (f *fakeRunner) clearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = make(map[string]string)
}

func (f *fakeRunner) calledWith(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, line := range f.calls {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) countCalls(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, line := range f.calls {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func mustCreatePool(t *testing.T, runner *fakeRunner) *Pool {
	t.Helper()
	p, err := Create(context.Background(), runner, nil, DefaultCreateConfig("pool", t.TempDir()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestCreate_DefaultGeometry(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	// 1GB data device = 2097152 sectors.
	wantTable := "0 2097152 thin-pool /dev/loop0 /dev/loop1 2048 0 1 skip_block_zeroing"
	if !runner.calledWith("dmsetup create pool --table "+wantTable) {
		t.Errorf("pool table not issued; calls:\n%s", strings.Join(runner.calls, "\n"))
	}
	if !runner.calledWith("--verifyudev") {
		t.Error("pool creation missing --verifyudev")
	}
	if !runner.calledWith("thin_restore") {
		t.Error("metadata was not initialized before pool construction")
	}
	if p.Path() != "/dev/mapper/pool" {
		t.Errorf("Path() = %q", p.Path())
	}
	if p.MetadataDevice().Path() != "/dev/loop0" || p.DataDevice().Path() != "/dev/loop1" {
		t.Errorf("device paths = %q, %q", p.MetadataDevice().Path(), p.DataDevice().Path())
	}
}

func TestCreate_DataDeviceFailureReleasesMetadataDevice(t *testing.T) {
	runner := newFakeRunner()
	runner.failOn("-data.img", "fallocate: fallocate failed: No space left on device")

	_, err := Create(context.Background(), runner, nil, DefaultCreateConfig("pool", t.TempDir()))
	if err == nil {
		t.Fatal("expected error")
	}
	if !runner.calledWith("losetup -d /dev/loop0") {
		t.Error("metadata device was not released after data device failure")
	}
}

func TestCreate_MetadataInitFailureReleasesBothDevices(t *testing.T) {
	runner := newFakeRunner()
	runner.failOn("thin_restore", "thin_restore: output file does not exist")

	_, err := Create(context.Background(), runner, nil, DefaultCreateConfig("pool", t.TempDir()))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, dev := range []string{"/dev/loop0", "/dev/loop1"} {
		if !runner.calledWith("losetup -d " + dev) {
			t.Errorf("%s was not released after metadata init failure", dev)
		}
	}
}

func TestCreate_ConstructionFailureReleasesBothDevices(t *testing.T) {
	runner := newFakeRunner()
	runner.failOn("dmsetup create pool", "device-mapper: reload ioctl failed")

	_, err := Create(context.Background(), runner, nil, DefaultCreateConfig("pool", t.TempDir()))
	var consErr *ConstructionError
	if !errors.As(err, &consErr) {
		t.Fatalf("got %v, want *ConstructionError", err)
	}
	for _, dev := range []string{"/dev/loop0", "/dev/loop1"} {
		if !runner.calledWith("losetup -d " + dev) {
			t.Errorf("%s was not released after construction failure", dev)
		}
	}
}

func TestCreate_RejectsInvalidName(t *testing.T) {
	runner := newFakeRunner()
	for _, name := range []string{"", "has space", "has/slash", "semi;colon"} {
		if _, err := Create(context.Background(), runner, nil, DefaultCreateConfig(name, t.TempDir())); err == nil {
			t.Errorf("name %q accepted", name)
		}
	}
	if len(runner.calls) != 0 {
		t.Errorf("invalid names reached the host: %v", runner.calls)
	}
}

func TestCreateVolume_MessageAndActivation(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	v, err := p.CreateVolume(context.Background(), "vol0", 500*1024*1024)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if v.DeviceID() != 0 {
		t.Errorf("first device ID = %d, want 0", v.DeviceID())
	}
	if !runner.calledWith("dmsetup message pool 0 create_thin 0") {
		t.Error("create_thin message not sent")
	}
	// 500MB = 1024000 sectors.
	if !runner.calledWith("dmsetup create vol0 --table 0 1024000 thin /dev/mapper/pool 0") {
		t.Errorf("activation table wrong; calls:\n%s", strings.Join(runner.calls, "\n"))
	}
	if v.Path() != "/dev/mapper/vol0" {
		t.Errorf("Path() = %q", v.Path())
	}
	if _, isSnap := v.OriginID(); isSnap {
		t.Error("base volume reports an origin")
	}

	v1, err := p.CreateVolume(context.Background(), "vol1", 500*1024*1024)
	if err != nil {
		t.Fatalf("CreateVolume vol1: %v", err)
	}
	if v1.DeviceID() != 1 {
		t.Errorf("second device ID = %d, want 1", v1.DeviceID())
	}
}

func TestCreateVolume_DuplicateNameRefused(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	if _, err := p.CreateVolume(context.Background(), "vol0", 1024*1024); err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if _, err := p.CreateVolume(context.Background(), "vol0", 1024*1024); err == nil {
		t.Fatal("duplicate volume name accepted")
	}
	if runner.countCalls("create_thin") != 1 {
		t.Error("duplicate name reached the control layer")
	}
}

func TestCreateVolume_ActivationFailureCompensates(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)
	runner.failOn("dmsetup create vol0", "device-mapper: reload ioctl failed")

	_, err := p.CreateVolume(context.Background(), "vol0", 1024*1024)
	if err == nil {
		t.Fatal("expected activation failure")
	}
	if !runner.calledWith("dmsetup message pool 0 delete 0") {
		t.Error("compensating delete message not sent")
	}
	if _, ok := p.Volume("vol0"); ok {
		t.Error("failed volume left registered")
	}

	// Later creations must still work; the counter never reuses IDs, so the
	// next volume gets 1 even though 0 was released.
	runner.clearFailures()
	v, err := p.CreateVolume(context.Background(), "vol1", 1024*1024)
	if err != nil {
		t.Fatalf("CreateVolume after compensation: %v", err)
	}
	if v.DeviceID() != 1 {
		t.Errorf("device ID after compensation = %d, want 1", v.DeviceID())
	}
}

func TestCreateSnapshot_InheritsOriginSize(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	origin, err := p.CreateVolume(context.Background(), "vol0", 500*1024*1024)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	snap, err := p.CreateSnapshot(context.Background(), origin, "snap0")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	if snap.Size() != origin.Size() {
		t.Errorf("snapshot size = %d, want origin's %d", snap.Size(), origin.Size())
	}
	if !runner.calledWith("dmsetup message pool 0 create_snap 1 0") {
		t.Error("create_snap message not sent")
	}
	if !runner.calledWith("dmsetup create snap0 --table 0 1024000 thin /dev/mapper/pool 1") {
		t.Errorf("snapshot activation wrong; calls:\n%s", strings.Join(runner.calls, "\n"))
	}
	originID, isSnap := snap.OriginID()
	if !isSnap || originID != origin.DeviceID() {
		t.Errorf("OriginID() = %d, %v", originID, isSnap)
	}
}

func TestCreateSnapshot_OfSnapshot(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	origin, _ := p.CreateVolume(context.Background(), "vol0", 100*1024*1024)
	snap, err := p.CreateSnapshot(context.Background(), origin, "snap0")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	snap2, err := p.CreateSnapshot(context.Background(), snap, "snap1")
	if err != nil {
		t.Fatalf("snapshot of snapshot: %v", err)
	}
	if !runner.calledWith("create_snap 2 1") {
		t.Error("chained snapshot did not reference the intermediate snapshot")
	}
	if snap2.Size() != origin.Size() {
		t.Errorf("chained snapshot size = %d", snap2.Size())
	}
}

func TestCreateSnapshot_MessageFailureReleasesID(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	origin, _ := p.CreateVolume(context.Background(), "vol0", 1024*1024)
	runner.failOn("create_snap", "device-mapper: message ioctl failed")

	if _, err := p.CreateSnapshot(context.Background(), origin, "snap0"); err == nil {
		t.Fatal("expected snapshot failure")
	}

	runner.clearFailures()
	v, err := p.CreateVolume(context.Background(), "vol1", 1024*1024)
	if err != nil {
		t.Fatalf("CreateVolume: %v", err)
	}
	if v.DeviceID() != 2 {
		t.Errorf("device ID = %d, want 2 (IDs are never reissued)", v.DeviceID())
	}
}

func TestVolumeRemove_Flow(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	v, _ := p.CreateVolume(context.Background(), "vol0", 1024*1024)
	if err := v.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !runner.calledWith("dmsetup remove vol0") {
		t.Error("device node not removed")
	}
	if !runner.calledWith("dmsetup message pool 0 delete 0") {
		t.Error("delete message not sent")
	}
	if !v.Removed() {
		t.Error("volume not marked removed")
	}
	if _, ok := p.Volume("vol0"); ok {
		t.Error("removed volume still registered")
	}
}

func TestVolumeRemove_Idempotent(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	v, _ := p.CreateVolume(context.Background(), "vol0", 1024*1024)
	if err := v.Remove(context.Background()); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := v.Remove(context.Background()); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if n := runner.countCalls("dmsetup remove vol0"); n != 1 {
		t.Errorf("dmsetup remove issued %d times, want 1", n)
	}
}

func TestVolumeRemove_BusyKeepsVolumeLive(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	v, _ := p.CreateVolume(context.Background(), "vol0", 1024*1024)
	runner.failOn("dmsetup remove vol0", "device-mapper: remove ioctl failed: Device or resource busy")

	err := v.Remove(context.Background())
	if !IsVolumeInUseError(err) {
		t.Fatalf("got %v, want *VolumeInUseError", err)
	}
	if v.Removed() {
		t.Error("busy volume marked removed")
	}
	if _, ok := p.Volume("vol0"); !ok {
		t.Error("busy volume dropped from registry")
	}
	if runner.calledWith("delete 0") {
		t.Error("delete message sent while the node was still attached")
	}

	// Retry after the holder lets go.
	runner.clearFailures()
	if err := v.Remove(context.Background()); err != nil {
		t.Fatalf("retry Remove: %v", err)
	}
	if !v.Removed() {
		t.Error("volume not removed after retry")
	}
}

func TestVolumeRemove_DeleteFailureOrphans(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	v, _ := p.CreateVolume(context.Background(), "vol0", 1024*1024)
	runner.failOn("delete 0", "device-mapper: message ioctl failed")

	if err := v.Remove(context.Background()); err != nil {
		t.Fatalf("Remove should tolerate delete-message failure, got: %v", err)
	}
	if !v.Removed() {
		t.Error("volume not marked removed")
	}
	if !v.Orphaned() {
		t.Error("volume not marked orphaned after delete-message failure")
	}
}

func TestPoolRemove_Idempotent(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	if err := p.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Remove(context.Background()); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if n := runner.countCalls("dmsetup remove pool"); n != 1 {
		t.Errorf("dmsetup remove issued %d times, want 1", n)
	}
	if !p.Removed() {
		t.Error("pool not marked removed")
	}
}

func TestPoolRemove_BusyLeavesStateUntouched(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)
	runner.failOn("dmsetup remove pool", "device-mapper: remove ioctl failed: Device or resource busy")

	err := p.Remove(context.Background())
	if !IsInUseError(err) {
		t.Fatalf("got %v, want *InUseError", err)
	}
	if p.Removed() {
		t.Error("busy pool marked removed")
	}

	runner.clearFailures()
	if err := p.Remove(context.Background()); err != nil {
		t.Fatalf("retry Remove: %v", err)
	}
	if !p.Removed() {
		t.Error("pool not removed after retry")
	}
}

func TestPoolRemove_DoesNotTouchBackingDevices(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)

	if err := p.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if runner.calledWith("losetup -d") {
		t.Error("pool removal must not release backing devices")
	}
	if p.MetadataDevice().Released() || p.DataDevice().Released() {
		t.Error("backing devices marked released by pool removal")
	}
}

func TestCreateVolume_RefusedWhenPoolFull(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)
	runner.status = "0 2097152 thin-pool 0 12/25600 820/1024 - rw discard_passdown queue_if_no_space -"

	_, err := p.CreateVolume(context.Background(), "vol0", 1024*1024)
	var fullErr *FullError
	if !errors.As(err, &fullErr) {
		t.Fatalf("got %v, want *FullError", err)
	}
	if runner.calledWith("create_thin") {
		t.Error("create_thin sent despite capacity refusal")
	}
}

func TestCreateVolume_CapacityCheckSkippedOnStatusFailure(t *testing.T) {
	runner := newFakeRunner()
	p := mustCreatePool(t, runner)
	runner.failOn("dmsetup status", "device-mapper: status ioctl failed")

	if _, err := p.CreateVolume(context.Background(), "vol0", 1024*1024); err != nil {
		t.Fatalf("unreadable status must not block creation: %v", err)
	}
}
