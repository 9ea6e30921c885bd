package blockdev

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"unsafe"
)

func TestFileDeviceCreateWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")

	dev, err := CreateFileDevice(path, 512)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Disconnect(ctx)

	if err := dev.Resize(ctx, 4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	want := bytes.Repeat([]byte{0x5C}, 512)
	if err := dev.WriteAt(ctx, 2, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 512)
	if err := dev.ReadAt(ctx, 2, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read did not return what was written")
	}
}

func TestFileDeviceReopenAfterDisconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")

	dev, err := CreateFileDevice(path, 512)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	if err := dev.Resize(ctx, 1); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	want := bytes.Repeat([]byte{0x11}, 512)
	if err := dev.WriteAt(ctx, 0, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := dev.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := dev.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	reopened, err := OpenFileDevice(path, 512, false)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer reopened.Disconnect(ctx)

	got := make([]byte, 512)
	if err := reopened.ReadAt(ctx, 0, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("reopening the file should observe previously flushed data")
	}
}

func TestPageAlignedBufferIsPageAligned(t *testing.T) {
	t.Parallel()
	buf := PageAlignedBuffer(4096)
	if len(buf) != 4096 {
		t.Fatalf("len(buf) = %d, want 4096", len(buf))
	}
	if addr := uintptr(unsafe.Pointer(&buf[0])); addr%uintptr(pageSize) != 0 {
		t.Errorf("buffer starts at %#x, not on a %d-byte page boundary", addr, pageSize)
	}
}

func TestCreateFileDeviceRejectsExistingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := CreateFileDevice(path, 512)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	dev.Disconnect(context.Background())

	if _, err := CreateFileDevice(path, 512); err == nil {
		t.Fatal("CreateFileDevice should refuse to clobber an existing file")
	}
}
