package recorder

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWAV_SavesRecording(t *testing.T) {
	dir := t.TempDir()
	w := NewWAV(dir, "sess-1", 24000)

	frame := make([]byte, 960)
	for i := range frame {
		frame[i] = byte(i)
	}
	w.Append(frame)
	w.Append(frame)

	// Let the drain goroutine pick the frames up before closing.
	time.Sleep(50 * time.Millisecond)
	w.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 recording file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 44+2*len(frame) {
		t.Errorf("expected %d bytes (44-byte header + audio), got %d", 44+2*len(frame), len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 24000 {
		t.Errorf("expected sample rate 24000 in header, got %d", rate)
	}
	if dataLen := binary.LittleEndian.Uint32(data[40:44]); dataLen != uint32(2*len(frame)) {
		t.Errorf("expected data length %d in header, got %d", 2*len(frame), dataLen)
	}
}

func TestWAV_EmptySessionWritesNothing(t *testing.T) {
	dir := t.TempDir()
	w := NewWAV(dir, "sess-2", 24000)
	w.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files for an empty session, got %d", len(entries))
	}
}

func TestWAV_CloseIdempotent(t *testing.T) {
	w := NewWAV(t.TempDir(), "sess-3", 24000)
	w.Close()
	w.Close() // must not panic
}

func TestWAV_AppendAfterClose(t *testing.T) {
	w := NewWAV(t.TempDir(), "sess-4", 24000)
	w.Close()
	w.Append([]byte{1, 2}) // must not panic
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Append([]byte{1, 2, 3})
	s.Close()
}
