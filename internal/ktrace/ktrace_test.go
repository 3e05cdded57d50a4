package ktrace

import (
	"bytes"
	"testing"
	"time"
)

func TestRecordAndReadAllRecords(t *testing.T) {
	var buf bytes.Buffer
	func() {
		w, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer w.Close()

		Record(KindContextSwitch, 10*time.Microsecond)
		Record(KindSyscall, 2*time.Microsecond)
	}()

	var seen []string
	err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags SliceFlags, d time.Duration) error {
		seen = append(seen, name)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(seen) != 2 || seen[0] != "context_switch" || seen[1] != "syscall" {
		t.Fatalf("unexpected records: %v", seen)
	}
}

func TestStartRecordingRejectsSecondOpen(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	w, err := StartRecording(&buf1)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := StartRecording(&buf2); err == nil {
		t.Fatal("expected a second StartRecording to fail while one trace is open")
	}
}

func TestRecorderMeasuresElapsed(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecorder()
	time.Sleep(time.Millisecond)
	r.Record(KindUserRun)
	w.Close()

	var durations []time.Duration
	err = ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags SliceFlags, d time.Duration) error {
		durations = append(durations, d)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(durations) != 1 || durations[0] < time.Millisecond {
		t.Fatalf("expected one recorded duration >= 1ms, got %v", durations)
	}
}
