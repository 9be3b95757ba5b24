package logwriter

import (
	"bytes"
	"os"
	"testing"
)

func TestReadReportRoundTripsSampleReport(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "report-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	w := NewBufferedWriter(f)

	want := sampleReport()
	if err := w.WriteReport(want); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	got, err := ReadReport(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}

	if got.Application.Identifier != want.Application.Identifier {
		t.Fatalf("Application.Identifier = %q, want %q", got.Application.Identifier, want.Application.Identifier)
	}
	if got.Process.ID != want.Process.ID {
		t.Fatalf("Process.ID = %d, want %d", got.Process.ID, want.Process.ID)
	}
	if len(got.Threads) != 1 || len(got.Threads[0].Frames) != len(want.Threads[0].Frames) {
		t.Fatalf("Threads = %+v", got.Threads)
	}
	for i, f := range want.Threads[0].Frames {
		if got.Threads[0].Frames[i] != f {
			t.Fatalf("frame %d = %#x, want %#x", i, got.Threads[0].Frames[i], f)
		}
	}
	if len(got.Images) != 1 || got.Images[0].Path != want.Images[0].Path {
		t.Fatalf("Images = %+v", got.Images)
	}
	if got.Exception == nil || got.Exception.Name != want.Exception.Name {
		t.Fatalf("Exception = %+v", got.Exception)
	}
	if got.Signal.Number != want.Signal.Number {
		t.Fatalf("Signal.Number = %d, want %d", got.Signal.Number, want.Signal.Number)
	}
}

func TestReadReportToleratesTruncatedTrailingRecord(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "report-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	w := NewBufferedWriter(f)
	w.cap = 12

	_ = w.WriteReport(sampleReport()) // expected to report errs.NoMemory; the partial bytes are still on disk
	_ = w.Close()

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if _, err := ReadReport(bytes.NewReader(data)); err != nil {
		t.Fatalf("ReadReport on truncated data: %v", err)
	}
}
