package logwriter

import (
	"os"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/blacktop/crashwatch/internal/errs"
)

func sampleReport() *Report {
	return &Report{
		ReportInfo: ReportInfo{UserRequested: false, UUID: [16]byte{1, 2, 3}},
		System:     SystemInfo{Version: "6.18.5", Build: ""},
		Machine:    MachineInfo{CPUType: 0x0100000c, ProcessorCount: 4, LogicalProcessorCount: 8},
		Application: ApplicationInfo{Identifier: "com.example.app", Version: "1.0"},
		Process:    ProcessInfo{ID: 1234, Native: true},
		Threads: []Thread{
			{
				Crashed:   true,
				Registers: []Register{{Name: "rip", Value: 0xdeadbeef}},
				Frames:    []uint64{0x1000, 0x2000, 0x3000},
			},
		},
		Images: []Image{
			{Base: 0x100000000, Size: 0x4000, Path: "/bin/example"},
		},
		Exception: &ExceptionRecord{Name: "NSInvalidArgumentException", Reason: "bad arg", Frames: []uint64{0x5000}},
		Signal:    SignalInfo{Number: 11, Code: 1, Address: 0xbad},
	}
}

func TestWriteReportRoundTripsTopLevelFields(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "report-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	w := NewBufferedWriter(f)

	if err := w.WriteReport(sampleReport()); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	seen := map[protowire.Number]bool{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			t.Fatalf("ConsumeTag failed at offset %d", len(data)-len(b))
		}
		b = b[n:]
		seen[num] = true

		switch typ {
		case protowire.BytesType:
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				t.Fatalf("ConsumeBytes failed for field %d", num)
			}
			b = b[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				t.Fatalf("ConsumeVarint failed for field %d", num)
			}
			b = b[n:]
		default:
			t.Fatalf("unexpected wire type %v for field %d", typ, num)
		}
	}

	for _, want := range []protowire.Number{
		fieldReportInfo, fieldSystemInfo, fieldMachineInfo, fieldAppInfo,
		fieldProcessInfo, fieldThread, fieldImage, fieldException, fieldSignalInfo,
	} {
		if !seen[want] {
			t.Fatalf("top-level field %d missing from serialized report", want)
		}
	}
}

func TestWriteReportTruncatesOnOverflow(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "report-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	w := NewBufferedWriter(f)
	w.cap = 8 // force overflow on any non-trivial report

	err = w.WriteReport(sampleReport())
	if !errs.Is(err, errs.NoMemory) {
		t.Fatalf("WriteReport over capacity: got %v, want NoMemory", err)
	}

	info, statErr := f.Stat()
	if statErr != nil {
		t.Fatalf("Stat: %v", statErr)
	}
	if info.Size() != 8 {
		t.Fatalf("written size = %d, want exactly the 8-byte cap", info.Size())
	}
}

func TestWriteReportOmitsNilException(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "report-*.bin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	w := NewBufferedWriter(f)

	r := sampleReport()
	r.Exception = nil
	if err := w.WriteReport(r); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			t.Fatalf("ConsumeTag failed")
		}
		b = b[n:]
		if num == fieldException {
			t.Fatal("exception field present despite a nil Exception")
		}
		switch typ {
		case protowire.BytesType:
			_, n := protowire.ConsumeBytes(b)
			b = b[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			b = b[n:]
		}
	}
}
