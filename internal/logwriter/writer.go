package logwriter

import (
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/blacktop/crashwatch/internal/errs"
)

// DefaultCapacity is spec §4.H's hard 64 KiB ceiling on one report's
// serialized size.
const DefaultCapacity = 64 * 1024

// BufferedWriter is the fixed-capacity file-descriptor wrapper from
// spec §4.H: one report is assembled in memory, then copied into the
// file in a single write, truncated to fit if it would overflow
// DefaultCapacity rather than failing outright.
type BufferedWriter struct {
	f   *os.File
	cap int
}

// NewBufferedWriter wraps an already-open, already-truncated file.
func NewBufferedWriter(f *os.File) *BufferedWriter {
	return &BufferedWriter{f: f, cap: DefaultCapacity}
}

// WriteReport serializes report and writes it to the underlying file.
// If the serialized form exceeds the writer's capacity, the write is
// truncated to that capacity and errs.NoMemory is returned alongside
// the truncated write — "a writer reports partial results" per spec §7,
// rather than discarding the report entirely.
func (w *BufferedWriter) WriteReport(report *Report) error {
	buf := marshalReport(report)

	truncated := false
	if len(buf) > w.cap {
		buf = buf[:w.cap]
		truncated = true
	}

	if _, err := w.f.Write(buf); err != nil {
		return err
	}
	if truncated {
		return errs.ErrNoMemory
	}
	return nil
}

// Close flushes the underlying file to disk and closes it.
func (w *BufferedWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func nested(fieldNum int, body []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, protowire.Number(fieldNum), protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

func marshalReport(r *Report) []byte {
	var buf []byte
	buf = append(buf, nested(fieldReportInfo, marshalReportInfo(r.ReportInfo))...)
	buf = append(buf, nested(fieldSystemInfo, marshalSystemInfo(r.System))...)
	buf = append(buf, nested(fieldMachineInfo, marshalMachineInfo(r.Machine))...)
	buf = append(buf, nested(fieldAppInfo, marshalAppInfo(r.Application))...)
	buf = append(buf, nested(fieldProcessInfo, marshalProcessInfo(r.Process))...)
	for _, th := range r.Threads {
		buf = append(buf, nested(fieldThread, marshalThread(th))...)
	}
	for _, img := range r.Images {
		buf = append(buf, nested(fieldImage, marshalImage(img))...)
	}
	if r.Exception != nil {
		buf = append(buf, nested(fieldException, marshalException(*r.Exception))...)
	}
	buf = append(buf, nested(fieldSignalInfo, marshalSignalInfo(r.Signal))...)
	return buf
}

func marshalReportInfo(ri ReportInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReportUserRequested, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(ri.UserRequested))
	b = protowire.AppendTag(b, fieldReportUUID, protowire.BytesType)
	b = protowire.AppendBytes(b, ri.UUID[:])
	return b
}

func marshalSystemInfo(si SystemInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSystemVersion, protowire.BytesType)
	b = protowire.AppendString(b, si.Version)
	if si.Build != "" {
		b = protowire.AppendTag(b, fieldSystemBuild, protowire.BytesType)
		b = protowire.AppendString(b, si.Build)
	}
	return b
}

func marshalMachineInfo(mi MachineInfo) []byte {
	var b []byte
	if mi.Model != "" {
		b = protowire.AppendTag(b, fieldMachineModel, protowire.BytesType)
		b = protowire.AppendString(b, mi.Model)
	}
	b = protowire.AppendTag(b, fieldMachineCPUType, protowire.VarintType)
	b = protowire.AppendVarint(b, mi.CPUType)
	b = protowire.AppendTag(b, fieldMachineCPUSubtype, protowire.VarintType)
	b = protowire.AppendVarint(b, mi.CPUSubtype)
	b = protowire.AppendTag(b, fieldMachineProcessorCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(mi.ProcessorCount))
	b = protowire.AppendTag(b, fieldMachineLogicalCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(mi.LogicalProcessorCount))
	return b
}

func marshalAppInfo(ai ApplicationInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAppIdentifier, protowire.BytesType)
	b = protowire.AppendString(b, ai.Identifier)
	b = protowire.AppendTag(b, fieldAppVersion, protowire.BytesType)
	b = protowire.AppendString(b, ai.Version)
	return b
}

func marshalProcessInfo(pi ProcessInfo) []byte {
	var b []byte
	if pi.Name != "" {
		b = protowire.AppendTag(b, fieldProcessName, protowire.BytesType)
		b = protowire.AppendString(b, pi.Name)
	}
	b = protowire.AppendTag(b, fieldProcessID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pi.ID))
	if pi.Path != "" {
		b = protowire.AppendTag(b, fieldProcessPath, protowire.BytesType)
		b = protowire.AppendString(b, pi.Path)
	}
	if pi.ParentName != "" {
		b = protowire.AppendTag(b, fieldParentProcessName, protowire.BytesType)
		b = protowire.AppendString(b, pi.ParentName)
	}
	b = protowire.AppendTag(b, fieldParentProcessID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pi.ParentID))
	b = protowire.AppendTag(b, fieldProcessNative, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(pi.Native))
	return b
}

func marshalThread(th Thread) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldThreadCrashed, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(th.Crashed))
	for _, reg := range th.Registers {
		b = append(b, nested(fieldThreadRegister, marshalRegister(reg))...)
	}
	for _, frame := range th.Frames {
		b = protowire.AppendTag(b, fieldThreadFrame, protowire.VarintType)
		b = protowire.AppendVarint(b, frame)
	}
	return b
}

func marshalRegister(reg Register) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRegisterName, protowire.BytesType)
	b = protowire.AppendString(b, reg.Name)
	b = protowire.AppendTag(b, fieldRegisterValue, protowire.VarintType)
	b = protowire.AppendVarint(b, reg.Value)
	return b
}

func marshalImage(img Image) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldImageBase, protowire.VarintType)
	b = protowire.AppendVarint(b, img.Base)
	b = protowire.AppendTag(b, fieldImageSize, protowire.VarintType)
	b = protowire.AppendVarint(b, img.Size)
	b = protowire.AppendTag(b, fieldImageUUID, protowire.BytesType)
	b = protowire.AppendBytes(b, img.UUID[:])
	b = protowire.AppendTag(b, fieldImagePath, protowire.BytesType)
	b = protowire.AppendString(b, img.Path)
	return b
}

func marshalException(ex ExceptionRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldExceptionName, protowire.BytesType)
	b = protowire.AppendString(b, ex.Name)
	b = protowire.AppendTag(b, fieldExceptionReason, protowire.BytesType)
	b = protowire.AppendString(b, ex.Reason)
	for _, frame := range ex.Frames {
		b = protowire.AppendTag(b, fieldExceptionFrame, protowire.VarintType)
		b = protowire.AppendVarint(b, frame)
	}
	return b
}

func marshalSignalInfo(si SignalInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSignalNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(si.Number))
	b = protowire.AppendTag(b, fieldSignalCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(si.Code))
	b = protowire.AppendTag(b, fieldSignalAddress, protowire.VarintType)
	b = protowire.AppendVarint(b, si.Address)
	return b
}
