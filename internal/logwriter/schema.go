// Package logwriter implements the crash-log writer from spec §4.H: a
// tag-length-value record schema, serialized with
// google.golang.org/protobuf/encoding/protowire directly (no .proto
// file or generated types — the target is a hand-framed wire format,
// not interop with a specific upstream schema) into a hard-capacity
// buffered writer.
package logwriter

// Field numbers for the top-level Report message. Stable once assigned;
// a field is never renumbered, only added.
const (
	fieldReportInfo    = 1
	fieldSystemInfo    = 2
	fieldMachineInfo   = 3
	fieldAppInfo       = 4
	fieldProcessInfo   = 5
	fieldThread        = 6 // repeated
	fieldImage         = 7 // repeated
	fieldException     = 8 // optional
	fieldSignalInfo    = 9
)

// Field numbers within ReportInfo.
const (
	fieldReportUserRequested = 1
	fieldReportUUID          = 2
)

// Field numbers within SystemInfo.
const (
	fieldSystemVersion = 1
	fieldSystemBuild   = 2
)

// Field numbers within MachineInfo.
const (
	fieldMachineModel           = 1
	fieldMachineCPUType         = 2
	fieldMachineCPUSubtype      = 3
	fieldMachineProcessorCount  = 4
	fieldMachineLogicalCount    = 5
)

// Field numbers within ApplicationInfo.
const (
	fieldAppIdentifier = 1
	fieldAppVersion    = 2
)

// Field numbers within ProcessInfo.
const (
	fieldProcessName           = 1
	fieldProcessID             = 2
	fieldProcessPath           = 3
	fieldParentProcessName     = 4
	fieldParentProcessID       = 5
	fieldProcessNative         = 6
)

// Field numbers within Thread.
const (
	fieldThreadCrashed  = 1
	fieldThreadRegister = 2 // repeated Register
	fieldThreadFrame    = 3 // repeated uint64 varint
)

// Field numbers within Register.
const (
	fieldRegisterName  = 1
	fieldRegisterValue = 2
)

// Field numbers within Image.
const (
	fieldImageBase = 1
	fieldImageSize = 2
	fieldImageUUID = 3
	fieldImagePath = 4
)

// Field numbers within Exception.
const (
	fieldExceptionName   = 1
	fieldExceptionReason = 2
	fieldExceptionFrame  = 3 // repeated uint64 varint
)

// Field numbers within SignalInfo.
const (
	fieldSignalNumber  = 1
	fieldSignalCode    = 2
	fieldSignalAddress = 3
)

// ReportInfo carries spec §4.H's "report-info (user-requested flag, uuid)".
type ReportInfo struct {
	UserRequested bool
	UUID          [16]byte
}

// SystemInfo is the host OS version/build pair.
type SystemInfo struct {
	Version string
	Build   string // may be empty
}

// MachineInfo is the host hardware identification.
type MachineInfo struct {
	Model                 string // may be empty
	CPUType               uint64
	CPUSubtype            uint64
	ProcessorCount        uint32
	LogicalProcessorCount uint32
}

// ApplicationInfo identifies the monitored application.
type ApplicationInfo struct {
	Identifier string
	Version    string
}

// ProcessInfo carries the traced process's identity.
type ProcessInfo struct {
	Name             string // may be empty
	ID               int32
	Path             string // may be empty
	ParentName       string // may be empty
	ParentID         int32
	Native           bool
}

// Register is one named register value in a thread's dump.
type Register struct {
	Name  string
	Value uint64
}

// Thread is one captured thread: crashed flag, register dump, and the
// return-address frames collected by the unwinder.
type Thread struct {
	Crashed   bool
	Registers []Register
	Frames    []uint64
}

// Image is one loaded binary image, per spec §4.H ("base, size, uuid, path").
type Image struct {
	Base uint64
	Size uint64
	UUID [16]byte
	Path string
}

// ExceptionRecord is the optional captured language-exception record.
type ExceptionRecord struct {
	Name    string
	Reason  string
	Frames  []uint64
}

// SignalInfo is the fatal signal observed by the signal driver.
type SignalInfo struct {
	Number  int32
	Code    int32
	Address uint64
}

// Report is the full top-level record written per crash, matching the
// stable schema in spec §4.H.
type Report struct {
	ReportInfo  ReportInfo
	System      SystemInfo
	Machine     MachineInfo
	Application ApplicationInfo
	Process     ProcessInfo
	Threads     []Thread
	Images      []Image
	Exception   *ExceptionRecord // nil if none was captured
	Signal      SignalInfo
}
