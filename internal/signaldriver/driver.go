// Package signaldriver implements the redesigned crash-detection
// entry point from SPEC_FULL.md §0/§11: rather than an in-process
// signal handler racing the corrupted state that triggered it, a
// companion process `PTRACE_ATTACH`es to the monitored process and
// observes its stops directly, doing all analysis from outside the
// crashed address space.
package signaldriver

import (
	"context"
	"os"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/blacktop/crashwatch/internal/config"
	"github.com/blacktop/crashwatch/internal/cursor"
	"github.com/blacktop/crashwatch/internal/errs"
	"github.com/blacktop/crashwatch/internal/frame"
	"github.com/blacktop/crashwatch/internal/imagelist"
	"github.com/blacktop/crashwatch/internal/logwriter"
	"github.com/blacktop/crashwatch/internal/objc"
	"github.com/blacktop/crashwatch/internal/regstate"
)

// fatalSignals is the set this driver treats as crash-worthy, the
// POSIX analog of the Mach exception types the original hooks
// (SIGSEGV/SIGBUS for bad memory access, SIGILL for an illegal
// instruction, SIGFPE for arithmetic traps, SIGABRT for an assertion
// or uncaught exception's abort(), SIGTRAP for a debug trap a live
// debugger didn't claim).
var fatalSignals = map[unix.Signal]bool{
	unix.SIGSEGV: true,
	unix.SIGBUS:  true,
	unix.SIGILL:  true,
	unix.SIGFPE:  true,
	unix.SIGABRT: true,
	unix.SIGTRAP: true,
}

// Driver owns the output writer and the loaded-image view for one
// monitored process, per spec §6's signal-handler contract.
type Driver struct {
	cfg    config.Config
	writer *logwriter.BufferedWriter
	images *imagelist.List
	objc   *objc.Parser
}

// Enable opens cfg.OutputPath and returns a Driver ready to Watch a
// target pid, per SPEC_FULL.md §11.
func Enable(cfg config.Config) (*Driver, error) {
	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Driver{
		cfg:    cfg,
		writer: logwriter.NewBufferedWriter(f),
		images: imagelist.New(),
	}, nil
}

// Images exposes the driver's loaded-image list so a loaderwatch
// helper can keep it current.
func (d *Driver) Images() *imagelist.List { return d.images }

// Close flushes and closes the underlying output file.
func (d *Driver) Close() error { return d.writer.Close() }

// Watch attaches to pid and blocks, resuming non-fatal stops, until ctx
// is done, the tracee exits, or the first fatal stop has been analyzed
// and recorded.
func (d *Driver) Watch(ctx context.Context, pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return errs.ErrAccess
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return errs.ErrInternal
	}

	d.objc = objc.NewParser(pid, objc.NewCache(objc.DefaultCacheCapacity))

	for {
		select {
		case <-ctx.Done():
			unix.PtraceDetach(pid)
			return ctx.Err()
		default:
		}

		wpid, err := unix.Wait4(pid, &ws, 0, nil)
		if err != nil {
			return errs.ErrInternal
		}
		if wpid != pid {
			continue
		}

		if ws.Exited() || ws.Signaled() {
			return nil
		}
		if !ws.Stopped() {
			continue
		}

		sig := ws.StopSignal()
		if !fatalSignals[sig] {
			// Not a signal this driver records: resume and keep watching.
			unix.PtraceCont(pid, 0)
			continue
		}

		if err := d.recordCrash(pid, sig); err != nil {
			log.WithError(err).Error("failed to record crash report")
		}
		return nil
	}
}

// recordCrash builds and writes a full Report for the fatal stop
// observed on tid, per SPEC_FULL.md §11's pipeline: register snapshot
// -> cursor-driven backtrace -> per-frame ObjC symbolication ->
// logwriter.
func (d *Driver) recordCrash(tid int, sig unix.Signal) error {
	regs, err := regstate.Current(tid)
	if err != nil {
		return err
	}

	snapshot := d.images.Acquire()
	defer snapshot.Release()

	readers := []frame.Reader{
		frame.NewFramePointerReader(tid),
		frame.NewCompactUnwindReader(tid, frame.NewDWARFCFIReader(tid)),
		frame.NewDWARFCFIReader(tid),
	}

	thread := logwriter.Thread{Crashed: true}
	c := cursor.New(regs, snapshot, readers)

	for i := 0; i < cursor.MaxDepth; i++ {
		if err := c.Next(); err != nil {
			break
		}
		cur := c.Current()
		ip, ipErr := cur.Get(ipRegFor(cur.Arch))
		if ipErr != nil {
			break
		}
		thread.Frames = append(thread.Frames, ip)

		if img := snapshot.FindByAddress(uintptr(ip)); img != nil && d.objc != nil {
			if match, ok, findErr := d.objc.FindMethod(img, ip); findErr == nil && ok {
				thread.Registers = append(thread.Registers, logwriter.Register{
					Name:  match.MethodName,
					Value: match.IMP,
				})
			}
		}
		if c.Terminated() {
			break
		}
	}

	report := &logwriter.Report{
		ReportInfo: logwriter.ReportInfo{UserRequested: false, UUID: uuidBytes()},
		System:     logwriter.SystemInfo{Version: hostVersion()},
		Application: logwriter.ApplicationInfo{
			Identifier: d.cfg.ApplicationIdentifier,
			Version:    d.cfg.ApplicationVersion,
		},
		Process: logwriter.ProcessInfo{ID: int32(tid), Native: true},
		Threads: []logwriter.Thread{thread},
		Images:  imagesOf(snapshot),
		Signal:  logwriter.SignalInfo{Number: int32(sig)},
	}

	return d.writer.WriteReport(report)
}

// RecordException writes a report for tid carrying rec, the exception
// record passed as an argument rather than stashed in shared writer
// state, and hands rec to cfg.PostCrashCallback (when set) first. The
// report holds tid's PC register but no backtrace. Watch's fatal-signal
// path does not go through here: it writes its report via recordCrash.
func (d *Driver) RecordException(tid int, rec *logwriter.ExceptionRecord) error {
	regs, err := regstate.Current(tid)
	if err != nil {
		return err
	}
	snapshot := d.images.Acquire()
	defer snapshot.Release()

	report := &logwriter.Report{
		ReportInfo:  logwriter.ReportInfo{UserRequested: false, UUID: uuidBytes()},
		System:      logwriter.SystemInfo{Version: hostVersion()},
		Application: logwriter.ApplicationInfo{Identifier: d.cfg.ApplicationIdentifier, Version: d.cfg.ApplicationVersion},
		Process:     logwriter.ProcessInfo{ID: int32(tid), Native: true},
		Threads: []logwriter.Thread{{
			Crashed:   true,
			Registers: registersOf(regs),
		}},
		Images:    imagesOf(snapshot),
		Exception: rec,
	}

	if d.cfg.PostCrashCallback != nil {
		d.cfg.PostCrashCallback(rec)
	}
	return d.writer.WriteReport(report)
}

func ipRegFor(arch regstate.Arch) int {
	switch arch {
	case regstate.AMD64:
		return regstate.AMD64_RIP
	case regstate.X86:
		return regstate.X86_EIP
	default:
		return regstate.ARM_PC
	}
}

func registersOf(s *regstate.State) []logwriter.Register {
	ip, err := s.Get(ipRegFor(s.Arch))
	if err != nil {
		return nil
	}
	return []logwriter.Register{{Name: "pc", Value: ip}}
}

func imagesOf(snapshot *imagelist.Snapshot) []logwriter.Image {
	imgs := snapshot.Images()
	out := make([]logwriter.Image, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, logwriter.Image{
			Base: uint64(img.Base),
			Size: uint64(img.Length),
			Path: img.Path,
		})
	}
	return out
}

func uuidBytes() [16]byte {
	return uuid.New()
}

func hostVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return cString(uts.Release[:])
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
