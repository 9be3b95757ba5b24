package logwriter

import (
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ReadReport parses one Report previously written by WriteReport. It
// tolerates a truncated trailing record (the last field in a
// truncated write may itself be cut short) by stopping at the first
// field it cannot fully decode rather than failing the whole read —
// symbolicating whatever survived is better than refusing a partial
// report.
func ReadReport(r io.Reader) (*Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			break
		}
		b = b[n:]

		var body []byte
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return report, nil
			}
			body = v
			b = b[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return report, nil
			}
			b = b[n:]
			continue
		default:
			return report, nil
		}

		switch num {
		case fieldReportInfo:
			report.ReportInfo = unmarshalReportInfo(body)
		case fieldSystemInfo:
			report.System = unmarshalSystemInfo(body)
		case fieldMachineInfo:
			report.Machine = unmarshalMachineInfo(body)
		case fieldAppInfo:
			report.Application = unmarshalAppInfo(body)
		case fieldProcessInfo:
			report.Process = unmarshalProcessInfo(body)
		case fieldThread:
			report.Threads = append(report.Threads, unmarshalThread(body))
		case fieldImage:
			report.Images = append(report.Images, unmarshalImage(body))
		case fieldException:
			ex := unmarshalException(body)
			report.Exception = &ex
		case fieldSignalInfo:
			report.Signal = unmarshalSignalInfo(body)
		}
	}
	return report, nil
}

func consumeFields(body []byte, each func(num protowire.Number, typ protowire.Type, b []byte) int) {
	b := body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return
		}
		b = b[n:]
		consumed := each(num, typ, b)
		if consumed < 0 {
			return
		}
		b = b[consumed:]
	}
}

func consumeString(b []byte) (string, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", n
	}
	return string(v), n
}

func unmarshalReportInfo(body []byte) ReportInfo {
	var ri ReportInfo
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldReportUserRequested:
			v, n := protowire.ConsumeVarint(b)
			ri.UserRequested = v != 0
			return n
		case fieldReportUUID:
			v, n := protowire.ConsumeBytes(b)
			copy(ri.UUID[:], v)
			return n
		default:
			return skip(typ, b)
		}
	})
	return ri
}

func unmarshalSystemInfo(body []byte) SystemInfo {
	var si SystemInfo
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldSystemVersion:
			v, n := consumeString(b)
			si.Version = v
			return n
		case fieldSystemBuild:
			v, n := consumeString(b)
			si.Build = v
			return n
		default:
			return skip(typ, b)
		}
	})
	return si
}

func unmarshalMachineInfo(body []byte) MachineInfo {
	var mi MachineInfo
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldMachineModel:
			v, n := consumeString(b)
			mi.Model = v
			return n
		case fieldMachineCPUType:
			v, n := protowire.ConsumeVarint(b)
			mi.CPUType = v
			return n
		case fieldMachineCPUSubtype:
			v, n := protowire.ConsumeVarint(b)
			mi.CPUSubtype = v
			return n
		case fieldMachineProcessorCount:
			v, n := protowire.ConsumeVarint(b)
			mi.ProcessorCount = uint32(v)
			return n
		case fieldMachineLogicalCount:
			v, n := protowire.ConsumeVarint(b)
			mi.LogicalProcessorCount = uint32(v)
			return n
		default:
			return skip(typ, b)
		}
	})
	return mi
}

func unmarshalAppInfo(body []byte) ApplicationInfo {
	var ai ApplicationInfo
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldAppIdentifier:
			v, n := consumeString(b)
			ai.Identifier = v
			return n
		case fieldAppVersion:
			v, n := consumeString(b)
			ai.Version = v
			return n
		default:
			return skip(typ, b)
		}
	})
	return ai
}

func unmarshalProcessInfo(body []byte) ProcessInfo {
	var pi ProcessInfo
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldProcessName:
			v, n := consumeString(b)
			pi.Name = v
			return n
		case fieldProcessID:
			v, n := protowire.ConsumeVarint(b)
			pi.ID = int32(v)
			return n
		case fieldProcessPath:
			v, n := consumeString(b)
			pi.Path = v
			return n
		case fieldParentProcessName:
			v, n := consumeString(b)
			pi.ParentName = v
			return n
		case fieldParentProcessID:
			v, n := protowire.ConsumeVarint(b)
			pi.ParentID = int32(v)
			return n
		case fieldProcessNative:
			v, n := protowire.ConsumeVarint(b)
			pi.Native = v != 0
			return n
		default:
			return skip(typ, b)
		}
	})
	return pi
}

func unmarshalThread(body []byte) Thread {
	var th Thread
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldThreadCrashed:
			v, n := protowire.ConsumeVarint(b)
			th.Crashed = v != 0
			return n
		case fieldThreadRegister:
			v, n := protowire.ConsumeBytes(b)
			th.Registers = append(th.Registers, unmarshalRegister(v))
			return n
		case fieldThreadFrame:
			v, n := protowire.ConsumeVarint(b)
			th.Frames = append(th.Frames, v)
			return n
		default:
			return skip(typ, b)
		}
	})
	return th
}

func unmarshalRegister(body []byte) Register {
	var reg Register
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldRegisterName:
			v, n := consumeString(b)
			reg.Name = v
			return n
		case fieldRegisterValue:
			v, n := protowire.ConsumeVarint(b)
			reg.Value = v
			return n
		default:
			return skip(typ, b)
		}
	})
	return reg
}

func unmarshalImage(body []byte) Image {
	var img Image
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldImageBase:
			v, n := protowire.ConsumeVarint(b)
			img.Base = v
			return n
		case fieldImageSize:
			v, n := protowire.ConsumeVarint(b)
			img.Size = v
			return n
		case fieldImageUUID:
			v, n := protowire.ConsumeBytes(b)
			copy(img.UUID[:], v)
			return n
		case fieldImagePath:
			v, n := consumeString(b)
			img.Path = v
			return n
		default:
			return skip(typ, b)
		}
	})
	return img
}

func unmarshalException(body []byte) ExceptionRecord {
	var ex ExceptionRecord
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldExceptionName:
			v, n := consumeString(b)
			ex.Name = v
			return n
		case fieldExceptionReason:
			v, n := consumeString(b)
			ex.Reason = v
			return n
		case fieldExceptionFrame:
			v, n := protowire.ConsumeVarint(b)
			ex.Frames = append(ex.Frames, v)
			return n
		default:
			return skip(typ, b)
		}
	})
	return ex
}

func unmarshalSignalInfo(body []byte) SignalInfo {
	var si SignalInfo
	consumeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldSignalNumber:
			v, n := protowire.ConsumeVarint(b)
			si.Number = int32(v)
			return n
		case fieldSignalCode:
			v, n := protowire.ConsumeVarint(b)
			si.Code = int32(v)
			return n
		case fieldSignalAddress:
			v, n := protowire.ConsumeVarint(b)
			si.Address = v
			return n
		default:
			return skip(typ, b)
		}
	})
	return si
}

func skip(typ protowire.Type, b []byte) int {
	switch typ {
	case protowire.VarintType:
		_, n := protowire.ConsumeVarint(b)
		return n
	case protowire.BytesType:
		_, n := protowire.ConsumeBytes(b)
		return n
	case protowire.Fixed32Type:
		_, n := protowire.ConsumeFixed32(b)
		return n
	case protowire.Fixed64Type:
		_, n := protowire.ConsumeFixed64(b)
		return n
	default:
		return -1
	}
}
