package sof

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"
)

// All IPC structures are packed and little endian. Each outgoing structure
// starts with an IpcCmdHdr whose Size covers the whole frame, tail included.

// IpcCmdHdr is the common header of every IPC frame.
type IpcCmdHdr struct {
	Size uint32
	Cmd  uint32
}

// IpcHdrSize is the encoded size of IpcCmdHdr.
const IpcHdrSize = 8

// IpcHdr is the size-only header of a nested parameter block.
type IpcHdr struct {
	Size uint32
}

// IpcReply is the generic reply to a host request.
type IpcReply struct {
	Hdr   IpcCmdHdr
	Error int32 // Negative errno on failure.
}

// IpcFree releases a component, buffer or pipeline by id.
type IpcFree struct {
	Hdr IpcCmdHdr
	ID  uint32
}

// IpcCompConfig carries the common audio configuration of a component.
type IpcCompConfig struct {
	Size          uint32
	PeriodsSink   uint32
	PeriodsSource uint32
	Reserved1     uint32
	FrameFmt      uint32
	XrunAction    uint32
	Reserved      [2]uint32
}

// IpcComp is the generic component descriptor sent with COMP_NEW.
type IpcComp struct {
	Hdr           IpcCmdHdr
	ID            uint32
	Type          CompType
	PipelineID    uint32
	Core          uint32
	ExtDataLength uint32
}

// IpcBuffer describes a buffer component.
type IpcBuffer struct {
	Comp     IpcComp
	Size     uint32
	Caps     uint32
	Flags    uint32
	Reserved [3]uint32
}

// IpcCompDai describes a DAI endpoint component.
type IpcCompDai struct {
	Comp      IpcComp
	Config    IpcCompConfig
	Direction uint32
	DaiIndex  uint32
	Type      DaiType
	Reserved  uint32
}

// IpcPipeNew creates a pipeline scheduler.
type IpcPipeNew struct {
	Hdr            IpcCmdHdr
	CompID         uint32
	PipelineID     uint32
	SchedID        uint32 // Component id of the scheduling component.
	Core           uint32
	Period         uint32 // Scheduling period in microseconds.
	Priority       uint32
	PeriodMips     uint32
	FramesPerSched uint32
	XrunLimitUsecs uint32
	TimeDomain     uint32
}

// IpcPipeReady completes a pipeline.
type IpcPipeReady struct {
	Hdr    IpcCmdHdr
	CompID uint32
}

// IpcPipeCompConnect connects two components.
type IpcPipeCompConnect struct {
	Hdr      IpcCmdHdr
	SourceID uint32
	SinkID   uint32
}

// IpcPmCoreConfig sets the mask of enabled DSP cores.
type IpcPmCoreConfig struct {
	Hdr        IpcCmdHdr
	EnableMask uint32
}

// IpcPmCtx saves or restores the firmware context.
type IpcPmCtx struct {
	Hdr      IpcCmdHdr
	Reserved [8]uint32
}

// IpcDaiConfig is the fixed part of a DAI configuration. The hardware
// specific parameters follow it on the wire.
type IpcDaiConfig struct {
	Hdr      IpcCmdHdr
	Type     DaiType
	DaiIndex uint32
	Format   uint16
	GroupID  uint8
	Flags    uint8
	Reserved [8]uint32
}

// IpcDaiHdaParams are the HDA specific DAI parameters.
type IpcDaiHdaParams struct {
	Hdr       IpcHdr
	LinkDmaCh uint32
	Rate      uint32
	Channels  uint32
}

// IpcDaiSspParams are the SSP specific DAI parameters.
type IpcDaiSspParams struct {
	Hdr                   IpcHdr
	Reserved0             uint32
	MclkID                uint16
	MclkDirection         uint8
	Reserved1             uint8
	MclkRate              uint32
	Fsync                 uint32
	Bclk                  uint32
	Tdm                   uint32
	TdmSlots              uint32
	RxSlots               uint32
	TxSlots               uint32
	SampleValidBits       uint32
	TdmSlotWidth          uint16
	Reserved2             uint16
	MclkID2               uint32
	QuirkFlags            uint32
	TdmPerSlotPaddingFlag uint32
	BclkDelay             uint32
}

// IpcHostBuffer references a host page table. Unused for mailbox transfers.
type IpcHostBuffer struct {
	PhyAddr  uint32
	Pages    uint32
	Size     uint32
	Reserved [3]uint32
}

// IpcCtrlData is the fixed header of a control get/set message.
// Channel values or binary data follow it on the wire.
type IpcCtrlData struct {
	Rhdr           IpcReply
	CompID         uint32
	Type           CtrlType
	Cmd            CtrlCmd
	Index          uint32
	Buffer         IpcHostBuffer
	NumElems       uint32 // Channels for value types, bytes for data types.
	ElemsRemaining uint32
	MsgIndex       uint32
	Reserved       [6]uint32
}

// IpcCtrlDataSize is the encoded size of IpcCtrlData.
var IpcCtrlDataSize = binary.Size(IpcCtrlData{})

// IpcCtrlValueChan is one channel value of a VOLUME/SWITCH/ENUM control.
type IpcCtrlValueChan struct {
	Channel uint32
	Value   uint32
}

// IpcCtrlValueSize is the encoded size of one channel value.
const IpcCtrlValueSize = 8

// IpcStream addresses a stream by host component id.
type IpcStream struct {
	Hdr    IpcCmdHdr
	CompID uint32
}

// IpcStreamParams describes PCM parameters for a host component.
type IpcStreamParams struct {
	Hdr                  IpcCmdHdr
	Buffer               IpcHostBuffer
	Direction            uint32
	FrameFmt             uint32
	BufferFmt            uint32
	Rate                 uint32
	StreamTag            uint16
	Channels             uint16
	SampleValidBytes     uint16
	SampleContainerBytes uint16
	HostPeriodBytes      uint32
	NoStreamPosition     uint16
	Reserved             [3]uint16
	ChmapReserved        [8]uint16
}

// IpcPcmParams carries stream parameters for PCM_PARAMS.
type IpcPcmParams struct {
	Hdr      IpcCmdHdr
	CompID   uint32
	Flags    uint32
	Reserved [2]uint32
	Params   IpcStreamParams
}

// IpcPcmParamsReply is the reply to PCM_PARAMS.
type IpcPcmParamsReply struct {
	Rhdr       IpcReply
	CompID     uint32
	PosnOffset uint32
}

// IpcStreamPosn is a firmware stream position or xrun notification.
type IpcStreamPosn struct {
	Rhdr        IpcReply
	CompID      uint32
	Flags       uint32
	WallclockHz uint32
	TimestampNs uint32
	HostPosn    uint64
	DaiPosn     uint64
	CompPosn    uint64
	Wallclock   uint64
	Timestamp   uint64
	XrunCompID  uint32
	XrunSize    int32
}

// IpcDmaTracePosn reports the firmware trace write position.
type IpcDmaTracePosn struct {
	Rhdr       IpcReply
	HostOffset uint32
	Overflow   uint32
	Messages   uint32
}

// IpcFwVersion identifies the firmware build.
type IpcFwVersion struct {
	Hdr        IpcCmdHdr
	Major      uint16
	Minor      uint16
	Micro      uint16
	Build      uint16
	Date       [12]byte
	Time       [10]byte
	Tag        [6]byte
	AbiVersion uint32
	SrcHash    uint32
	Reserved   [3]uint32
}

// IpcFwReady is the first message the firmware sends after boot.
type IpcFwReady struct {
	Hdr           IpcCmdHdr
	DspboxOffset  uint32
	HostboxOffset uint32
	DspboxSize    uint32
	HostboxSize   uint32
	Version       IpcFwVersion
	Flags         uint64
	Reserved      [4]uint32
}

// EncodeFrame serializes v, appends tail and fills in the header of the frame.
// v must start with an IpcCmdHdr or an IpcReply.
func EncodeFrame(cmd uint32, v any, tail []byte) []byte {
	buf, err := binary.Append(make([]byte, 0, binary.Size(v)+len(tail)), binary.LittleEndian, v)
	if err != nil {
		// Only fixed-size structures are passed here.
		panic(fmt.Sprintf("sof: encode %T: %v", v, err))
	}

	buf = append(buf, tail...)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], cmd)

	return buf
}

// encodeParams serializes a nested parameter block and fills in its size.
// v must start with an IpcHdr.
func encodeParams(v any) []byte {
	buf, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Sprintf("sof: encode %T: %v", v, err))
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))

	return buf
}

// DecodeFrame reads a fixed-size structure from the start of b.
func DecodeFrame(b []byte, v any) error {
	if n := binary.Size(v); len(b) < n {
		return fmt.Errorf("short frame for %T: %d < %d: %w", v, len(b), n, syscall.EINVAL)
	}

	if _, err := binary.Decode(b, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("decode %T failed: %w", v, err)
	}

	return nil
}

// FrameHeader returns the header at the start of b.
func FrameHeader(b []byte) (IpcCmdHdr, error) {
	var hdr IpcCmdHdr
	if len(b) < IpcHdrSize {
		return hdr, fmt.Errorf("short frame: %d bytes: %w", len(b), syscall.EINVAL)
	}

	hdr.Size = binary.LittleEndian.Uint32(b[0:4])
	hdr.Cmd = binary.LittleEndian.Uint32(b[4:8])

	return hdr, nil
}

// EncodeValues serializes channel values for a value control.
func EncodeValues(values []IpcCtrlValueChan) []byte {
	buf := make([]byte, 0, len(values)*IpcCtrlValueSize)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, v.Channel)
		buf = binary.LittleEndian.AppendUint32(buf, v.Value)
	}

	return buf
}

// DecodeValues parses n channel values.
func DecodeValues(b []byte, n int) ([]IpcCtrlValueChan, error) {
	if len(b) < n*IpcCtrlValueSize {
		return nil, fmt.Errorf("short value payload: %d bytes for %d channels: %w", len(b), n, syscall.EINVAL)
	}

	values := make([]IpcCtrlValueChan, n)
	for i := range values {
		off := i * IpcCtrlValueSize
		values[i].Channel = binary.LittleEndian.Uint32(b[off:])
		values[i].Value = binary.LittleEndian.Uint32(b[off+4:])
	}

	return values, nil
}

// cString converts a null-terminated byte array to a Go string.
func cString(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		return string(b)
	}

	return string(b[:i])
}

// IpcCompReply is the reply to COMP_NEW, BUFFER_NEW and PIPE_NEW.
type IpcCompReply struct {
	Rhdr   IpcReply
	Offset uint32
}

// ReplySize returns the size of the reply the firmware sends for a host
// frame of frameSize bytes with header word cmd.
func ReplySize(cmd uint32, frameSize int) int {
	switch CmdClass(cmd) {
	case SOF_IPC_GLB_TPLG_MSG:
		switch CmdType(cmd) {
		case SOF_IPC_TPLG_COMP_NEW, SOF_IPC_TPLG_BUFFER_NEW, SOF_IPC_TPLG_PIPE_NEW:
			return binary.Size(IpcCompReply{})
		}
	case SOF_IPC_GLB_COMP_MSG:
		return frameSize
	case SOF_IPC_GLB_PM_MSG:
		if CmdType(cmd) == SOF_IPC_PM_CORE_ENABLE {
			return frameSize
		}
	case SOF_IPC_GLB_STREAM_MSG:
		if CmdType(cmd) == SOF_IPC_STREAM_PCM_PARAMS {
			return binary.Size(IpcPcmParamsReply{})
		}
	}

	return binary.Size(IpcReply{})
}
