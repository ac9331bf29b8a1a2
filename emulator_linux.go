package sof

import (
	"context"
	"encoding/binary"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// DefaultPosnOffset is the mailbox offset the emulator reports for stream positions.
const DefaultPosnOffset = 0x100

type emuStream struct {
	periodBytes uint32
	running     bool
	posn        uint64
}

// Emulator is a minimal firmware behind the DSP role of a ShmMailbox. It
// tracks components, control data and host streams, and answers every request
// with the reply size the host expects.
type Emulator struct {
	logger  klog.Logger
	version IpcFwVersion

	mu      sync.Mutex
	comps   map[uint32]uint32 // Component id to its construction command.
	cores   uint32
	values  map[uint32][]IpcCtrlValueChan
	data    map[uint32][]byte
	streams map[uint32]*emuStream
}

// NewEmulator returns an emulator reporting the given ABI version, or
// SOF_ABI_VERSION when abi is 0.
func NewEmulator(logger klog.Logger, abi uint32) *Emulator {
	if abi == 0 {
		abi = SOF_ABI_VERSION
	}

	e := &Emulator{
		logger: logger.WithName("emulator"),
		version: IpcFwVersion{
			Major:      2,
			Minor:      2,
			Micro:      0,
			AbiVersion: abi,
		},
	}
	copy(e.version.Tag[:], "emu")
	e.reset()

	return e
}

func (e *Emulator) reset() {
	e.comps = make(map[uint32]uint32)
	e.cores = 1
	e.values = make(map[uint32][]IpcCtrlValueChan)
	e.data = make(map[uint32][]byte)
	e.streams = make(map[uint32]*emuStream)
}

// Boot drops the firmware state and posts FW_READY.
func (e *Emulator) Boot(ctx context.Context, mb *ShmMailbox) {
	e.mu.Lock()
	e.reset()
	e.mu.Unlock()

	if err := mb.Notify(ctx, e.ReadyFrame(), time.Second); err != nil {
		e.logger.Error(err, "Failed to post FW_READY")

		return
	}

	e.logger.Info("Firmware booted", "abi", AbiString(e.version.AbiVersion))
}

// ReadyFrame returns the FW_READY message of the emulator.
func (e *Emulator) ReadyFrame() []byte {
	ready := IpcFwReady{
		DspboxOffset:  shmDspBox,
		HostboxOffset: shmHostBox,
		DspboxSize:    SOF_IPC_MSG_MAX_SIZE,
		HostboxSize:   SOF_IPC_MSG_MAX_SIZE,
		Version:       e.version,
	}

	return EncodeFrame(SOF_IPC_FW_READY, ready, nil)
}

// Components returns the number of live components.
func (e *Emulator) Components() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.comps)
}

// Cores returns the core mask last enabled by the host.
func (e *Emulator) Cores() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cores
}

// HandleRequest returns the reply to a host request.
func (e *Emulator) HandleRequest(frame []byte) []byte {
	hdr, err := FrameHeader(frame)
	if err != nil {
		return errorReply(syscall.EINVAL)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.V(4).Info("Request", "msg", CmdString(hdr.Cmd), "size", hdr.Size)

	switch CmdClass(hdr.Cmd) {
	case SOF_IPC_GLB_TPLG_MSG:
		return e.topology(hdr.Cmd, frame)
	case SOF_IPC_GLB_PM_MSG:
		return e.pm(hdr.Cmd, frame)
	case SOF_IPC_GLB_COMP_MSG:
		return e.control(hdr.Cmd, frame)
	case SOF_IPC_GLB_STREAM_MSG:
		return e.stream(hdr.Cmd, frame)
	case SOF_IPC_GLB_DAI_MSG, SOF_IPC_GLB_TRACE_MSG, SOF_IPC_GLB_TEST_MSG:
		return EncodeFrame(SOF_IPC_GLB_REPLY, IpcReply{}, nil)
	default:
		return errorReply(syscall.EINVAL)
	}
}

func errorReply(errno syscall.Errno) []byte {
	return EncodeFrame(SOF_IPC_GLB_REPLY, IpcReply{Error: -int32(errno)}, nil)
}

// frameID reads the first word after the header, the component id of most requests.
func frameID(frame []byte) (uint32, bool) {
	if len(frame) < IpcHdrSize+4 {
		return 0, false
	}

	return binary.LittleEndian.Uint32(frame[IpcHdrSize:]), true
}

func (e *Emulator) topology(cmd uint32, frame []byte) []byte {
	id, ok := frameID(frame)
	if !ok {
		return errorReply(syscall.EINVAL)
	}

	switch CmdType(cmd) {
	case SOF_IPC_TPLG_COMP_NEW, SOF_IPC_TPLG_BUFFER_NEW, SOF_IPC_TPLG_PIPE_NEW:
		if _, ok := e.comps[id]; ok {
			return errorReply(syscall.EEXIST)
		}

		e.comps[id] = cmd

		return EncodeFrame(SOF_IPC_GLB_REPLY, IpcCompReply{}, nil)
	case SOF_IPC_TPLG_COMP_FREE, SOF_IPC_TPLG_BUFFER_FREE, SOF_IPC_TPLG_PIPE_FREE:
		if _, ok := e.comps[id]; !ok {
			return errorReply(syscall.ENODEV)
		}

		delete(e.comps, id)
	case SOF_IPC_TPLG_COMP_CONNECT:
		var c IpcPipeCompConnect
		if err := DecodeFrame(frame, &c); err != nil {
			return errorReply(syscall.EINVAL)
		}

		if _, ok := e.comps[c.SourceID]; !ok {
			return errorReply(syscall.ENODEV)
		}

		if _, ok := e.comps[c.SinkID]; !ok {
			return errorReply(syscall.ENODEV)
		}
	case SOF_IPC_TPLG_PIPE_COMPLETE:
		if _, ok := e.comps[id]; !ok {
			return errorReply(syscall.ENODEV)
		}
	}

	return EncodeFrame(SOF_IPC_GLB_REPLY, IpcReply{}, nil)
}

func (e *Emulator) pm(cmd uint32, frame []byte) []byte {
	switch CmdType(cmd) {
	case SOF_IPC_PM_CORE_ENABLE:
		var cfg IpcPmCoreConfig
		if err := DecodeFrame(frame, &cfg); err != nil {
			return errorReply(syscall.EINVAL)
		}

		e.cores = cfg.EnableMask

		return echoReply(frame)
	case SOF_IPC_PM_CTX_SAVE, SOF_IPC_PM_CTX_RESTORE:
		e.logger.V(2).Info("Context", "msg", CmdString(cmd))
	}

	return EncodeFrame(SOF_IPC_GLB_REPLY, IpcReply{}, nil)
}

// echoReply returns a successful reply carrying the request body.
func echoReply(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	binary.LittleEndian.PutUint32(out[4:8], SOF_IPC_GLB_REPLY)
	binary.LittleEndian.PutUint32(out[8:12], 0)

	return out
}

func (e *Emulator) control(cmd uint32, frame []byte) []byte {
	var cdata IpcCtrlData
	if err := DecodeFrame(frame, &cdata); err != nil {
		return errorReply(syscall.EINVAL)
	}

	if _, ok := e.comps[cdata.CompID]; !ok {
		return errorReply(syscall.ENODEV)
	}

	out := echoReply(frame)
	payload := out[IpcCtrlDataSize:]
	offset := int(cdata.MsgIndex) * (SOF_IPC_MSG_MAX_SIZE - IpcCtrlDataSize)

	switch CmdType(cmd) {
	case SOF_IPC_COMP_SET_VALUE:
		values, err := DecodeValues(payload, int(cdata.NumElems))
		if err != nil {
			return errorReply(syscall.EINVAL)
		}

		e.values[cdata.CompID] = values
	case SOF_IPC_COMP_GET_VALUE:
		values := make([]IpcCtrlValueChan, cdata.NumElems)
		for i := range values {
			values[i].Channel = uint32(i)
		}

		copy(values, e.values[cdata.CompID])
		copy(payload, EncodeValues(values))
	case SOF_IPC_COMP_SET_DATA:
		stored := e.data[cdata.CompID]
		if cdata.MsgIndex == 0 {
			stored = nil
		}

		e.data[cdata.CompID] = append(stored, payload...)
	case SOF_IPC_COMP_GET_DATA:
		if stored := e.data[cdata.CompID]; offset < len(stored) {
			copy(payload, stored[offset:])
		}
	default:
		return errorReply(syscall.EINVAL)
	}

	return out
}

func (e *Emulator) stream(cmd uint32, frame []byte) []byte {
	id, ok := frameID(frame)
	if !ok {
		return errorReply(syscall.EINVAL)
	}

	if _, ok := e.comps[id]; !ok {
		return errorReply(syscall.ENODEV)
	}

	s := e.streams[id]

	switch CmdType(cmd) {
	case SOF_IPC_STREAM_PCM_PARAMS:
		var params IpcPcmParams
		if err := DecodeFrame(frame, &params); err != nil {
			return errorReply(syscall.EINVAL)
		}

		e.streams[id] = &emuStream{periodBytes: params.Params.HostPeriodBytes}

		return EncodeFrame(SOF_IPC_GLB_REPLY, IpcPcmParamsReply{CompID: id, PosnOffset: DefaultPosnOffset}, nil)
	case SOF_IPC_STREAM_PCM_FREE:
		delete(e.streams, id)
	case SOF_IPC_STREAM_TRIG_START, SOF_IPC_STREAM_TRIG_RELEASE:
		if s == nil {
			return errorReply(syscall.EINVAL)
		}

		s.running = true
	case SOF_IPC_STREAM_TRIG_STOP, SOF_IPC_STREAM_TRIG_PAUSE, SOF_IPC_STREAM_TRIG_DRAIN:
		if s == nil {
			return errorReply(syscall.EINVAL)
		}

		s.running = false
	}

	return EncodeFrame(SOF_IPC_GLB_REPLY, IpcReply{}, nil)
}

// Positions advances every running stream by one period and returns the
// position notifications to post.
func (e *Emulator) Positions() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var frames [][]byte
	for id, s := range e.streams {
		if !s.running {
			continue
		}

		s.posn += uint64(s.periodBytes)

		posn := IpcStreamPosn{CompID: id, HostPosn: s.posn, DaiPosn: s.posn, Wallclock: uint64(time.Now().UnixNano())}
		frames = append(frames, EncodeFrame(CmdWord(SOF_IPC_GLB_STREAM_MSG, SOF_IPC_STREAM_POSITION, uint16(id)), posn, nil))
	}

	return frames
}
