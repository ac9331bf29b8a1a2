package sof_test

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2/ktesting"

	"github.com/gen2brain/sof"
)

// fakeFirmware is an in-process DSP. It implements sof.Transport and
// sof.PowerOps, records every frame and replies from its own goroutine.
type fakeFirmware struct {
	mu     sync.Mutex
	dev    *sof.Device
	frames [][]byte
	events []string
	reply  []byte
	msg    []byte

	abi     uint32
	delay   time.Duration
	noBoot  bool
	powered bool
	pstate  sof.PowerState
	cores   []uint32

	// fail returns a negative status to reject a frame, 0 to accept it.
	fail func(cmd uint32, frame []byte) int32
	// drop swallows the reply to a frame.
	drop func(cmd uint32) bool

	data   map[uint32][]byte
	values map[uint32][]uint32
}

func newFakeFirmware() *fakeFirmware {
	return &fakeFirmware{
		abi:    sof.SOF_ABI_VERSION,
		data:   make(map[uint32][]byte),
		values: make(map[uint32][]uint32),
	}
}

// newTestDevice returns a booted device on a fake firmware.
func newTestDevice(t *testing.T, opts *sof.Options) (*sof.Device, *fakeFirmware) {
	t.Helper()

	fw := newFakeFirmware()
	dev := newUnbootedDevice(t, fw, opts)

	require.NoError(t, dev.Boot())
	fw.reset()

	return dev, fw
}

func newUnbootedDevice(t *testing.T, fw *fakeFirmware, opts *sof.Options) *sof.Device {
	t.Helper()

	var o sof.Options
	if opts != nil {
		o = *opts
	}

	if o.IpcTimeout == 0 {
		o.IpcTimeout = 200 * time.Millisecond
	}

	if o.BootTimeout == 0 {
		o.BootTimeout = 500 * time.Millisecond
	}

	logger, _ := ktesting.NewTestContext(t)
	o.Logger = logger

	dev, err := sof.NewDevice(fw, fw, &o)
	require.NoError(t, err)

	fw.mu.Lock()
	fw.dev = dev
	fw.mu.Unlock()

	t.Cleanup(func() {
		_ = dev.Close()
	})

	return dev
}

// reset clears the recorded frames and events.
func (f *fakeFirmware) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.frames = nil
	f.events = nil
}

// Frames returns the recorded frames.
func (f *fakeFirmware) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]byte(nil), f.frames...)
}

// Cmds returns the header word of every recorded frame.
func (f *fakeFirmware) Cmds() []uint32 {
	var cmds []uint32
	for _, b := range f.Frames() {
		hdr, _ := sof.FrameHeader(b)
		cmds = append(cmds, hdr.Cmd)
	}

	return cmds
}

// Events returns the recorded power operations.
func (f *fakeFirmware) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.events...)
}

// indexOf returns the position of frame among the recorded frames or -1.
func (f *fakeFirmware) indexOf(frame []byte) int {
	for i, b := range f.Frames() {
		if bytes.Equal(b, frame) {
			return i
		}
	}

	return -1
}

func (f *fakeFirmware) Send(frame []byte) error {
	hdr, err := sof.FrameHeader(frame)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	drop := f.drop != nil && f.drop(hdr.Cmd)
	if !drop {
		f.reply = f.respond(hdr.Cmd, frame)
	}
	dev, delay := f.dev, f.delay
	f.mu.Unlock()

	if drop {
		return nil
	}

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}

		_ = dev.OnReplyReceived()
	}()

	return nil
}

func (f *fakeFirmware) ReadReply(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return copy(b, f.reply), nil
}

func (f *fakeFirmware) ReadMessage(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return copy(b, f.msg), nil
}

// notify posts a notification and runs the message handler on the calling goroutine.
func (f *fakeFirmware) notify(frame []byte) error {
	f.mu.Lock()
	f.msg = append([]byte(nil), frame...)
	dev := f.dev
	f.mu.Unlock()

	return dev.OnMessageAvailable()
}

// respond builds the reply to a frame. The caller holds mu.
func (f *fakeFirmware) respond(cmd uint32, frame []byte) []byte {
	reply := sof.SOF_IPC_GLB_REPLY

	if f.fail != nil {
		if status := f.fail(cmd, frame); status < 0 {
			return sof.EncodeFrame(reply, sof.IpcReply{Error: status}, nil)
		}
	}

	switch sof.CmdClass(cmd) {
	case sof.SOF_IPC_GLB_TPLG_MSG:
		switch sof.CmdType(cmd) {
		case sof.SOF_IPC_TPLG_COMP_NEW, sof.SOF_IPC_TPLG_BUFFER_NEW, sof.SOF_IPC_TPLG_PIPE_NEW:
			return sof.EncodeFrame(reply, sof.IpcCompReply{}, nil)
		}
	case sof.SOF_IPC_GLB_PM_MSG:
		if sof.CmdType(cmd) == sof.SOF_IPC_PM_CORE_ENABLE {
			return echo(frame)
		}
	case sof.SOF_IPC_GLB_STREAM_MSG:
		if sof.CmdType(cmd) == sof.SOF_IPC_STREAM_PCM_PARAMS {
			var params sof.IpcPcmParams
			_ = sof.DecodeFrame(frame, &params)

			return sof.EncodeFrame(reply, sof.IpcPcmParamsReply{CompID: params.CompID, PosnOffset: 0x100}, nil)
		}
	case sof.SOF_IPC_GLB_COMP_MSG:
		return f.control(cmd, frame)
	}

	return sof.EncodeFrame(reply, sof.IpcReply{}, nil)
}

// control stores or returns control data. Chunks land at MsgIndex times the chunk capacity.
func (f *fakeFirmware) control(cmd uint32, frame []byte) []byte {
	var cdata sof.IpcCtrlData
	_ = sof.DecodeFrame(frame, &cdata)

	out := echo(frame)
	payload := out[sof.IpcCtrlDataSize:]
	capacity := sof.SOF_IPC_MSG_MAX_SIZE - sof.IpcCtrlDataSize
	offset := int(cdata.MsgIndex) * capacity

	switch sof.CmdType(cmd) {
	case sof.SOF_IPC_COMP_SET_DATA:
		stored := f.data[cdata.CompID]
		if cdata.MsgIndex == 0 {
			stored = nil
		}

		f.data[cdata.CompID] = append(stored, payload...)
	case sof.SOF_IPC_COMP_GET_DATA:
		stored := f.data[cdata.CompID]
		if offset < len(stored) {
			copy(payload, stored[offset:])
		}
	case sof.SOF_IPC_COMP_SET_VALUE:
		chans, _ := sof.DecodeValues(payload, int(cdata.NumElems))

		values := make([]uint32, len(chans))
		for i, ch := range chans {
			values[i] = ch.Value
		}

		f.values[cdata.CompID] = values
	case sof.SOF_IPC_COMP_GET_VALUE:
		values := f.values[cdata.CompID]

		chans := make([]sof.IpcCtrlValueChan, cdata.NumElems)
		for i := range chans {
			chans[i].Channel = uint32(i)
			if i < len(values) {
				chans[i].Value = values[i]
			}
		}

		copy(payload, sof.EncodeValues(chans))
	}

	return out
}

// echo returns a successful reply of the same size as frame.
func echo(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	binary.LittleEndian.PutUint32(out[4:8], sof.SOF_IPC_GLB_REPLY)
	binary.LittleEndian.PutUint32(out[8:12], 0)

	return out
}

func (f *fakeFirmware) event(e string) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeFirmware) PowerUp() error {
	f.mu.Lock()
	f.powered = true
	f.pstate = sof.SOF_DSP_PM_D0
	f.mu.Unlock()

	f.event("power-up")

	return nil
}

func (f *fakeFirmware) PowerDown() error {
	f.mu.Lock()
	f.powered = false
	f.pstate = sof.SOF_DSP_PM_D3
	f.mu.Unlock()

	f.event("power-down")

	return nil
}

func (f *fakeFirmware) RunFirmware() error {
	f.event("run")

	f.mu.Lock()
	noBoot, abi := f.noBoot, f.abi
	f.mu.Unlock()

	if noBoot {
		return nil
	}

	go func() {
		_ = f.notify(fwReadyFrame(abi))
	}()

	return nil
}

func (f *fakeFirmware) SetPowerState(state sof.PowerState) error {
	f.mu.Lock()
	f.pstate = state
	f.mu.Unlock()

	f.event("pstate-" + state.String())

	return nil
}

func (f *fakeFirmware) CorePowerUp(mask uint32) error {
	f.mu.Lock()
	f.cores = append(f.cores, mask)
	f.mu.Unlock()

	return nil
}

// fwReadyFrame builds a FW_READY message for a firmware with the given ABI.
func fwReadyFrame(abi uint32) []byte {
	ready := sof.IpcFwReady{
		DspboxSize:  sof.SOF_IPC_MSG_MAX_SIZE,
		HostboxSize: sof.SOF_IPC_MSG_MAX_SIZE,
		Version: sof.IpcFwVersion{
			Major:      1,
			Minor:      9,
			Micro:      3,
			AbiVersion: abi,
		},
	}
	copy(ready.Version.Tag[:], "test")

	return sof.EncodeFrame(sof.SOF_IPC_FW_READY, ready, nil)
}

// posnFrame builds a stream notification for a host component.
func posnFrame(typ uint32, compID uint32, hostPosn uint64) []byte {
	posn := sof.IpcStreamPosn{CompID: compID, HostPosn: hostPosn}

	return sof.EncodeFrame(sof.CmdWord(sof.SOF_IPC_GLB_STREAM_MSG, typ, uint16(compID)), posn, nil)
}
