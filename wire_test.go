package sof_test

import (
	"encoding/binary"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/sof"
)

func TestCmdWord(t *testing.T) {
	cmd := sof.CmdWord(sof.SOF_IPC_GLB_STREAM_MSG, sof.SOF_IPC_STREAM_POSITION, 7)

	assert.Equal(t, uint32(0x600a0007), cmd)
	assert.Equal(t, sof.SOF_IPC_GLB_STREAM_MSG, sof.CmdClass(cmd))
	assert.Equal(t, sof.SOF_IPC_STREAM_POSITION, sof.CmdType(cmd))
	assert.Equal(t, uint16(7), sof.CmdMsgID(cmd))
}

func TestCmdString(t *testing.T) {
	tests := []struct {
		cmd  uint32
		want string
	}{
		{sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_PIPE_NEW, "GLB_TPLG_MSG: PIPE_NEW id=0"},
		{sof.CmdWord(sof.SOF_IPC_GLB_STREAM_MSG, sof.SOF_IPC_STREAM_TRIG_XRUN, 5), "GLB_STREAM_MSG: TRIG_XRUN id=5"},
		{sof.SOF_IPC_FW_READY, "FW_READY"},
		{sof.SOF_IPC_GLB_REPLY, "GLB_REPLY"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, sof.CmdString(tt.cmd))
		})
	}

	assert.Contains(t, sof.CmdString(0xe<<sof.SOF_GLB_TYPE_SHIFT), "unknown class")
	assert.Contains(t, sof.CmdString(sof.SOF_IPC_GLB_PM_MSG|0x0ff<<sof.SOF_CMD_TYPE_SHIFT), "unknown type")
}

func TestWireSizes(t *testing.T) {
	assert.Equal(t, sof.IpcHdrSize, binary.Size(sof.IpcCmdHdr{}))
	assert.Equal(t, 12, binary.Size(sof.IpcReply{}))
	assert.Equal(t, 88, sof.IpcCtrlDataSize, "control header")
	assert.Equal(t, sof.IpcCtrlValueSize, binary.Size(sof.IpcCtrlValueChan{}))
	assert.Equal(t, 20, binary.Size(sof.IpcPcmParamsReply{}))
	assert.Equal(t, 16, binary.Size(sof.IpcCompReply{}))
}

func TestEncodeFrame(t *testing.T) {
	cmd := sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_COMP_FREE
	frame := sof.EncodeFrame(cmd, sof.IpcFree{ID: 42}, []byte{1, 2, 3})

	hdr, err := sof.FrameHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(frame)), hdr.Size)
	assert.Equal(t, cmd, hdr.Cmd)
	assert.Equal(t, []byte{1, 2, 3}, frame[len(frame)-3:])

	var free sof.IpcFree
	require.NoError(t, sof.DecodeFrame(frame, &free))
	assert.Equal(t, uint32(42), free.ID)
	assert.Equal(t, uint32(len(frame)), free.Hdr.Size)
}

func TestDecodeShortFrame(t *testing.T) {
	var reply sof.IpcReply

	err := sof.DecodeFrame(make([]byte, 4), &reply)
	assert.True(t, errors.Is(err, syscall.EINVAL))

	_, err = sof.FrameHeader(make([]byte, 7))
	assert.True(t, errors.Is(err, syscall.EINVAL))
}

func TestValues(t *testing.T) {
	in := []sof.IpcCtrlValueChan{{Channel: 0, Value: 10}, {Channel: 1, Value: 20}}

	b := sof.EncodeValues(in)
	assert.Len(t, b, 2*sof.IpcCtrlValueSize)

	out, err := sof.DecodeValues(b, 2)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = sof.DecodeValues(b, 3)
	assert.True(t, errors.Is(err, syscall.EINVAL))
}

func TestReplySize(t *testing.T) {
	tests := []struct {
		name  string
		cmd   uint32
		frame int
		want  int
	}{
		{"comp new", sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_COMP_NEW, 60, 16},
		{"pipe new", sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_PIPE_NEW, 60, 16},
		{"comp free", sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_COMP_FREE, 12, 12},
		{"set value", sof.SOF_IPC_GLB_COMP_MSG | sof.SOF_IPC_COMP_SET_VALUE, 104, 104},
		{"core enable", sof.SOF_IPC_GLB_PM_MSG | sof.SOF_IPC_PM_CORE_ENABLE, 12, 12},
		{"ctx save", sof.SOF_IPC_GLB_PM_MSG | sof.SOF_IPC_PM_CTX_SAVE, 40, 12},
		{"pcm params", sof.SOF_IPC_GLB_STREAM_MSG | sof.SOF_IPC_STREAM_PCM_PARAMS, 100, 20},
		{"trigger", sof.SOF_IPC_GLB_STREAM_MSG | sof.SOF_IPC_STREAM_TRIG_START, 12, 12},
		{"dai config", sof.SOF_IPC_GLB_DAI_MSG | sof.SOF_IPC_DAI_CONFIG, 64, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sof.ReplySize(tt.cmd, tt.frame))
		})
	}
}

func TestAbiVersion(t *testing.T) {
	v := sof.AbiVersion(3, 17, 1)

	assert.Equal(t, uint32(3), sof.AbiMajor(v))
	assert.Equal(t, uint32(17), sof.AbiMinor(v))
	assert.Equal(t, uint32(1), sof.AbiPatch(v))
	assert.Equal(t, "3:17:1", sof.AbiString(v))

	assert.False(t, sof.AbiIncompatible(sof.SOF_ABI_VERSION, sof.AbiVersion(3, 1, 0)))
	assert.False(t, sof.AbiIncompatible(sof.SOF_ABI_VERSION, sof.AbiVersion(3, 99, 0)))
	assert.True(t, sof.AbiIncompatible(sof.SOF_ABI_VERSION, sof.AbiVersion(4, 0, 0)))
}

func TestDspError(t *testing.T) {
	err := &sof.DspError{Cmd: sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_COMP_NEW, Status: -int32(syscall.ENOMEM)}

	assert.True(t, errors.Is(err, syscall.ENOMEM))
	assert.Contains(t, err.Error(), "COMP_NEW")

	status, ok := sof.DspStatus(err)
	assert.True(t, ok)
	assert.Equal(t, -int32(syscall.ENOMEM), status)

	_, ok = sof.DspStatus(syscall.EINVAL)
	assert.False(t, ok)

	assert.True(t, errors.Is(sof.ErrPoweredOff, syscall.EBUSY))
	assert.True(t, errors.Is(sof.ErrNotReady, syscall.EAGAIN))
}
