// Package sof provides the host side of the Sound Open Firmware IPC protocol: a serialized
// request/reply channel over a shared-memory mailbox, routing of firmware notifications,
// and the save/destroy/restore lifecycle of the DSP audio pipeline across power transitions.
package sof

// IPC header word layout. The class lives in the top nibble, the type in the next
// 12 bits and the low 16 bits carry a message id (usually a component id).
const (
	SOF_GLB_TYPE_SHIFT = 28
	SOF_GLB_TYPE_MASK  = 0xf << SOF_GLB_TYPE_SHIFT
	SOF_CMD_TYPE_SHIFT = 16
	SOF_CMD_TYPE_MASK  = 0xfff << SOF_CMD_TYPE_SHIFT
	SOF_MSG_ID_MASK    = 0xffff
)

// SOF_IPC_MSG_MAX_SIZE is the largest frame, header included, that fits in a mailbox.
const SOF_IPC_MSG_MAX_SIZE = 384

// Global message classes.
const (
	SOF_IPC_GLB_REPLY      uint32 = 0x1 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_COMPOUND   uint32 = 0x2 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_TPLG_MSG   uint32 = 0x3 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_PM_MSG     uint32 = 0x4 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_COMP_MSG   uint32 = 0x5 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_STREAM_MSG uint32 = 0x6 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_FW_READY       uint32 = 0x7 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_DAI_MSG    uint32 = 0x8 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_TRACE_MSG  uint32 = 0x9 << SOF_GLB_TYPE_SHIFT
	SOF_IPC_GLB_TEST_MSG   uint32 = 0xb << SOF_GLB_TYPE_SHIFT
)

// Topology message types.
const (
	SOF_IPC_TPLG_COMP_NEW      uint32 = 0x001 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_COMP_FREE     uint32 = 0x002 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_COMP_CONNECT  uint32 = 0x003 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_PIPE_NEW      uint32 = 0x010 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_PIPE_FREE     uint32 = 0x011 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_PIPE_CONNECT  uint32 = 0x012 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_PIPE_COMPLETE uint32 = 0x013 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_BUFFER_NEW    uint32 = 0x020 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TPLG_BUFFER_FREE   uint32 = 0x021 << SOF_CMD_TYPE_SHIFT
)

// Power management message types.
const (
	SOF_IPC_PM_CTX_SAVE    uint32 = 0x001 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_PM_CTX_RESTORE uint32 = 0x002 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_PM_CTX_SIZE    uint32 = 0x003 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_PM_CLK_SET     uint32 = 0x004 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_PM_CLK_GET     uint32 = 0x005 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_PM_CLK_REQ     uint32 = 0x006 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_PM_CORE_ENABLE uint32 = 0x007 << SOF_CMD_TYPE_SHIFT
)

// Component runtime message types.
const (
	SOF_IPC_COMP_SET_VALUE uint32 = 0x001 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_COMP_GET_VALUE uint32 = 0x002 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_COMP_SET_DATA  uint32 = 0x003 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_COMP_GET_DATA  uint32 = 0x004 << SOF_CMD_TYPE_SHIFT
)

// DAI message types.
const (
	SOF_IPC_DAI_CONFIG   uint32 = 0x001 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_DAI_LOOPBACK uint32 = 0x002 << SOF_CMD_TYPE_SHIFT
)

// Stream message types.
const (
	SOF_IPC_STREAM_PCM_PARAMS       uint32 = 0x001 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_PCM_PARAMS_REPLY uint32 = 0x002 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_PCM_FREE         uint32 = 0x003 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_TRIG_START       uint32 = 0x004 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_TRIG_STOP        uint32 = 0x005 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_TRIG_PAUSE       uint32 = 0x006 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_TRIG_RELEASE     uint32 = 0x007 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_TRIG_DRAIN       uint32 = 0x008 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_TRIG_XRUN        uint32 = 0x009 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_STREAM_POSITION         uint32 = 0x00a << SOF_CMD_TYPE_SHIFT
)

// Trace message types.
const (
	SOF_IPC_TRACE_DMA_PARAMS   uint32 = 0x001 << SOF_CMD_TYPE_SHIFT
	SOF_IPC_TRACE_DMA_POSITION uint32 = 0x002 << SOF_CMD_TYPE_SHIFT
)

// Test message types.
const (
	SOF_IPC_TEST_IPC_FLOOD uint32 = 0x001 << SOF_CMD_TYPE_SHIFT
)

// CtrlCmd identifies the kind of value a control carries.
// These values correspond to enum sof_ipc_ctrl_cmd.
type CtrlCmd uint32

const (
	SOF_CTRL_CMD_VOLUME CtrlCmd = 0 // Volume, one value per channel.
	SOF_CTRL_CMD_ENUM   CtrlCmd = 1 // Enumerated item, one value per channel.
	SOF_CTRL_CMD_SWITCH CtrlCmd = 2 // Mute/unmute switch, one value per channel.
	SOF_CTRL_CMD_BINARY CtrlCmd = 3 // Opaque binary blob.
)

// String returns the name of the control kind.
func (c CtrlCmd) String() string {
	switch c {
	case SOF_CTRL_CMD_VOLUME:
		return "VOLUME"
	case SOF_CTRL_CMD_ENUM:
		return "ENUM"
	case SOF_CTRL_CMD_SWITCH:
		return "SWITCH"
	case SOF_CTRL_CMD_BINARY:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// CtrlType describes how a control value travels in a COMP message.
// These values correspond to enum sof_ipc_ctrl_type.
type CtrlType uint32

const (
	SOF_CTRL_TYPE_VALUE_CHAN_GET CtrlType = 0
	SOF_CTRL_TYPE_VALUE_CHAN_SET CtrlType = 1
	SOF_CTRL_TYPE_VALUE_COMP_GET CtrlType = 2
	SOF_CTRL_TYPE_VALUE_COMP_SET CtrlType = 3
	SOF_CTRL_TYPE_DATA_GET       CtrlType = 4
	SOF_CTRL_TYPE_DATA_SET       CtrlType = 5
)

// CompType is the firmware component type carried in a component descriptor.
type CompType uint32

const (
	SOF_COMP_NONE     CompType = 0
	SOF_COMP_HOST     CompType = 1
	SOF_COMP_DAI      CompType = 2
	SOF_COMP_VOLUME   CompType = 5
	SOF_COMP_MIXER    CompType = 6
	SOF_COMP_MUX      CompType = 7
	SOF_COMP_SRC      CompType = 8
	SOF_COMP_TONE     CompType = 10
	SOF_COMP_BUFFER   CompType = 12
	SOF_COMP_EQ_IIR   CompType = 13
	SOF_COMP_EQ_FIR   CompType = 14
	SOF_COMP_SELECTOR CompType = 17
	SOF_COMP_DEMUX    CompType = 18
	SOF_COMP_ASRC     CompType = 19
	SOF_COMP_DCBLOCK  CompType = 20
)

// DaiType identifies the hardware interface behind a DAI.
type DaiType uint32

const (
	SOF_DAI_INTEL_NONE DaiType = 0
	SOF_DAI_INTEL_SSP  DaiType = 1
	SOF_DAI_INTEL_DMIC DaiType = 2
	SOF_DAI_INTEL_HDA  DaiType = 3 // Allocates a shared link DMA channel.
	SOF_DAI_INTEL_ALH  DaiType = 4
	SOF_DAI_IMX_SAI    DaiType = 5
	SOF_DAI_IMX_ESAI   DaiType = 6
)

// DMA_CHAN_INVALID marks a link DMA channel that the firmware must re-resolve.
const DMA_CHAN_INVALID = 0xffffffff

// Firmware ready flags.
const (
	SOF_IPC_INFO_BUILD  = 1 << 0
	SOF_IPC_INFO_LOCKS  = 1 << 1
	SOF_IPC_INFO_LOCKSV = 1 << 2
	SOF_IPC_INFO_GDB    = 1 << 3
)

// PcmState defines the host-side state of a PCM stream.
// These values correspond to the SNDRV_PCM_STATE_* constants.
type PcmState int32

const (
	SNDRV_PCM_STATE_OPEN         PcmState = 0 // Stream is open.
	SNDRV_PCM_STATE_SETUP        PcmState = 1 // Stream has a setup.
	SNDRV_PCM_STATE_PREPARED     PcmState = 2 // Stream is ready to start.
	SNDRV_PCM_STATE_RUNNING      PcmState = 3 // Stream is running.
	SNDRV_PCM_STATE_XRUN         PcmState = 4 // Stream reached an underrun or overrun.
	SNDRV_PCM_STATE_DRAINING     PcmState = 5 // Stream is draining.
	SNDRV_PCM_STATE_PAUSED       PcmState = 6 // Stream is paused.
	SNDRV_PCM_STATE_SUSPENDED    PcmState = 7 // Hardware is suspended.
	SNDRV_PCM_STATE_DISCONNECTED PcmState = 8 // Hardware is disconnected.
)

// PcmStateNames provides human-readable names for PCM states.
var PcmStateNames = map[PcmState]string{
	SNDRV_PCM_STATE_OPEN:         "OPEN",
	SNDRV_PCM_STATE_SETUP:        "SETUP",
	SNDRV_PCM_STATE_PREPARED:     "PREPARED",
	SNDRV_PCM_STATE_RUNNING:      "RUNNING",
	SNDRV_PCM_STATE_XRUN:         "XRUN",
	SNDRV_PCM_STATE_DRAINING:     "DRAINING",
	SNDRV_PCM_STATE_PAUSED:       "PAUSED",
	SNDRV_PCM_STATE_SUSPENDED:    "SUSPENDED",
	SNDRV_PCM_STATE_DISCONNECTED: "DISCONNECTED",
}

// String returns the name of the state.
func (s PcmState) String() string {
	if name, ok := PcmStateNames[s]; ok {
		return name
	}

	return "UNKNOWN"
}

// Direction is the direction of a PCM stream.
type Direction int

const (
	SNDRV_PCM_STREAM_PLAYBACK Direction = 0
	SNDRV_PCM_STREAM_CAPTURE  Direction = 1
)

// String returns "playback" or "capture".
func (d Direction) String() string {
	if d == SNDRV_PCM_STREAM_CAPTURE {
		return "capture"
	}

	return "playback"
}

// PowerState is the power state of the DSP.
type PowerState int

const (
	SOF_DSP_PM_D0   PowerState = iota // Fully operational.
	SOF_DSP_PM_D0I3                   // Low-power substate of D0; some IPCs are still accepted.
	SOF_DSP_PM_D3                     // Powered off; firmware context is lost.
)

// String returns the name of the power state.
func (s PowerState) String() string {
	switch s {
	case SOF_DSP_PM_D0:
		return "D0"
	case SOF_DSP_PM_D0I3:
		return "D0I3"
	case SOF_DSP_PM_D3:
		return "D3"
	default:
		return "UNKNOWN"
	}
}

// FwState tracks firmware boot progress.
type FwState int

const (
	SOF_FW_BOOT_NOT_STARTED FwState = iota
	SOF_FW_BOOT_PREPARE
	SOF_FW_BOOT_IN_PROGRESS
	SOF_FW_BOOT_FAILED
	SOF_FW_BOOT_READY_FAILED // Firmware booted but the ready message was rejected.
	SOF_FW_BOOT_COMPLETE
	SOF_FW_CRASHED
)

// String returns the name of the firmware state.
func (s FwState) String() string {
	switch s {
	case SOF_FW_BOOT_NOT_STARTED:
		return "not-started"
	case SOF_FW_BOOT_PREPARE:
		return "prepare"
	case SOF_FW_BOOT_IN_PROGRESS:
		return "in-progress"
	case SOF_FW_BOOT_FAILED:
		return "failed"
	case SOF_FW_BOOT_READY_FAILED:
		return "ready-failed"
	case SOF_FW_BOOT_COMPLETE:
		return "complete"
	case SOF_FW_CRASHED:
		return "crashed"
	default:
		return "unknown"
	}
}
