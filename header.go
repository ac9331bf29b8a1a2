package sof

import (
	"fmt"
)

// CmdWord builds an IPC header word from a class, a type and a message id.
func CmdWord(class, typ uint32, id uint16) uint32 {
	return (class & SOF_GLB_TYPE_MASK) | (typ & SOF_CMD_TYPE_MASK) | uint32(id)
}

// CmdClass extracts the global class bits of a header word.
func CmdClass(cmd uint32) uint32 {
	return cmd & SOF_GLB_TYPE_MASK
}

// CmdType extracts the message type bits of a header word.
func CmdType(cmd uint32) uint32 {
	return cmd & SOF_CMD_TYPE_MASK
}

// CmdMsgID extracts the message id of a header word.
func CmdMsgID(cmd uint32) uint16 {
	return uint16(cmd & SOF_MSG_ID_MASK)
}

var classNames = map[uint32]string{
	SOF_IPC_GLB_REPLY:      "GLB_REPLY",
	SOF_IPC_GLB_COMPOUND:   "GLB_COMPOUND",
	SOF_IPC_GLB_TPLG_MSG:   "GLB_TPLG_MSG",
	SOF_IPC_GLB_PM_MSG:     "GLB_PM_MSG",
	SOF_IPC_GLB_COMP_MSG:   "GLB_COMP_MSG",
	SOF_IPC_GLB_STREAM_MSG: "GLB_STREAM_MSG",
	SOF_IPC_FW_READY:       "FW_READY",
	SOF_IPC_GLB_DAI_MSG:    "GLB_DAI_MSG",
	SOF_IPC_GLB_TRACE_MSG:  "GLB_TRACE_MSG",
	SOF_IPC_GLB_TEST_MSG:   "GLB_TEST_MSG",
}

var typeNames = map[uint32]map[uint32]string{
	SOF_IPC_GLB_TPLG_MSG: {
		SOF_IPC_TPLG_COMP_NEW:      "COMP_NEW",
		SOF_IPC_TPLG_COMP_FREE:     "COMP_FREE",
		SOF_IPC_TPLG_COMP_CONNECT:  "COMP_CONNECT",
		SOF_IPC_TPLG_PIPE_NEW:      "PIPE_NEW",
		SOF_IPC_TPLG_PIPE_FREE:     "PIPE_FREE",
		SOF_IPC_TPLG_PIPE_CONNECT:  "PIPE_CONNECT",
		SOF_IPC_TPLG_PIPE_COMPLETE: "PIPE_COMPLETE",
		SOF_IPC_TPLG_BUFFER_NEW:    "BUFFER_NEW",
		SOF_IPC_TPLG_BUFFER_FREE:   "BUFFER_FREE",
	},
	SOF_IPC_GLB_PM_MSG: {
		SOF_IPC_PM_CTX_SAVE:    "CTX_SAVE",
		SOF_IPC_PM_CTX_RESTORE: "CTX_RESTORE",
		SOF_IPC_PM_CTX_SIZE:    "CTX_SIZE",
		SOF_IPC_PM_CLK_SET:     "CLK_SET",
		SOF_IPC_PM_CLK_GET:     "CLK_GET",
		SOF_IPC_PM_CLK_REQ:     "CLK_REQ",
		SOF_IPC_PM_CORE_ENABLE: "CORE_ENABLE",
	},
	SOF_IPC_GLB_COMP_MSG: {
		SOF_IPC_COMP_SET_VALUE: "SET_VALUE",
		SOF_IPC_COMP_GET_VALUE: "GET_VALUE",
		SOF_IPC_COMP_SET_DATA:  "SET_DATA",
		SOF_IPC_COMP_GET_DATA:  "GET_DATA",
	},
	SOF_IPC_GLB_STREAM_MSG: {
		SOF_IPC_STREAM_PCM_PARAMS:       "PCM_PARAMS",
		SOF_IPC_STREAM_PCM_PARAMS_REPLY: "PCM_PARAMS_REPLY",
		SOF_IPC_STREAM_PCM_FREE:         "PCM_FREE",
		SOF_IPC_STREAM_TRIG_START:       "TRIG_START",
		SOF_IPC_STREAM_TRIG_STOP:        "TRIG_STOP",
		SOF_IPC_STREAM_TRIG_PAUSE:       "TRIG_PAUSE",
		SOF_IPC_STREAM_TRIG_RELEASE:     "TRIG_RELEASE",
		SOF_IPC_STREAM_TRIG_DRAIN:       "TRIG_DRAIN",
		SOF_IPC_STREAM_TRIG_XRUN:        "TRIG_XRUN",
		SOF_IPC_STREAM_POSITION:         "POSITION",
	},
	SOF_IPC_GLB_DAI_MSG: {
		SOF_IPC_DAI_CONFIG:   "CONFIG",
		SOF_IPC_DAI_LOOPBACK: "LOOPBACK",
	},
	SOF_IPC_GLB_TRACE_MSG: {
		SOF_IPC_TRACE_DMA_PARAMS:   "DMA_PARAMS",
		SOF_IPC_TRACE_DMA_POSITION: "DMA_POSITION",
	},
	SOF_IPC_GLB_TEST_MSG: {
		SOF_IPC_TEST_IPC_FLOOD: "IPC_FLOOD",
	},
}

// CmdString returns a readable form of a header word, e.g. "GLB_TPLG_MSG: PIPE_NEW id=3".
func CmdString(cmd uint32) string {
	class := CmdClass(cmd)

	cname, ok := classNames[class]
	if !ok {
		return fmt.Sprintf("unknown class %#x (cmd %#08x)", class>>SOF_GLB_TYPE_SHIFT, cmd)
	}

	if class == SOF_IPC_FW_READY || class == SOF_IPC_GLB_REPLY {
		return cname
	}

	tname, ok := typeNames[class][CmdType(cmd)]
	if !ok {
		tname = fmt.Sprintf("unknown type %#x", CmdType(cmd)>>SOF_CMD_TYPE_SHIFT)
	}

	return fmt.Sprintf("%s: %s id=%d", cname, tname, CmdMsgID(cmd))
}

// classLabel returns the short class name used as a metric label.
func classLabel(cmd uint32) string {
	if name, ok := classNames[CmdClass(cmd)]; ok {
		return name
	}

	return "UNKNOWN"
}
