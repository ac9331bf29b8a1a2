package sof

import (
	"fmt"
	"syscall"
)

// ctrlChunkCapacity is the payload room left in one frame after the control header.
var ctrlChunkCapacity = SOF_IPC_MSG_MAX_SIZE - IpcCtrlDataSize

// chunkCount returns how many frames carry size payload bytes.
func chunkCount(size, capacity int) int {
	if size == 0 {
		return 0
	}

	return (size + capacity - 1) / capacity
}

// txLargeCtrl transfers a control payload that does not fit in one frame.
// For set, data is sent in order. For get, data is filled from the replies and
// must be sized to the full control value. The whole sequence holds txMu so no
// other command interleaves. A failed set is not rolled back.
func (ipc *Ipc) txLargeCtrl(abi uint32, cdata IpcCtrlData, cmd uint32, data []byte, set bool) error {
	if ipc == nil {
		return fmt.Errorf("ipc is nil: %w", syscall.ENODEV)
	}

	if abi < abiChunkedControls {
		err := fmt.Errorf("incompatible FW ABI version %s for chunked controls: %w", AbiString(abi), syscall.EINVAL)
		ipc.logger.Error(err, "Large control transfer rejected")

		return err
	}

	switch cdata.Type {
	case SOF_CTRL_TYPE_VALUE_CHAN_GET, SOF_CTRL_TYPE_VALUE_CHAN_SET,
		SOF_CTRL_TYPE_VALUE_COMP_GET, SOF_CTRL_TYPE_VALUE_COMP_SET,
		SOF_CTRL_TYPE_DATA_GET, SOF_CTRL_TYPE_DATA_SET:
	default:
		return fmt.Errorf("invalid control type %d: %w", cdata.Type, syscall.EINVAL)
	}

	capacity := ctrlChunkCapacity
	count := chunkCount(len(data), capacity)
	remaining := len(data)
	offset := 0

	ipc.txMu.Lock()
	defer ipc.txMu.Unlock()

	for i := 0; i < count; i++ {
		n := min(remaining, capacity)
		remaining -= n

		part := cdata
		part.NumElems = uint32(n)
		part.MsgIndex = uint32(i)
		part.ElemsRemaining = uint32(remaining)

		chunk := make([]byte, n)
		if set {
			copy(chunk, data[offset:offset+n])
		}

		frame := EncodeFrame(cmd, part, chunk)

		reply, err := ipc.txUnlocked(frame, len(frame))
		if err != nil {
			return fmt.Errorf("control chunk %d/%d failed: %w", i+1, count, err)
		}

		if !set {
			copy(data[offset:offset+n], reply[IpcCtrlDataSize:])
		}

		offset += n
	}

	return nil
}
