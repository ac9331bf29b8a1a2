package sof

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// Transport moves raw frames between the host and the DSP mailboxes.
//
// Send must return before the reply can be delivered: the reply is signalled
// later through Device.OnReplyReceived on another goroutine.
type Transport interface {
	// Send writes a frame to the host mailbox and rings the DSP doorbell.
	Send(frame []byte) error
	// ReadReply copies the reply to the last frame into b.
	ReadReply(b []byte) (int, error)
	// ReadMessage copies the pending DSP notification into b and acknowledges it.
	ReadMessage(b []byte) (int, error)
}

// ipcMsg is the single in-flight command.
type ipcMsg struct {
	cmd        uint32
	size       int
	replyBytes int
	done       chan ipcResult // Buffered, receives exactly one result.
}

type ipcResult struct {
	reply []byte
	err   error
}

// Ipc is the host to DSP command channel. Only one command is in flight at a time.
type Ipc struct {
	logger  klog.Logger
	tr      Transport
	metrics *Metrics
	timeout time.Duration

	// wake brings the DSP to D0 before a policy send.
	wake func() error
	// onTimeout runs the firmware exception path.
	onTimeout func(cmd uint32)

	txMu     sync.Mutex // Serializes TX and protects disabled.
	disabled bool

	lock    sync.Mutex // Shared with the reply path, protects pending.
	pending *ipcMsg
}

func newIpc(logger klog.Logger, tr Transport, timeout time.Duration, metrics *Metrics) *Ipc {
	return &Ipc{
		logger:  logger.WithName("ipc"),
		tr:      tr,
		metrics: metrics,
		timeout: timeout,
	}
}

// TxMessage sends a frame and waits for its reply, bringing the DSP to D0 first.
// The frame must start with an IpcCmdHdr. replyBytes is the exact reply size expected.
func (ipc *Ipc) TxMessage(frame []byte, replyBytes int) ([]byte, error) {
	if ipc == nil {
		return nil, fmt.Errorf("ipc is nil: %w", syscall.ENODEV)
	}

	if ipc.Disabled() {
		ipc.metrics.txFailed("disabled")

		return nil, fmt.Errorf("ipc tx is disabled: %w", syscall.ENODEV)
	}

	if err := ipc.powerUp(); err != nil {
		return nil, err
	}

	return ipc.TxMessageNoPM(frame, replyBytes)
}

// powerUp makes sure the DSP is in D0.
func (ipc *Ipc) powerUp() error {
	if ipc.wake == nil {
		return nil
	}

	if err := ipc.wake(); err != nil {
		ipc.logger.Error(err, "Resuming DSP failed")

		return err
	}

	return nil
}

// TxMessageNoPM sends a frame without changing the DSP power state.
// It is used for commands the DSP accepts in a low-power D0 substate.
func (ipc *Ipc) TxMessageNoPM(frame []byte, replyBytes int) ([]byte, error) {
	if ipc == nil {
		return nil, fmt.Errorf("ipc is nil: %w", syscall.ENODEV)
	}

	if len(frame) > SOF_IPC_MSG_MAX_SIZE || replyBytes > SOF_IPC_MSG_MAX_SIZE {
		ipc.metrics.txFailed("nobufs")

		return nil, fmt.Errorf("message of %d bytes (reply %d) exceeds %d: %w",
			len(frame), replyBytes, SOF_IPC_MSG_MAX_SIZE, syscall.ENOBUFS)
	}

	ipc.txMu.Lock()
	defer ipc.txMu.Unlock()

	return ipc.txUnlocked(frame, replyBytes)
}

// txUnlocked sends one frame. The caller holds txMu.
func (ipc *Ipc) txUnlocked(frame []byte, replyBytes int) ([]byte, error) {
	if ipc.disabled {
		ipc.metrics.txFailed("disabled")

		return nil, fmt.Errorf("ipc tx is disabled: %w", syscall.ENODEV)
	}

	hdr, err := FrameHeader(frame)
	if err != nil {
		return nil, err
	}

	msg := &ipcMsg{
		cmd:        hdr.Cmd,
		size:       len(frame),
		replyBytes: replyBytes,
		done:       make(chan ipcResult, 1),
	}

	ipc.lock.Lock()
	ipc.pending = msg
	err = ipc.tr.Send(frame)
	if err != nil {
		ipc.pending = nil
	}
	ipc.lock.Unlock()

	if err != nil {
		ipc.metrics.txFailed("transport")
		ipc.logger.Error(err, "IPC tx failed", "cmd", CmdString(hdr.Cmd))

		return nil, fmt.Errorf("ipc tx failed: %w", err)
	}

	ipc.metrics.txSent(hdr.Cmd)
	if CmdClass(hdr.Cmd) != SOF_IPC_GLB_TRACE_MSG {
		ipc.logger.V(4).Info("IPC tx", "cmd", fmt.Sprintf("%#x", hdr.Cmd), "msg", CmdString(hdr.Cmd), "size", len(frame))
	}

	return ipc.txWaitDone(msg)
}

// txWaitDone blocks until the reply to msg arrives or the timeout elapses.
func (ipc *Ipc) txWaitDone(msg *ipcMsg) ([]byte, error) {
	start := time.Now()

	timer := time.NewTimer(ipc.timeout)
	defer timer.Stop()

	var res ipcResult

	select {
	case res = <-msg.done:
	case <-timer.C:
		ipc.lock.Lock()
		if ipc.pending == msg {
			ipc.pending = nil
		}
		ipc.lock.Unlock()

		// The reply may have raced the timer.
		select {
		case res = <-msg.done:
		default:
			ipc.metrics.txFailed("timeout")
			ipc.logger.Error(nil, "IPC timed out", "cmd", fmt.Sprintf("%#x", msg.cmd), "msg", CmdString(msg.cmd), "size", msg.size)

			if ipc.onTimeout != nil {
				ipc.onTimeout(msg.cmd)
			}

			return nil, fmt.Errorf("ipc %s timed out after %s: %w", CmdString(msg.cmd), ipc.timeout, syscall.ETIMEDOUT)
		}
	}

	ipc.metrics.txObserve(time.Since(start).Seconds())

	if res.err != nil {
		var de *DspError
		if errors.As(res.err, &de) {
			ipc.metrics.txFailed("dsp")
		} else {
			ipc.metrics.txFailed("reply")
		}

		ipc.logger.Error(res.err, "IPC error", "cmd", fmt.Sprintf("%#x", msg.cmd), "replySize", msg.replyBytes)

		return nil, res.err
	}

	if CmdClass(msg.cmd) != SOF_IPC_GLB_TRACE_MSG {
		ipc.logger.V(4).Info("IPC tx succeeded", "msg", CmdString(msg.cmd))
	}

	return res.reply, nil
}

// replyReceived completes the pending command with the reply in the mailbox.
// A reply with nothing pending is rejected and otherwise ignored.
func (ipc *Ipc) replyReceived() error {
	ipc.lock.Lock()
	defer ipc.lock.Unlock()

	msg := ipc.pending
	if msg == nil {
		err := fmt.Errorf("no reply expected: %w", syscall.EINVAL)
		ipc.logger.Error(err, "Unexpected IPC reply")

		return err
	}

	ipc.pending = nil

	res := ipc.readReply(msg)

	select {
	case msg.done <- res:
	default:
	}

	return nil
}

// readReply reads and validates the reply for msg from the transport.
func (ipc *Ipc) readReply(msg *ipcMsg) ipcResult {
	buf := make([]byte, SOF_IPC_MSG_MAX_SIZE)

	n, err := ipc.tr.ReadReply(buf)
	if err != nil {
		return ipcResult{err: fmt.Errorf("reading reply failed: %w", err)}
	}

	buf = buf[:n]

	var reply IpcReply
	if err := DecodeFrame(buf, &reply); err != nil {
		return ipcResult{err: err}
	}

	if reply.Error < 0 {
		return ipcResult{err: &DspError{Cmd: msg.cmd, Status: reply.Error}}
	}

	if int(reply.Hdr.Size) != msg.replyBytes {
		return ipcResult{err: fmt.Errorf("reply expected %d got %d bytes: %w", msg.replyBytes, reply.Hdr.Size, syscall.EINVAL)}
	}

	if msg.replyBytes > len(buf) {
		return ipcResult{err: fmt.Errorf("reply truncated to %d bytes: %w", len(buf), syscall.EINVAL)}
	}

	return ipcResult{reply: buf[:msg.replyBytes]}
}

// Free disables the channel permanently. Commands sent afterwards fail with ENODEV.
func (ipc *Ipc) Free() {
	if ipc == nil {
		return
	}

	ipc.txMu.Lock()
	ipc.disabled = true
	ipc.txMu.Unlock()
}

// Disabled reports whether Free was called.
func (ipc *Ipc) Disabled() bool {
	if ipc == nil {
		return true
	}

	ipc.txMu.Lock()
	defer ipc.txMu.Unlock()

	return ipc.disabled
}

// simpleReplySize is the size of a bare IpcReply.
var simpleReplySize = binary.Size(IpcReply{})

// tx sends a frame with the policy path and the reply size the firmware uses for it.
func (ipc *Ipc) tx(frame []byte) ([]byte, error) {
	hdr, err := FrameHeader(frame)
	if err != nil {
		return nil, err
	}

	return ipc.TxMessage(frame, ReplySize(hdr.Cmd, len(frame)))
}
