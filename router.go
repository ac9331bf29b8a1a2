package sof

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Notification is an unsolicited message from the DSP.
type Notification struct {
	Cmd  uint32
	Data []byte // Whole frame, header included.
}

// Class returns the global class of the notification.
func (n *Notification) Class() uint32 {
	return CmdClass(n.Cmd)
}

// Type returns the message type of the notification.
func (n *Notification) Type() uint32 {
	return CmdType(n.Cmd)
}

// MsgID returns the message id, usually a component id.
func (n *Notification) MsgID() uint16 {
	return CmdMsgID(n.Cmd)
}

// Subscriber receives notifications of one class.
// Handle runs on the notification path and must not send IPC commands.
type Subscriber interface {
	Handle(n *Notification)
}

// Router dispatches DSP notifications to subscribers keyed by class.
type Router struct {
	logger  klog.Logger
	metrics *Metrics

	mu   sync.RWMutex
	subs map[uint32][]Subscriber
}

// NewRouter returns an empty router.
func NewRouter(logger klog.Logger, metrics *Metrics) *Router {
	return &Router{
		logger:  logger.WithName("router"),
		metrics: metrics,
		subs:    make(map[uint32][]Subscriber),
	}
}

// Subscribe registers s for notifications of class (one of the SOF_IPC_GLB_* values).
func (r *Router) Subscribe(class uint32, s Subscriber) {
	class &= SOF_GLB_TYPE_MASK

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[class] = append(r.subs[class], s)
}

// Unsubscribe removes s from class.
func (r *Router) Unsubscribe(class uint32, s Subscriber) {
	class &= SOF_GLB_TYPE_MASK

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[class]
	for i, sub := range list {
		if sub == s {
			r.subs[class] = append(list[:i:i], list[i+1:]...)

			break
		}
	}
}

// Dispatch classifies n and hands it to the subscribers of its class.
// Unknown classes are logged and dropped.
func (r *Router) Dispatch(n *Notification) {
	r.metrics.rxReceived(n.Cmd)

	if n.Class() != SOF_IPC_GLB_TRACE_MSG {
		r.logger.V(4).Info("IPC rx", "cmd", fmt.Sprintf("%#x", n.Cmd), "msg", CmdString(n.Cmd))
	}

	switch n.Class() {
	case SOF_IPC_GLB_REPLY:
		r.logger.Error(nil, "IPC reply unknown", "cmd", fmt.Sprintf("%#x", n.Cmd))

		return
	case SOF_IPC_GLB_COMPOUND, SOF_IPC_GLB_TPLG_MSG, SOF_IPC_GLB_PM_MSG, SOF_IPC_GLB_COMP_MSG:
		r.logger.V(2).Info("Dropping DSP message", "msg", CmdString(n.Cmd))

		return
	case SOF_IPC_FW_READY, SOF_IPC_GLB_STREAM_MSG, SOF_IPC_GLB_TRACE_MSG, SOF_IPC_GLB_DAI_MSG, SOF_IPC_GLB_TEST_MSG:
	default:
		r.logger.Error(nil, "Unknown DSP message", "class", fmt.Sprintf("%#x", n.Class()))

		return
	}

	r.mu.RLock()
	subs := r.subs[n.Class()]
	r.mu.RUnlock()

	if len(subs) == 0 {
		r.logger.V(2).Info("No subscriber for DSP message", "msg", CmdString(n.Cmd))

		return
	}

	for _, s := range subs {
		s.Handle(n)
	}
}

// streamSubscriber forwards stream notifications to the stream registry.
type streamSubscriber struct {
	streams *Streams
}

func (s streamSubscriber) Handle(n *Notification) {
	s.streams.handleNotification(n)
}

// TraceUpdater consumes firmware DMA trace positions.
type TraceUpdater interface {
	UpdateTracePosition(posn IpcDmaTracePosn)
}

// traceSubscriber forwards DMA trace positions.
type traceSubscriber struct {
	logger klog.Logger
	trace  TraceUpdater
}

func (s traceSubscriber) Handle(n *Notification) {
	switch n.Type() {
	case SOF_IPC_TRACE_DMA_POSITION:
		var posn IpcDmaTracePosn
		if err := DecodeFrame(n.Data, &posn); err != nil {
			s.logger.Error(err, "Bad trace position")

			return
		}

		if s.trace != nil {
			s.trace.UpdateTracePosition(posn)
		}
	default:
		s.logger.Error(nil, "Unhandled trace message", "type", fmt.Sprintf("%#x", n.Type()))
	}
}

// bootWaiter handles FW_READY during boot.
type bootWaiter struct {
	dev *Device
}

func (b bootWaiter) Handle(n *Notification) {
	b.dev.fwReady(n)
}
