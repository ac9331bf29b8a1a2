package sof

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"syscall"

	"github.com/go-audio/audio"
	"k8s.io/klog/v2"
)

// FrameFormat is the sample layout used by the firmware.
// These values correspond to enum sof_ipc_frame.
type FrameFormat uint32

const (
	SOF_IPC_FRAME_S16_LE  FrameFormat = 0
	SOF_IPC_FRAME_S24_4LE FrameFormat = 1
	SOF_IPC_FRAME_S32_LE  FrameFormat = 2
	SOF_IPC_FRAME_FLOAT   FrameFormat = 3
)

// SOF_IPC_BUFFER_INTERLEAVED is the only buffer layout used by host streams.
const SOF_IPC_BUFFER_INTERLEAVED = 0

// HwParams are the hardware parameters of a host stream.
type HwParams struct {
	Format      *audio.Format // Channels and sample rate.
	BitDepth    int           // 16, 24 or 32.
	PeriodBytes uint32        // Host period size in bytes.
	StreamTag   uint16
}

// frameFormat maps a bit depth to the firmware frame format and the
// valid and container sample sizes in bytes.
func frameFormat(bitDepth int) (FrameFormat, uint16, uint16, error) {
	switch bitDepth {
	case 16:
		return SOF_IPC_FRAME_S16_LE, 2, 2, nil
	case 24:
		return SOF_IPC_FRAME_S24_4LE, 3, 4, nil
	case 32:
		return SOF_IPC_FRAME_S32_LE, 4, 4, nil
	default:
		return 0, 0, 0, fmt.Errorf("unsupported bit depth %d: %w", bitDepth, syscall.EINVAL)
	}
}

// Pcm is an audio endpoint with a playback and a capture stream.
type Pcm struct {
	ID       uint32
	Name     string
	DaiName  string
	CapsName [2]string
	Streams  [2]*PcmStream // Indexed by Direction, nil when unsupported.
}

// Stream returns the stream for dir.
func (p *Pcm) Stream(dir Direction) *PcmStream {
	if p == nil || dir < SNDRV_PCM_STREAM_PLAYBACK || dir > SNDRV_PCM_STREAM_CAPTURE {
		return nil
	}

	return p.Streams[dir]
}

// PcmStream is one direction of a PCM, bound to a host component on the DSP.
type PcmStream struct {
	CompID    uint32
	Direction Direction

	// NoPeriodWakeup suppresses OnPeriodElapsed.
	NoPeriodWakeup bool
	// OnPeriodElapsed runs on the notification path after a position update.
	OnPeriodElapsed func(s *PcmStream)
	// OnXrun runs on the notification path after an xrun.
	OnXrun func(s *PcmStream)

	pcm     *Pcm
	streams *Streams

	opMu sync.Mutex // Serializes commands on this stream.

	mu              sync.Mutex // Protects the fields below.
	state           PcmState
	suspendedState  PcmState
	hwParamsApplied bool
	params          *HwParams
	posnOffset      uint32
	posn            IpcStreamPosn
	xruns           int
}

// Pcm returns the owning PCM.
func (s *PcmStream) Pcm() *Pcm {
	return s.pcm
}

// State returns the host-side state of the stream.
func (s *PcmStream) State() PcmState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// HwParamsApplied reports whether the DSP holds the stream parameters.
func (s *PcmStream) HwParamsApplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hwParamsApplied
}

// Position returns the last position reported by the DSP.
func (s *PcmStream) Position() IpcStreamPosn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.posn
}

// PosnOffset returns the mailbox offset of the stream position returned by PCM_PARAMS.
func (s *PcmStream) PosnOffset() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.posnOffset
}

// Xruns returns the number of xruns reported for the stream.
func (s *PcmStream) Xruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.xruns
}

// SetHwParams sends the stream parameters to the host component.
func (s *PcmStream) SetHwParams(params HwParams) error {
	if params.Format == nil {
		return fmt.Errorf("stream format is nil: %w", syscall.EINVAL)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.sendHwParams(&params); err != nil {
		return err
	}

	s.mu.Lock()
	p := params
	s.params = &p
	s.state = SNDRV_PCM_STATE_SETUP
	s.mu.Unlock()

	return nil
}

// sendHwParams builds and sends PCM_PARAMS. The caller holds opMu.
func (s *PcmStream) sendHwParams(params *HwParams) error {
	ffmt, valid, container, err := frameFormat(params.BitDepth)
	if err != nil {
		return err
	}

	if params.Format.NumChannels <= 0 || params.Format.SampleRate <= 0 {
		return fmt.Errorf("invalid format %d ch %d Hz: %w", params.Format.NumChannels, params.Format.SampleRate, syscall.EINVAL)
	}

	msg := IpcPcmParams{
		CompID: s.CompID,
		Params: IpcStreamParams{
			Direction:            uint32(s.Direction),
			FrameFmt:             uint32(ffmt),
			BufferFmt:            SOF_IPC_BUFFER_INTERLEAVED,
			Rate:                 uint32(params.Format.SampleRate),
			StreamTag:            params.StreamTag,
			Channels:             uint16(params.Format.NumChannels),
			SampleValidBytes:     valid,
			SampleContainerBytes: container,
			HostPeriodBytes:      params.PeriodBytes,
		},
	}
	if s.NoPeriodWakeup {
		msg.Params.NoStreamPosition = 1
	}

	frame := EncodeFrame(SOF_IPC_GLB_STREAM_MSG|SOF_IPC_STREAM_PCM_PARAMS, msg, nil)

	reply, err := s.streams.ipc.TxMessage(frame, binary.Size(IpcPcmParamsReply{}))
	if err != nil {
		return fmt.Errorf("hw params for comp %d failed: %w", s.CompID, err)
	}

	var r IpcPcmParamsReply
	if err := DecodeFrame(reply, &r); err != nil {
		return err
	}

	s.mu.Lock()
	s.posnOffset = r.PosnOffset
	s.hwParamsApplied = true
	s.mu.Unlock()

	return nil
}

// Prepare readies the stream for a start. Parameters cleared by a suspend are re-applied.
func (s *PcmStream) Prepare() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	params := s.params
	applied := s.hwParamsApplied
	s.mu.Unlock()

	if params == nil {
		return fmt.Errorf("stream %d has no hw params: %w", s.CompID, syscall.EBADFD)
	}

	if !applied {
		if err := s.sendHwParams(params); err != nil {
			return err
		}
	}

	s.setState(SNDRV_PCM_STATE_PREPARED)

	return nil
}

// Start starts the stream on the DSP.
func (s *PcmStream) Start() error {
	return s.trigger(SOF_IPC_STREAM_TRIG_START, SNDRV_PCM_STATE_RUNNING)
}

// Stop stops the stream on the DSP.
func (s *PcmStream) Stop() error {
	return s.trigger(SOF_IPC_STREAM_TRIG_STOP, SNDRV_PCM_STATE_SETUP)
}

// Pause pauses or releases the stream.
func (s *PcmStream) Pause(enable bool) error {
	if enable {
		return s.trigger(SOF_IPC_STREAM_TRIG_PAUSE, SNDRV_PCM_STATE_PAUSED)
	}

	return s.trigger(SOF_IPC_STREAM_TRIG_RELEASE, SNDRV_PCM_STATE_RUNNING)
}

func (s *PcmStream) trigger(typ uint32, next PcmState) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if typ == SOF_IPC_STREAM_TRIG_START && !s.HwParamsApplied() {
		return fmt.Errorf("stream %d started without hw params: %w", s.CompID, syscall.EBADFD)
	}

	frame := EncodeFrame(SOF_IPC_GLB_STREAM_MSG|typ, IpcStream{CompID: s.CompID}, nil)

	if _, err := s.streams.ipc.TxMessage(frame, simpleReplySize); err != nil {
		return fmt.Errorf("trigger %s on comp %d failed: %w", typeNames[SOF_IPC_GLB_STREAM_MSG][typ], s.CompID, err)
	}

	s.setState(next)

	return nil
}

// HwFree releases the stream parameters on the DSP.
func (s *PcmStream) HwFree() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.HwParamsApplied() {
		frame := EncodeFrame(SOF_IPC_GLB_STREAM_MSG|SOF_IPC_STREAM_PCM_FREE, IpcStream{CompID: s.CompID}, nil)

		if _, err := s.streams.ipc.TxMessage(frame, simpleReplySize); err != nil {
			return fmt.Errorf("pcm free on comp %d failed: %w", s.CompID, err)
		}
	}

	s.mu.Lock()
	s.hwParamsApplied = false
	s.params = nil
	s.state = SNDRV_PCM_STATE_OPEN
	s.mu.Unlock()

	return nil
}

func (s *PcmStream) setState(state PcmState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// suspend moves a running or paused stream to SUSPENDED.
func (s *PcmStream) suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SNDRV_PCM_STATE_RUNNING, SNDRV_PCM_STATE_PAUSED, SNDRV_PCM_STATE_DRAINING:
		s.suspendedState = s.state
		s.state = SNDRV_PCM_STATE_SUSPENDED
	}
}

// clearHwParamsIfSuspended drops the applied flag of a suspended stream.
func (s *PcmStream) clearHwParamsIfSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SNDRV_PCM_STATE_SUSPENDED {
		return false
	}

	s.hwParamsApplied = false

	return true
}

// Streams is the registry of PCMs known to the device.
type Streams struct {
	logger   klog.Logger
	ipc      *Ipc
	xrunStop bool

	mu   sync.RWMutex
	pcms []*Pcm
}

func newStreams(logger klog.Logger, ipc *Ipc, xrunStop bool) *Streams {
	return &Streams{
		logger:   logger.WithName("pcm"),
		ipc:      ipc,
		xrunStop: xrunStop,
	}
}

// Add registers a PCM. Host component ids must be unique across all streams.
func (r *Streams) Add(p *Pcm) error {
	if p == nil {
		return fmt.Errorf("pcm is nil: %w", syscall.EINVAL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range p.Streams {
		if s == nil {
			continue
		}

		if r.findLocked(s.CompID) != nil {
			return fmt.Errorf("pcm %q: comp id %d already in use: %w", p.Name, s.CompID, syscall.EEXIST)
		}
	}

	for dir, s := range p.Streams {
		if s == nil {
			continue
		}

		s.pcm = p
		s.streams = r
		s.Direction = Direction(dir)
		s.state = SNDRV_PCM_STATE_OPEN
	}

	r.pcms = append(r.pcms, p)

	return nil
}

// remove unregisters pcms.
func (r *Streams) remove(pcms ...*Pcm) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range pcms {
		r.pcms = slices.DeleteFunc(r.pcms, func(pcm *Pcm) bool { return pcm == p })
	}
}

// Pcms returns a snapshot of the registered PCMs.
func (r *Streams) Pcms() []*Pcm {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*Pcm(nil), r.pcms...)
}

// FindStreamByCompID returns the stream bound to a host component.
func (r *Streams) FindStreamByCompID(compID uint32) (*PcmStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s := r.findLocked(compID); s != nil {
		return s, nil
	}

	return nil, fmt.Errorf("no stream for comp id %d", compID)
}

func (r *Streams) findLocked(compID uint32) *PcmStream {
	for _, p := range r.pcms {
		for _, s := range p.Streams {
			if s != nil && s.CompID == compID {
				return s
			}
		}
	}

	return nil
}

// FindPcmByName returns the PCM whose name, DAI name or capabilities name matches.
func (r *Streams) FindPcmByName(name string) (*Pcm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.pcms {
		if p.Name == name || p.DaiName == name || p.CapsName[0] == name || p.CapsName[1] == name {
			return p, nil
		}
	}

	return nil, fmt.Errorf("pcm %q not found", name)
}

// FindStreamByName returns the stream of a named PCM in direction dir.
func (r *Streams) FindStreamByName(name string, dir Direction) (*PcmStream, error) {
	p, err := r.FindPcmByName(name)
	if err != nil {
		return nil, err
	}

	s := p.Stream(dir)
	if s == nil {
		return nil, fmt.Errorf("pcm %q has no %s stream", name, dir)
	}

	return s, nil
}

// FindPcmByID returns the PCM with the given id.
func (r *Streams) FindPcmByID(id uint32) (*Pcm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.pcms {
		if p.ID == id {
			return p, nil
		}
	}

	return nil, fmt.Errorf("pcm with id %d not found", id)
}

// each calls fn for every registered stream.
func (r *Streams) each(fn func(s *PcmStream)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.pcms {
		for _, s := range p.Streams {
			if s != nil {
				fn(s)
			}
		}
	}
}

// handleNotification applies a stream notification to the addressed stream.
func (r *Streams) handleNotification(n *Notification) {
	switch n.Type() {
	case SOF_IPC_STREAM_POSITION:
		r.position(n)
	case SOF_IPC_STREAM_TRIG_XRUN:
		r.xrun(n)
	default:
		r.logger.Error(nil, "Unhandled stream message", "type", fmt.Sprintf("%#x", n.Type()))
	}
}

func (r *Streams) position(n *Notification) {
	compID := uint32(n.MsgID())

	r.mu.RLock()
	s := r.findLocked(compID)
	r.mu.RUnlock()

	if s == nil {
		r.logger.Error(nil, "Position update for unknown stream", "comp", compID)

		return
	}

	var posn IpcStreamPosn
	if err := DecodeFrame(n.Data, &posn); err != nil {
		r.logger.Error(err, "Bad position update", "comp", compID)

		return
	}

	s.mu.Lock()
	s.posn = posn
	s.mu.Unlock()

	r.logger.V(5).Info("Stream position", "comp", compID, "host", posn.HostPosn, "dai", posn.DaiPosn, "wall", posn.Wallclock)

	if !s.NoPeriodWakeup && s.OnPeriodElapsed != nil {
		s.OnPeriodElapsed(s)
	}
}

func (r *Streams) xrun(n *Notification) {
	compID := uint32(n.MsgID())

	r.mu.RLock()
	s := r.findLocked(compID)
	r.mu.RUnlock()

	if s == nil {
		r.logger.Error(nil, "XRUN for unknown stream", "comp", compID)

		return
	}

	var posn IpcStreamPosn
	if err := DecodeFrame(n.Data, &posn); err != nil {
		r.logger.Error(err, "Bad xrun message", "comp", compID)

		return
	}

	s.mu.Lock()
	s.posn = posn
	s.xruns++
	if r.xrunStop {
		s.state = SNDRV_PCM_STATE_XRUN
	}
	s.mu.Unlock()

	r.logger.Info("Stream xrun", "comp", compID, "xrunComp", posn.XrunCompID, "size", posn.XrunSize)

	if s.OnXrun != nil {
		s.OnXrun(s)
	}
}
