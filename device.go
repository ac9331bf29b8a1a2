package sof

import (
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Default timeouts.
const (
	DefaultIpcTimeout  = 500 * time.Millisecond
	DefaultBootTimeout = 2000 * time.Millisecond
)

// Options configures a Device. The zero value is usable.
type Options struct {
	IpcTimeout  time.Duration // Bound on every IPC reply wait.
	BootTimeout time.Duration // Bound on the FW_READY wait.
	StrictABI   bool          // Reject firmware with a newer ABI instead of warning.
	XrunStop    bool          // Stop a stream on the host when the DSP reports an xrun.

	Logger     klog.Logger
	Registerer prometheus.Registerer // Metrics are not registered when nil.
	Trace      TraceUpdater          // Receives DMA trace positions.

	// OnFwException runs after an IPC timeout, once the firmware is marked crashed.
	OnFwException func(cmd uint32)
}

// PowerOps are the platform operations behind DSP power management.
type PowerOps interface {
	// PowerUp powers the DSP before a firmware boot.
	PowerUp() error
	// PowerDown powers the DSP off. Firmware context is lost.
	PowerDown() error
	// RunFirmware starts the firmware. It sends FW_READY once booted.
	RunFirmware() error
	// SetPowerState moves the DSP between D0 and D0I3.
	SetPowerState(state PowerState) error
	// CorePowerUp powers the secondary cores in mask.
	CorePowerUp(mask uint32) error
}

// Device is the host side of one DSP. It owns the IPC channel, the
// notification router and the graph model.
type Device struct {
	logger  klog.Logger
	opts    Options
	tr      Transport
	power   PowerOps
	metrics *Metrics

	ipc      *Ipc
	router   *Router
	streams  *Streams
	controls *Controls
	pipeline *Coordinator

	pmMu sync.Mutex // Serializes boot, suspend and resume.

	mu         sync.Mutex // Protects the fields below.
	fwState    FwState
	ready      IpcFwReady
	fwVersion  FwVersion
	bootErr    error
	bootDone   chan struct{}
	powerState PowerState
}

// NewDevice creates a Device on top of a transport. power may be nil when the
// platform has no power control, in which case the firmware must boot on its own.
func NewDevice(tr Transport, power PowerOps, opts *Options) (*Device, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport is nil: %w", syscall.EINVAL)
	}

	var o Options
	if opts != nil {
		o = *opts
	}

	if o.IpcTimeout <= 0 {
		o.IpcTimeout = DefaultIpcTimeout
	}

	if o.BootTimeout <= 0 {
		o.BootTimeout = DefaultBootTimeout
	}

	if o.Logger.GetSink() == nil {
		o.Logger = klog.Background()
	}

	metrics, err := NewMetrics(o.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	logger := o.Logger.WithName("sof")

	d := &Device{
		logger:     logger,
		opts:       o,
		tr:         tr,
		power:      power,
		metrics:    metrics,
		fwState:    SOF_FW_BOOT_NOT_STARTED,
		powerState: SOF_DSP_PM_D3,
	}

	d.ipc = newIpc(logger, tr, o.IpcTimeout, metrics)
	d.ipc.wake = d.ensureD0
	d.ipc.onTimeout = d.fwException

	d.router = NewRouter(logger, metrics)
	d.streams = newStreams(logger, d.ipc, o.XrunStop)
	d.controls = newControls(logger, d.ipc, d.abiVersion)
	d.pipeline = newCoordinator(logger, d.ipc, metrics, d.streams, d.controls)

	if power != nil {
		d.pipeline.corePowerUp = power.CorePowerUp
	}

	d.router.Subscribe(SOF_IPC_FW_READY, bootWaiter{dev: d})
	d.router.Subscribe(SOF_IPC_GLB_STREAM_MSG, streamSubscriber{streams: d.streams})
	d.router.Subscribe(SOF_IPC_GLB_TRACE_MSG, traceSubscriber{logger: logger.WithName("trace"), trace: o.Trace})

	return d, nil
}

// Ipc returns the command channel.
func (d *Device) Ipc() *Ipc {
	return d.ipc
}

// Router returns the notification router.
func (d *Device) Router() *Router {
	return d.router
}

// Streams returns the PCM registry.
func (d *Device) Streams() *Streams {
	return d.streams
}

// Controls returns the control registry.
func (d *Device) Controls() *Controls {
	return d.controls
}

// Pipeline returns the lifecycle coordinator.
func (d *Device) Pipeline() *Coordinator {
	return d.pipeline
}

// Metrics returns the device collectors.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

// FwState returns the firmware boot state.
func (d *Device) FwState() FwState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.fwState
}

// FwVersion returns the version reported by the last successful boot.
func (d *Device) FwVersion() FwVersion {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.fwVersion
}

// FwReady returns the last accepted FW_READY message.
func (d *Device) FwReady() IpcFwReady {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ready
}

// PowerState returns the DSP power state.
func (d *Device) PowerState() PowerState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.powerState
}

func (d *Device) abiVersion() uint32 {
	return d.FwVersion().AbiVersion
}

// OnReplyReceived is called by the platform when the DSP has replied to the
// pending command. A reply with nothing pending returns an error and is dropped.
func (d *Device) OnReplyReceived() error {
	return d.ipc.replyReceived()
}

// OnMessageAvailable is called by the platform when the DSP has posted a
// notification. The message is read and dispatched on the calling goroutine.
func (d *Device) OnMessageAvailable() error {
	buf := make([]byte, SOF_IPC_MSG_MAX_SIZE)

	n, err := d.tr.ReadMessage(buf)
	if err != nil {
		return fmt.Errorf("failed to read dsp message: %w", err)
	}

	hdr, err := FrameHeader(buf[:n])
	if err != nil {
		return err
	}

	d.router.Dispatch(&Notification{Cmd: hdr.Cmd, Data: buf[:n]})

	return nil
}

// Boot powers the DSP up, runs the firmware and waits for FW_READY.
func (d *Device) Boot() error {
	d.pmMu.Lock()
	defer d.pmMu.Unlock()

	if d.power != nil {
		if err := d.power.PowerUp(); err != nil {
			return fmt.Errorf("failed to power up dsp: %w", err)
		}
	}

	return d.boot()
}

func (d *Device) boot() error {
	done := make(chan struct{}, 1)

	d.mu.Lock()
	d.fwState = SOF_FW_BOOT_IN_PROGRESS
	d.bootErr = nil
	d.bootDone = done
	d.mu.Unlock()

	if d.power != nil {
		if err := d.power.RunFirmware(); err != nil {
			d.setFwState(SOF_FW_BOOT_FAILED)

			return fmt.Errorf("failed to run firmware: %w", err)
		}
	}

	timer := time.NewTimer(d.opts.BootTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		d.setFwState(SOF_FW_BOOT_FAILED)
		d.logger.Error(nil, "Firmware boot timed out", "timeout", d.opts.BootTimeout)

		return fmt.Errorf("firmware boot timed out after %s: %w", d.opts.BootTimeout, syscall.ETIMEDOUT)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fwState != SOF_FW_BOOT_COMPLETE {
		return fmt.Errorf("firmware boot failed: %w", d.bootErr)
	}

	d.powerState = SOF_DSP_PM_D0
	d.logger.Info("Firmware boot complete", "version", d.fwVersion.String(), "abi", AbiString(d.fwVersion.AbiVersion))

	return nil
}

func (d *Device) setFwState(state FwState) {
	d.mu.Lock()
	d.fwState = state
	d.mu.Unlock()
}

// fwReady handles FW_READY. It is ignored outside a boot.
func (d *Device) fwReady(n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fwState != SOF_FW_BOOT_IN_PROGRESS {
		d.logger.V(4).Info("Ignoring FW_READY outside boot", "state", d.fwState)

		return
	}

	var ready IpcFwReady

	err := DecodeFrame(n.Data, &ready)
	if err == nil {
		var v FwVersion
		v, err = validateFwReady(d.logger, &ready, d.opts.StrictABI)
		if err == nil {
			d.ready = ready
			d.fwVersion = v
		}
	}

	if err != nil {
		d.logger.Error(err, "Firmware ready rejected")
		d.fwState = SOF_FW_BOOT_READY_FAILED
		d.bootErr = err
	} else {
		d.fwState = SOF_FW_BOOT_COMPLETE
	}

	select {
	case d.bootDone <- struct{}{}:
	default:
	}
}

// fwException marks the firmware crashed after an IPC timeout.
func (d *Device) fwException(cmd uint32) {
	d.metrics.fwException()
	d.setFwState(SOF_FW_CRASHED)
	d.logger.Error(nil, "Firmware exception", "cmd", CmdString(cmd))

	if d.opts.OnFwException != nil {
		d.opts.OnFwException(cmd)
	}
}

// LoadTopology registers the controls and PCMs of t and builds its graph on the DSP.
func (d *Device) LoadTopology(t *Topology) error {
	if t == nil {
		return fmt.Errorf("topology is nil: %w", syscall.EINVAL)
	}

	if d.FwState() != SOF_FW_BOOT_COMPLETE {
		return ErrNotReady
	}

	var (
		errs     error
		built    bool
		controls []*Control
		pcms     []*Pcm
	)

	for _, c := range t.Controls {
		if err := d.controls.Add(c); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			controls = append(controls, c)
		}
	}

	for _, p := range t.Pcms {
		if err := d.streams.Add(p); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			pcms = append(pcms, p)
		}
	}

	if errs == nil {
		var err error
		if built, err = d.pipeline.load(t); err != nil {
			errs = fmt.Errorf("failed to load topology: %w", err)
		}
	}

	if errs != nil {
		// A control restore failure leaves the graph live and registered.
		if !built {
			d.controls.remove(controls...)
			d.streams.remove(pcms...)
		}

		return errs
	}

	d.logger.Info("Topology loaded", "widgets", len(t.Widgets), "routes", len(t.Routes),
		"daiLinks", len(t.DaiLinks), "controls", len(t.Controls), "pcms", len(t.Pcms))

	return nil
}

// Close disables the IPC channel and powers the DSP down.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}

	d.ipc.Free()

	d.pmMu.Lock()
	defer d.pmMu.Unlock()

	var errs error

	if d.power != nil && d.PowerState() != SOF_DSP_PM_D3 {
		errs = multierr.Append(errs, d.power.PowerDown())
	}

	d.mu.Lock()
	d.powerState = SOF_DSP_PM_D3
	d.fwState = SOF_FW_BOOT_NOT_STARTED
	d.mu.Unlock()

	if c, ok := d.tr.(io.Closer); ok {
		errs = multierr.Append(errs, c.Close())
	}

	return errs
}
