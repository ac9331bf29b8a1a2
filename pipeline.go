package sof

import (
	"fmt"
	"sync"
	"syscall"

	"k8s.io/klog/v2"
)

// PipelineState is the lifecycle state of the DSP graph.
type PipelineState int

const (
	PipelineDestroyed  PipelineState = iota // Graph absent from the DSP, host model retained.
	PipelineActive                          // Graph live on the DSP.
	PipelineSuspending                      // Destroy in progress.
	PipelineRestoring                       // Restore in progress.
)

// String returns the name of the state.
func (s PipelineState) String() string {
	switch s {
	case PipelineDestroyed:
		return "destroyed"
	case PipelineActive:
		return "active"
	case PipelineSuspending:
		return "suspending"
	case PipelineRestoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// Coordinator keeps the host model of the DSP graph and rebuilds it across
// power transitions. Lists are kept in dependency order, producers first.
type Coordinator struct {
	logger   klog.Logger
	ipc      *Ipc
	metrics  *Metrics
	streams  *Streams
	controls *Controls

	// corePowerUp powers the DSP cores in mask, nil when cores are not managed.
	corePowerUp func(mask uint32) error

	mu           sync.Mutex // Serializes lifecycle passes and protects the fields below.
	state        PipelineState
	widgets      []*Widget
	routes       []*Route
	daiLinks     []*DaiLink
	enabledCores uint32
}

func newCoordinator(logger klog.Logger, ipc *Ipc, metrics *Metrics, streams *Streams, controls *Controls) *Coordinator {
	return &Coordinator{
		logger:       logger.WithName("pipeline"),
		ipc:          ipc,
		metrics:      metrics,
		streams:      streams,
		controls:     controls,
		state:        PipelineDestroyed,
		enabledCores: 1,
	}
}

// State returns the lifecycle state.
func (c *Coordinator) State() PipelineState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Widgets returns the widgets in creation order.
func (c *Coordinator) Widgets() []*Widget {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*Widget(nil), c.widgets...)
}

// Routes returns the routes in creation order.
func (c *Coordinator) Routes() []*Route {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*Route(nil), c.routes...)
}

// DaiLinks returns the DAI links in creation order.
func (c *Coordinator) DaiLinks() []*DaiLink {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*DaiLink(nil), c.daiLinks...)
}

// EnabledCores returns the mask of DSP cores enabled for pipelines.
func (c *Coordinator) EnabledCores() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.enabledCores
}

func (c *Coordinator) setState(state PipelineState) {
	c.state = state
	c.metrics.transition(state)
}

// load adopts the graph of t and builds it on the DSP in creation order.
// When a step fails, the widgets already built are freed and the graph is
// dropped, so the load can be retried. built reports that t became the live
// graph, which is also the case when only the control restore fails.
func (c *Coordinator) load(t *Topology) (built bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != PipelineDestroyed || !c.empty() {
		return false, fmt.Errorf("a topology is already loaded: %w", syscall.EBUSY)
	}

	c.widgets = append([]*Widget(nil), t.Widgets...)
	c.routes = append([]*Route(nil), t.Routes...)
	c.daiLinks = append([]*DaiLink(nil), t.DaiLinks...)

	c.setState(PipelineRestoring)

	for i, w := range c.widgets {
		if err := c.setupWidget(w); err != nil {
			return false, c.abortLoad(i, err)
		}
	}

	for _, r := range c.routes {
		if err := c.setupRoute(r); err != nil {
			return false, c.abortLoad(len(c.widgets), err)
		}
	}

	if err := c.setupDaiLinks(false); err != nil {
		return false, c.abortLoad(len(c.widgets), err)
	}

	if err := c.completePipelines(); err != nil {
		return false, c.abortLoad(len(c.widgets), err)
	}

	c.setState(PipelineActive)

	return true, c.restoreControls()
}

// abortLoad frees the first built widgets in reverse order and drops the graph.
// Free failures are logged, err is returned.
func (c *Coordinator) abortLoad(built int, err error) error {
	for i := built - 1; i >= 0; i-- {
		w := c.widgets[i]
		if w.Payload == nil {
			continue
		}

		frame := EncodeFrame(w.Kind.freeCmd(), IpcFree{ID: w.CompID}, nil)
		if _, ferr := c.ipc.tx(frame); ferr != nil {
			c.logger.Error(ferr, "Failed to free widget after load failure", "widget", w.Name, "kind", w.Kind)
		}

		w.Complete = false
	}

	c.widgets = nil
	c.routes = nil
	c.daiLinks = nil
	c.enabledCores = 1

	c.setState(PipelineDestroyed)

	return err
}

// empty reports whether no graph is retained.
func (c *Coordinator) empty() bool {
	return len(c.widgets) == 0 && len(c.routes) == 0 && len(c.daiLinks) == 0
}

// Destroy frees every built widget in reverse creation order. It does nothing
// when the graph is already destroyed. The first failure aborts the pass.
func (c *Coordinator) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == PipelineDestroyed {
		return nil
	}

	c.setState(PipelineSuspending)

	for i := len(c.widgets) - 1; i >= 0; i-- {
		w := c.widgets[i]
		if w.Payload == nil {
			continue
		}

		frame := EncodeFrame(w.Kind.freeCmd(), IpcFree{ID: w.CompID}, nil)

		if _, err := c.ipc.tx(frame); err != nil {
			c.setState(PipelineDestroyed)
			c.logger.Error(err, "Failed to free widget", "widget", w.Name, "kind", w.Kind)

			return fmt.Errorf("failed to free widget %s: %w", w.Name, err)
		}

		w.Complete = false
	}

	c.setState(PipelineDestroyed)

	return nil
}

// SetHwParamsUponResume clears the hw-params-applied flag of every suspended
// stream so parameters are sent again before I/O. It never talks to the DSP.
func (c *Coordinator) SetHwParamsUponResume() {
	if c.streams == nil {
		return
	}

	c.streams.each(func(s *PcmStream) {
		if s.clearHwParamsIfSuspended() {
			c.logger.V(4).Info("Stream needs hw params on resume", "comp", s.CompID)
		}
	})
}

// Restore rebuilds a destroyed graph: widgets and routes in reverse creation
// order, DAI links in creation order, then pipeline completion and control values.
// A failure before the controls leaves the graph destroyed. A control failure is
// returned with the graph active. Without a loaded topology it does nothing.
func (c *Coordinator) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != PipelineDestroyed {
		return fmt.Errorf("cannot restore from state %s: %w", c.state, syscall.EBUSY)
	}

	if c.empty() {
		c.logger.V(4).Info("No topology to restore")

		return nil
	}

	c.setState(PipelineRestoring)
	c.enabledCores = 1

	for i := len(c.widgets) - 1; i >= 0; i-- {
		if err := c.setupWidget(c.widgets[i]); err != nil {
			c.setState(PipelineDestroyed)

			return err
		}
	}

	for i := len(c.routes) - 1; i >= 0; i-- {
		if err := c.setupRoute(c.routes[i]); err != nil {
			c.setState(PipelineDestroyed)

			return err
		}
	}

	if err := c.setupDaiLinks(true); err != nil {
		c.setState(PipelineDestroyed)

		return err
	}

	if err := c.completePipelines(); err != nil {
		c.setState(PipelineDestroyed)

		return err
	}

	c.setState(PipelineActive)

	return c.restoreControls()
}

// setupWidget sends the construction message of w.
func (c *Coordinator) setupWidget(w *Widget) error {
	var err error

	switch p := w.Payload.(type) {
	case nil:
		return nil
	case *DaiComponentPayload:
		_, err = c.ipc.tx(p.Frame())
	case *PipelinePayload:
		err = c.newPipeline(p)
	default:
		_, err = c.ipc.tx(p.Frame())
	}

	if err != nil {
		c.logger.Error(err, "Failed to restore widget", "widget", w.Name, "kind", w.Kind)

		return fmt.Errorf("failed to set up widget %s: %w", w.Name, err)
	}

	return nil
}

// newPipeline enables the core a pipeline runs on and creates the pipeline.
func (c *Coordinator) newPipeline(p *PipelinePayload) error {
	mask := uint32(1) << p.Pipe.Core

	if c.corePowerUp != nil {
		if err := c.corePowerUp(mask); err != nil {
			return fmt.Errorf("failed to power up core %d: %w", p.Pipe.Core, err)
		}
	}

	c.enabledCores |= mask

	frame := EncodeFrame(SOF_IPC_GLB_PM_MSG|SOF_IPC_PM_CORE_ENABLE, IpcPmCoreConfig{EnableMask: c.enabledCores}, nil)
	if _, err := c.ipc.tx(frame); err != nil {
		return fmt.Errorf("failed to enable core %d: %w", p.Pipe.Core, err)
	}

	_, err := c.ipc.tx(p.Frame())

	return err
}

// setupRoute replays a route connection.
func (c *Coordinator) setupRoute(r *Route) error {
	if r.Payload == nil {
		return nil
	}

	if _, err := c.ipc.tx(r.Payload.Frame()); err != nil {
		c.logger.Error(err, "Failed to restore route", "source", r.Source, "sink", r.Sink)

		return fmt.Errorf("failed to set up route %s -> %s: %w", r.Source, r.Sink, err)
	}

	return nil
}

// setupDaiLinks replays DAI configurations in creation order. After a power
// cycle the HDA link DMA channel is invalidated first.
func (c *Coordinator) setupDaiLinks(invalidate bool) error {
	for _, l := range c.daiLinks {
		if l.Config == nil {
			c.logger.Info("No DAI config to restore", "link", l.Name)

			continue
		}

		if invalidate {
			l.Config.InvalidateLinkDMA()
		}

		if _, err := c.ipc.tx(l.Config.Frame()); err != nil {
			c.logger.Error(err, "Failed to restore DAI config", "link", l.Name)

			return fmt.Errorf("failed to set dai config for %s: %w", l.Name, err)
		}
	}

	return nil
}

// completePipelines marks every scheduler complete, in creation order.
func (c *Coordinator) completePipelines() error {
	for _, w := range c.widgets {
		if w.Kind != WidgetScheduler || w.Payload == nil {
			continue
		}

		frame := EncodeFrame(SOF_IPC_GLB_TPLG_MSG|SOF_IPC_TPLG_PIPE_COMPLETE, IpcPipeReady{CompID: w.CompID}, nil)

		if _, err := c.ipc.tx(frame); err != nil {
			w.Complete = false
			c.logger.Error(err, "Failed to complete pipeline", "pipeline", w.Name)

			return fmt.Errorf("failed to complete pipeline %s: %w", w.Name, err)
		}

		w.Complete = true
	}

	return nil
}

// restoreControls pushes every control shadow to the DSP in list order.
func (c *Coordinator) restoreControls() error {
	if c.controls == nil {
		return nil
	}

	for _, ctl := range c.controls.list() {
		if err := ctl.restore(); err != nil {
			c.logger.Error(err, "Failed to restore control", "control", ctl.Name)

			return err
		}
	}

	return nil
}
