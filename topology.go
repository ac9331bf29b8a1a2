package sof

// WidgetKind classifies a graph node by how the DSP creates and frees it.
type WidgetKind int

const (
	WidgetGeneric   WidgetKind = iota // Processing component, COMP_NEW/COMP_FREE.
	WidgetScheduler                   // Pipeline root, PIPE_NEW/PIPE_FREE.
	WidgetBuffer                      // Inter-component buffer, BUFFER_NEW/BUFFER_FREE.
	WidgetDai                         // DAI endpoint, COMP_NEW/COMP_FREE.
	WidgetVirtual                     // Host-only node, never built on the DSP.
)

// WidgetKindNames maps the kinds to their topology names.
var WidgetKindNames = map[WidgetKind]string{
	WidgetGeneric:   "generic",
	WidgetScheduler: "scheduler",
	WidgetBuffer:    "buffer",
	WidgetDai:       "dai",
	WidgetVirtual:   "virtual",
}

// String returns the topology name of the kind.
func (k WidgetKind) String() string {
	if name, ok := WidgetKindNames[k]; ok {
		return name
	}

	return "unknown"
}

// freeCmd returns the command that destroys a widget of this kind.
func (k WidgetKind) freeCmd() uint32 {
	switch k {
	case WidgetScheduler:
		return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_PIPE_FREE
	case WidgetBuffer:
		return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_BUFFER_FREE
	default:
		return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_COMP_FREE
	}
}

// Payload is the retained construction message of a graph entity.
// The set of payload shapes is closed.
type Payload interface {
	// Cmd returns the header word the payload is sent with.
	Cmd() uint32
	// Frame returns the encoded message.
	Frame() []byte

	payload()
}

// ComponentPayload creates a generic processing component. Data holds the
// type-specific part that follows the component descriptor.
type ComponentPayload struct {
	Comp IpcComp
	Data []byte
}

func (p *ComponentPayload) Cmd() uint32   { return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_COMP_NEW }
func (p *ComponentPayload) Frame() []byte { return EncodeFrame(p.Cmd(), p.Comp, p.Data) }
func (p *ComponentPayload) payload()      {}

// BufferPayload creates a buffer.
type BufferPayload struct {
	Buffer IpcBuffer
}

func (p *BufferPayload) Cmd() uint32   { return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_BUFFER_NEW }
func (p *BufferPayload) Frame() []byte { return EncodeFrame(p.Cmd(), p.Buffer, nil) }
func (p *BufferPayload) payload()      {}

// DaiComponentPayload creates a DAI endpoint component.
type DaiComponentPayload struct {
	Dai IpcCompDai
}

func (p *DaiComponentPayload) Cmd() uint32   { return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_COMP_NEW }
func (p *DaiComponentPayload) Frame() []byte { return EncodeFrame(p.Cmd(), p.Dai, nil) }
func (p *DaiComponentPayload) payload()      {}

// PipelinePayload creates a pipeline scheduler.
type PipelinePayload struct {
	Pipe IpcPipeNew
}

func (p *PipelinePayload) Cmd() uint32   { return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_PIPE_NEW }
func (p *PipelinePayload) Frame() []byte { return EncodeFrame(p.Cmd(), p.Pipe, nil) }
func (p *PipelinePayload) payload()      {}

// RoutePayload connects two components.
type RoutePayload struct {
	Connect IpcPipeCompConnect
}

func (p *RoutePayload) Cmd() uint32   { return SOF_IPC_GLB_TPLG_MSG | SOF_IPC_TPLG_COMP_CONNECT }
func (p *RoutePayload) Frame() []byte { return EncodeFrame(p.Cmd(), p.Connect, nil) }
func (p *RoutePayload) payload()      {}

// DaiConfigPayload configures a DAI. Hda is set for HDA links and Ssp for
// SSP links. Params carries the encoded parameters of any other interface type.
type DaiConfigPayload struct {
	Config IpcDaiConfig
	Hda    *IpcDaiHdaParams
	Ssp    *IpcDaiSspParams
	Params []byte
}

func (p *DaiConfigPayload) Cmd() uint32 { return SOF_IPC_GLB_DAI_MSG | SOF_IPC_DAI_CONFIG }

func (p *DaiConfigPayload) Frame() []byte {
	tail := p.Params
	switch {
	case p.Hda != nil:
		tail = encodeParams(*p.Hda)
	case p.Ssp != nil:
		tail = encodeParams(*p.Ssp)
	}

	return EncodeFrame(p.Cmd(), p.Config, tail)
}

func (p *DaiConfigPayload) payload() {}

// InvalidateLinkDMA drops the link DMA channel of an HDA link so the
// firmware allocates a fresh one.
func (p *DaiConfigPayload) InvalidateLinkDMA() {
	if p.Config.Type == SOF_DAI_INTEL_HDA && p.Hda != nil {
		p.Hda.LinkDmaCh = DMA_CHAN_INVALID
	}
}

// Widget is one node of the DSP graph.
type Widget struct {
	CompID     uint32
	Name       string
	Kind       WidgetKind
	PipelineID uint32
	Core       uint32
	Payload    Payload // nil when the widget is never built on the DSP.
	Complete   bool    // Set once the pipeline of a scheduler is complete.
}

// Route is a directed connection between two widgets.
type Route struct {
	Source  string
	Sink    string
	Control string  // Optional mixer or mux qualifier.
	Payload Payload // nil when an endpoint is host-only.
}

// DaiLink binds a host DAI to a DSP DAI widget and keeps its last configuration.
type DaiLink struct {
	Name   string
	Widget string
	Config *DaiConfigPayload
}

// Topology is a parsed audio graph in dependency order.
type Topology struct {
	Widgets  []*Widget
	Routes   []*Route
	DaiLinks []*DaiLink
	Controls []*Control
	Pcms     []*Pcm
}

// Widget returns the widget with the given name or nil.
func (t *Topology) Widget(name string) *Widget {
	for _, w := range t.Widgets {
		if w.Name == name {
			return w
		}
	}

	return nil
}
