package sof

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"
)

// tplgFile is the on-disk form of a topology.
type tplgFile struct {
	Widgets  []tplgWidget  `json:"widgets"`
	Routes   []tplgRoute   `json:"routes"`
	DaiLinks []tplgDaiLink `json:"daiLinks"`
	Controls []tplgControl `json:"controls"`
	Pcms     []tplgPcm     `json:"pcms"`
}

type tplgWidget struct {
	Name     string `json:"name"`
	ID       uint32 `json:"id"`
	Kind     string `json:"kind"`
	Pipeline uint32 `json:"pipeline"`
	Core     uint32 `json:"core"`

	// Generic components.
	Type string `json:"type,omitempty"`
	Data []byte `json:"data,omitempty"` // Base64 encoded.

	// Schedulers.
	Sched          string `json:"sched,omitempty"` // Name of the scheduling component.
	Period         uint32 `json:"period,omitempty"`
	Priority       uint32 `json:"priority,omitempty"`
	PeriodMips     uint32 `json:"mips,omitempty"`
	FramesPerSched uint32 `json:"frames,omitempty"`
	XrunLimitUsecs uint32 `json:"xrunLimit,omitempty"`
	TimeDomain     uint32 `json:"timeDomain,omitempty"`

	// Buffers.
	Size  uint32 `json:"size,omitempty"`
	Caps  uint32 `json:"caps,omitempty"`
	Flags uint32 `json:"flags,omitempty"`

	// DAI endpoints.
	DaiType   string `json:"daiType,omitempty"`
	DaiIndex  uint32 `json:"daiIndex,omitempty"`
	Direction string `json:"direction,omitempty"`
	Periods   uint32 `json:"periods,omitempty"`
}

type tplgRoute struct {
	Source  string `json:"source"`
	Sink    string `json:"sink"`
	Control string `json:"control,omitempty"`
}

type tplgDaiLink struct {
	Name     string         `json:"name"`
	Widget   string         `json:"widget"`
	Type     string         `json:"type"`
	DaiIndex uint32         `json:"daiIndex"`
	Format   uint16         `json:"format,omitempty"`
	GroupID  uint8          `json:"groupId,omitempty"`
	Hda      *tplgHdaParams `json:"hda,omitempty"`
	Ssp      *tplgSspParams `json:"ssp,omitempty"`
	Params   []byte         `json:"params,omitempty"` // Base64 encoded.
}

type tplgSspParams struct {
	MclkID          uint16 `json:"mclkId,omitempty"`
	MclkRate        uint32 `json:"mclkRate"`
	Fsync           uint32 `json:"fsync"`
	Bclk            uint32 `json:"bclk"`
	TdmSlots        uint32 `json:"tdmSlots"`
	RxSlots         uint32 `json:"rxSlots"`
	TxSlots         uint32 `json:"txSlots"`
	SampleValidBits uint32 `json:"sampleValidBits"`
	TdmSlotWidth    uint16 `json:"tdmSlotWidth"`
	QuirkFlags      uint32 `json:"quirks,omitempty"`
	BclkDelay       uint32 `json:"bclkDelay,omitempty"`
}

type tplgHdaParams struct {
	LinkDmaCh uint32 `json:"linkDmaCh"`
	Rate      uint32 `json:"rate"`
	Channels  uint32 `json:"channels"`
}

type tplgControl struct {
	Name     string   `json:"name"`
	Widget   string   `json:"widget"`
	Type     string   `json:"type"`
	Index    uint32   `json:"index,omitempty"`
	Channels int      `json:"channels,omitempty"`
	Max      uint32   `json:"max,omitempty"`
	Size     int      `json:"size,omitempty"`
	Values   []uint32 `json:"values,omitempty"`
	Data     []byte   `json:"data,omitempty"` // Base64 encoded.
}

type tplgPcm struct {
	ID       uint32      `json:"id"`
	Name     string      `json:"name"`
	DaiName  string      `json:"daiName,omitempty"`
	Playback *tplgStream `json:"playback,omitempty"`
	Capture  *tplgStream `json:"capture,omitempty"`
}

type tplgStream struct {
	Widget string `json:"widget"` // Host component.
	Caps   string `json:"caps,omitempty"`
}

var compTypeNames = map[string]CompType{
	"host":     SOF_COMP_HOST,
	"dai":      SOF_COMP_DAI,
	"volume":   SOF_COMP_VOLUME,
	"mixer":    SOF_COMP_MIXER,
	"mux":      SOF_COMP_MUX,
	"src":      SOF_COMP_SRC,
	"tone":     SOF_COMP_TONE,
	"eq_iir":   SOF_COMP_EQ_IIR,
	"eq_fir":   SOF_COMP_EQ_FIR,
	"selector": SOF_COMP_SELECTOR,
	"demux":    SOF_COMP_DEMUX,
	"asrc":     SOF_COMP_ASRC,
	"dcblock":  SOF_COMP_DCBLOCK,
}

var daiTypeNames = map[string]DaiType{
	"none": SOF_DAI_INTEL_NONE,
	"ssp":  SOF_DAI_INTEL_SSP,
	"dmic": SOF_DAI_INTEL_DMIC,
	"hda":  SOF_DAI_INTEL_HDA,
	"alh":  SOF_DAI_INTEL_ALH,
	"sai":  SOF_DAI_IMX_SAI,
	"esai": SOF_DAI_IMX_ESAI,
}

var ctrlCmdNames = map[string]CtrlCmd{
	"volume": SOF_CTRL_CMD_VOLUME,
	"enum":   SOF_CTRL_CMD_ENUM,
	"switch": SOF_CTRL_CMD_SWITCH,
	"binary": SOF_CTRL_CMD_BINARY,
}

// LoadTopologyFile reads and parses a topology file.
func LoadTopologyFile(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}

	tplg, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}

	return tplg, nil
}

// ParseTopology parses a YAML topology, validates it and orders widgets so that
// every widget follows the widgets it depends on. Ties keep file order.
func ParseTopology(data []byte) (*Topology, error) {
	var f tplgFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	order, err := f.dependencyOrder()
	if err != nil {
		return nil, err
	}

	t := &Topology{}
	byName := make(map[string]*Widget, len(f.Widgets))

	// Widgets are built in file order first so references resolve, then reordered.
	built := make([]*Widget, len(f.Widgets))
	for i := range f.Widgets {
		w := f.Widgets[i].widget()
		built[i] = w
		byName[w.Name] = w
	}

	for i := range f.Widgets {
		if p, ok := built[i].Payload.(*PipelinePayload); ok {
			if sched := f.Widgets[i].Sched; sched != "" {
				p.Pipe.SchedID = byName[sched].CompID
			}
		}
	}

	for _, i := range order {
		t.Widgets = append(t.Widgets, built[i])
	}

	for _, r := range f.Routes {
		route := &Route{Source: r.Source, Sink: r.Sink, Control: r.Control}

		src, sink := byName[r.Source], byName[r.Sink]
		if src.Kind != WidgetVirtual && sink.Kind != WidgetVirtual {
			route.Payload = &RoutePayload{Connect: IpcPipeCompConnect{SourceID: src.CompID, SinkID: sink.CompID}}
		}

		t.Routes = append(t.Routes, route)
	}

	for _, l := range f.DaiLinks {
		t.DaiLinks = append(t.DaiLinks, l.daiLink())
	}

	for _, c := range f.Controls {
		t.Controls = append(t.Controls, c.control(byName[c.Widget]))
	}

	for _, p := range f.Pcms {
		pcm := &Pcm{ID: p.ID, Name: p.Name, DaiName: p.DaiName}

		for dir, s := range []*tplgStream{p.Playback, p.Capture} {
			if s == nil {
				continue
			}

			pcm.CapsName[dir] = s.Caps
			pcm.Streams[dir] = &PcmStream{CompID: byName[s.Widget].CompID, Direction: Direction(dir)}
		}

		t.Pcms = append(t.Pcms, pcm)
	}

	return t, nil
}

// validate collects every problem in the file.
func (f *tplgFile) validate() error {
	var errs error

	ids := sets.New[uint32]()
	names := sets.New[string]()
	kinds := make(map[string]WidgetKind, len(f.Widgets))

	for i, w := range f.Widgets {
		if w.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("widget %d has no name", i))

			continue
		}

		if names.Has(w.Name) {
			errs = multierr.Append(errs, fmt.Errorf("duplicate widget name %q", w.Name))
		}
		names.Insert(w.Name)

		kind, ok := parseWidgetKind(w.Kind)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("widget %q: unknown kind %q", w.Name, w.Kind))

			continue
		}
		kinds[w.Name] = kind

		if kind == WidgetVirtual {
			continue
		}

		if ids.Has(w.ID) {
			errs = multierr.Append(errs, fmt.Errorf("widget %q: duplicate component id %d", w.Name, w.ID))
		}
		ids.Insert(w.ID)

		switch kind {
		case WidgetGeneric:
			if _, ok := compTypeNames[w.Type]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("widget %q: unknown component type %q", w.Name, w.Type))
			}
		case WidgetDai:
			if _, ok := daiTypeNames[w.DaiType]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("widget %q: unknown dai type %q", w.Name, w.DaiType))
			}

			if _, ok := parseDirection(w.Direction); !ok {
				errs = multierr.Append(errs, fmt.Errorf("widget %q: unknown direction %q", w.Name, w.Direction))
			}
		}
	}

	for _, w := range f.Widgets {
		if kinds[w.Name] == WidgetScheduler && w.Sched != "" && !names.Has(w.Sched) {
			errs = multierr.Append(errs, fmt.Errorf("pipeline %q: unknown scheduling component %q", w.Name, w.Sched))
		}
	}

	for _, r := range f.Routes {
		for _, end := range []string{r.Source, r.Sink} {
			if !names.Has(end) {
				errs = multierr.Append(errs, fmt.Errorf("route %s -> %s: unknown widget %q", r.Source, r.Sink, end))
			}
		}
	}

	links := sets.New[string]()
	for _, l := range f.DaiLinks {
		if links.Has(l.Name) {
			errs = multierr.Append(errs, fmt.Errorf("duplicate dai link %q", l.Name))
		}
		links.Insert(l.Name)

		if kind, ok := kinds[l.Widget]; !ok || kind != WidgetDai {
			errs = multierr.Append(errs, fmt.Errorf("dai link %q: %q is not a dai widget", l.Name, l.Widget))
		}

		if l.Type != "" {
			if _, ok := daiTypeNames[l.Type]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("dai link %q: unknown dai type %q", l.Name, l.Type))
			}
		}
	}

	for _, c := range f.Controls {
		if kind, ok := kinds[c.Widget]; !ok || kind == WidgetVirtual {
			errs = multierr.Append(errs, fmt.Errorf("control %q: unknown widget %q", c.Name, c.Widget))
		}

		cmd, ok := ctrlCmdNames[c.Type]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("control %q: unknown type %q", c.Name, c.Type))

			continue
		}

		if cmd == SOF_CTRL_CMD_BINARY {
			if c.Size > 0 && len(c.Data) > c.Size {
				errs = multierr.Append(errs, fmt.Errorf("control %q: %d bytes of data exceed size %d", c.Name, len(c.Data), c.Size))
			}
		} else {
			if c.Channels <= 0 {
				errs = multierr.Append(errs, fmt.Errorf("control %q: channels must be positive", c.Name))
			}

			if len(c.Values) != 0 && len(c.Values) != c.Channels {
				errs = multierr.Append(errs, fmt.Errorf("control %q: %d values for %d channels", c.Name, len(c.Values), c.Channels))
			}
		}
	}

	pcmIDs := sets.New[uint32]()
	for _, p := range f.Pcms {
		if pcmIDs.Has(p.ID) {
			errs = multierr.Append(errs, fmt.Errorf("duplicate pcm id %d", p.ID))
		}
		pcmIDs.Insert(p.ID)

		for _, s := range []*tplgStream{p.Playback, p.Capture} {
			if s == nil {
				continue
			}

			if kind, ok := kinds[s.Widget]; !ok || kind == WidgetVirtual {
				errs = multierr.Append(errs, fmt.Errorf("pcm %q: unknown host widget %q", p.Name, s.Widget))
			}
		}
	}

	return errs
}

// dependencyOrder returns widget indices so that sources precede sinks and a
// scheduling component precedes its pipeline.
func (f *tplgFile) dependencyOrder() ([]int, error) {
	g := simple.NewDirectedGraph()
	index := make(map[string]int64, len(f.Widgets))

	for i, w := range f.Widgets {
		g.AddNode(simple.Node(i))
		index[w.Name] = int64(i)
	}

	addEdge := func(from, to int64) {
		if from == to || g.HasEdgeFromTo(from, to) {
			return
		}

		g.SetEdge(g.NewEdge(g.Node(from), g.Node(to)))
	}

	for _, r := range f.Routes {
		addEdge(index[r.Source], index[r.Sink])
	}

	for i, w := range f.Widgets {
		if w.Sched != "" {
			addEdge(index[w.Sched], int64(i))
		}
	}

	sorted, err := topo.SortStabilized(g, nil)
	if err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) {
			return nil, fmt.Errorf("topology has a dependency cycle through %s", cycleNames(f, cycles))
		}

		return nil, err
	}

	order := make([]int, len(sorted))
	for i, n := range sorted {
		order[i] = int(n.ID())
	}

	return order, nil
}

func cycleNames(f *tplgFile, cycles topo.Unorderable) string {
	var names []string
	for _, c := range cycles {
		for _, n := range c {
			names = append(names, f.Widgets[n.ID()].Name)
		}
	}

	return strings.Join(names, ", ")
}

func parseWidgetKind(s string) (WidgetKind, bool) {
	for k, name := range WidgetKindNames {
		if name == s {
			return k, true
		}
	}

	return 0, false
}

func parseDirection(s string) (Direction, bool) {
	switch s {
	case "", "playback":
		return SNDRV_PCM_STREAM_PLAYBACK, true
	case "capture":
		return SNDRV_PCM_STREAM_CAPTURE, true
	default:
		return 0, false
	}
}

// widget builds the model and payload of a validated widget.
func (w *tplgWidget) widget() *Widget {
	kind, _ := parseWidgetKind(w.Kind)

	out := &Widget{
		CompID:     w.ID,
		Name:       w.Name,
		Kind:       kind,
		PipelineID: w.Pipeline,
		Core:       w.Core,
	}

	comp := IpcComp{ID: w.ID, PipelineID: w.Pipeline, Core: w.Core}

	switch kind {
	case WidgetGeneric:
		comp.Type = compTypeNames[w.Type]
		out.Payload = &ComponentPayload{Comp: comp, Data: w.Data}
	case WidgetBuffer:
		comp.Type = SOF_COMP_BUFFER
		out.Payload = &BufferPayload{Buffer: IpcBuffer{Comp: comp, Size: w.Size, Caps: w.Caps, Flags: w.Flags}}
	case WidgetDai:
		comp.Type = SOF_COMP_DAI
		dir, _ := parseDirection(w.Direction)
		out.Payload = &DaiComponentPayload{Dai: IpcCompDai{
			Comp:      comp,
			Config:    IpcCompConfig{PeriodsSink: w.Periods, PeriodsSource: w.Periods},
			Direction: uint32(dir),
			DaiIndex:  w.DaiIndex,
			Type:      daiTypeNames[w.DaiType],
		}}
	case WidgetScheduler:
		out.Payload = &PipelinePayload{Pipe: IpcPipeNew{
			CompID:         w.ID,
			PipelineID:     w.Pipeline,
			Core:           w.Core,
			Period:         w.Period,
			Priority:       w.Priority,
			PeriodMips:     w.PeriodMips,
			FramesPerSched: w.FramesPerSched,
			XrunLimitUsecs: w.XrunLimitUsecs,
			TimeDomain:     w.TimeDomain,
		}}
	}

	return out
}

func (l *tplgDaiLink) daiLink() *DaiLink {
	link := &DaiLink{Name: l.Name, Widget: l.Widget}

	if l.Type == "" {
		return link
	}

	cfg := &DaiConfigPayload{
		Config: IpcDaiConfig{
			Type:     daiTypeNames[l.Type],
			DaiIndex: l.DaiIndex,
			Format:   l.Format,
			GroupID:  l.GroupID,
		},
		Params: l.Params,
	}

	if l.Hda != nil {
		cfg.Hda = &IpcDaiHdaParams{LinkDmaCh: l.Hda.LinkDmaCh, Rate: l.Hda.Rate, Channels: l.Hda.Channels}
	}

	if l.Ssp != nil {
		cfg.Ssp = &IpcDaiSspParams{
			MclkID:          l.Ssp.MclkID,
			MclkRate:        l.Ssp.MclkRate,
			Fsync:           l.Ssp.Fsync,
			Bclk:            l.Ssp.Bclk,
			TdmSlots:        l.Ssp.TdmSlots,
			RxSlots:         l.Ssp.RxSlots,
			TxSlots:         l.Ssp.TxSlots,
			SampleValidBits: l.Ssp.SampleValidBits,
			TdmSlotWidth:    l.Ssp.TdmSlotWidth,
			QuirkFlags:      l.Ssp.QuirkFlags,
			BclkDelay:       l.Ssp.BclkDelay,
		}
	}

	link.Config = cfg

	return link
}

func (c *tplgControl) control(w *Widget) *Control {
	ctl := &Control{
		Name:        c.Name,
		CompID:      w.CompID,
		Cmd:         ctrlCmdNames[c.Type],
		Index:       c.Index,
		NumChannels: c.Channels,
		Max:         c.Max,
		Size:        c.Size,
	}

	if ctl.IsBinary() {
		ctl.data = append([]byte(nil), c.Data...)
		if ctl.Size == 0 {
			ctl.Size = len(c.Data)
		}
	} else {
		ctl.values = make([]uint32, c.Channels)
		copy(ctl.values, c.Values)
	}

	return ctl
}
