package sof

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"syscall"

	"k8s.io/klog/v2"
)

// Control is the host-side shadow of a DSP component control.
type Control struct {
	Name        string
	CompID      uint32
	Cmd         CtrlCmd
	Index       uint32 // Control index within the component.
	NumChannels int    // Channels of a value control.
	Max         uint32 // Largest value a channel accepts, 0 for no limit.
	Size        int    // Byte size of a binary control.

	id    uint32
	ctrls *Controls

	opMu           sync.Mutex // Serializes DSP transfers with their shadow updates.
	mu             sync.Mutex // Protects the shadow below.
	values         []uint32
	data           []byte
	readbackOffset int
}

// ID returns the numeric id assigned when the control was registered.
func (c *Control) ID() uint32 {
	if c == nil {
		return ^uint32(0)
	}

	return c.id
}

// IsBinary reports whether the control carries opaque binary data.
func (c *Control) IsBinary() bool {
	return c != nil && c.Cmd == SOF_CTRL_CMD_BINARY
}

// Values returns the shadowed channel values.
func (c *Control) Values() []uint32 {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint32(nil), c.values...)
}

// Data returns the shadowed binary data.
func (c *Control) Data() []byte {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]byte(nil), c.data...)
}

// SetValues writes one value per channel to the DSP and updates the shadow.
func (c *Control) SetValues(values []uint32) error {
	if c == nil {
		return fmt.Errorf("control is nil")
	}

	if c.IsBinary() {
		return fmt.Errorf("control %q is binary: %w", c.Name, syscall.EINVAL)
	}

	if len(values) != c.NumChannels {
		return fmt.Errorf("control %q has %d channels, got %d values: %w", c.Name, c.NumChannels, len(values), syscall.EINVAL)
	}

	for i, v := range values {
		if c.Max != 0 && v > c.Max {
			return fmt.Errorf("control %q channel %d: value %d out of range [0, %d]: %w", c.Name, i, v, c.Max, syscall.EINVAL)
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ctrls.sendValues(c, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.values = append(c.values[:0], values...)
	c.mu.Unlock()

	return nil
}

// SetValue writes a single channel.
func (c *Control) SetValue(channel int, value uint32) error {
	if c == nil {
		return fmt.Errorf("control is nil")
	}

	if channel < 0 || channel >= c.NumChannels {
		return fmt.Errorf("channel %d out of range for control %q: %w", channel, c.Name, syscall.EINVAL)
	}

	values := c.Values()
	if len(values) != c.NumChannels {
		values = make([]uint32, c.NumChannels)
	}

	values[channel] = value

	return c.SetValues(values)
}

// GetValues reads the channel values from the DSP and refreshes the shadow.
func (c *Control) GetValues() ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("control is nil")
	}

	if c.IsBinary() {
		return nil, fmt.Errorf("control %q is binary: %w", c.Name, syscall.EINVAL)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	values, err := c.ctrls.recvValues(c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.values = append(c.values[:0], values...)
	c.mu.Unlock()

	return values, nil
}

// SetData writes binary data to the DSP and updates the shadow.
// Data that does not fit one frame is sent in chunks.
func (c *Control) SetData(data []byte) error {
	if c == nil {
		return fmt.Errorf("control is nil")
	}

	if !c.IsBinary() {
		return fmt.Errorf("control %q is not binary: %w", c.Name, syscall.EINVAL)
	}

	if c.Size > 0 && len(data) > c.Size {
		return fmt.Errorf("control %q holds %d bytes, got %d: %w", c.Name, c.Size, len(data), syscall.EINVAL)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.ctrls.sendData(c, data); err != nil {
		return err
	}

	c.mu.Lock()
	c.data = append(c.data[:0], data...)
	c.mu.Unlock()

	return nil
}

// GetData reads Size bytes of binary data from the DSP and refreshes the shadow.
func (c *Control) GetData() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("control is nil")
	}

	if !c.IsBinary() {
		return nil, fmt.Errorf("control %q is not binary: %w", c.Name, syscall.EINVAL)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	data, err := c.ctrls.recvData(c, c.Size)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.data = append(c.data[:0], data...)
	c.readbackOffset = 0
	c.mu.Unlock()

	return data, nil
}

// Read reads the shadowed binary data from the readback cursor.
// It returns io.EOF once the cursor reaches the end.
func (c *Control) Read(p []byte) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("control is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readbackOffset >= len(c.data) {
		return 0, io.EOF
	}

	n := copy(p, c.data[c.readbackOffset:])
	c.readbackOffset += n

	return n, nil
}

// ReadbackOffset returns the readback cursor.
func (c *Control) ReadbackOffset() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.readbackOffset
}

// ResetReadback rewinds the readback cursor.
func (c *Control) ResetReadback() {
	c.mu.Lock()
	c.readbackOffset = 0
	c.mu.Unlock()
}

// restore resets the cursor and pushes the shadow to the DSP.
func (c *Control) restore() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.readbackOffset = 0
	values := append([]uint32(nil), c.values...)
	data := append([]byte(nil), c.data...)
	c.mu.Unlock()

	if c.IsBinary() {
		return c.ctrls.sendData(c, data)
	}

	if len(values) != c.NumChannels {
		values = make([]uint32, c.NumChannels)
	}

	return c.ctrls.sendValues(c, values)
}

// Controls is the registry of control shadows, in registration order.
type Controls struct {
	logger klog.Logger
	ipc    *Ipc
	abi    func() uint32

	mu       sync.RWMutex
	Ctls     []*Control
	ctlMap   map[string][]*Control // Maps a name to one or more controls
	ctlIdMap map[uint32]*Control   // Maps an id to its control
}

func newControls(logger klog.Logger, ipc *Ipc, abi func() uint32) *Controls {
	return &Controls{
		logger:   logger.WithName("control"),
		ipc:      ipc,
		abi:      abi,
		ctlMap:   make(map[string][]*Control),
		ctlIdMap: make(map[uint32]*Control),
	}
}

// Add registers a control and assigns its id.
func (m *Controls) Add(c *Control) error {
	if c == nil {
		return fmt.Errorf("control is nil: %w", syscall.EINVAL)
	}

	switch c.Cmd {
	case SOF_CTRL_CMD_VOLUME, SOF_CTRL_CMD_SWITCH, SOF_CTRL_CMD_ENUM:
		if c.NumChannels <= 0 {
			return fmt.Errorf("control %q has no channels: %w", c.Name, syscall.EINVAL)
		}
	case SOF_CTRL_CMD_BINARY:
	default:
		return fmt.Errorf("control %q has unknown type %d: %w", c.Name, c.Cmd, syscall.EINVAL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c.ctrls = m
	c.id = 1
	if n := len(m.Ctls); n > 0 {
		c.id = m.Ctls[n-1].id + 1
	}

	m.Ctls = append(m.Ctls, c)
	m.ctlMap[c.Name] = append(m.ctlMap[c.Name], c)
	m.ctlIdMap[c.id] = c

	return nil
}

// remove unregisters ctls. Ids of the remaining controls do not change.
func (m *Controls) remove(ctls ...*Control) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range ctls {
		m.Ctls = slices.DeleteFunc(m.Ctls, func(ctl *Control) bool { return ctl == c })
		m.ctlMap[c.Name] = slices.DeleteFunc(m.ctlMap[c.Name], func(ctl *Control) bool { return ctl == c })
		if len(m.ctlMap[c.Name]) == 0 {
			delete(m.ctlMap, c.Name)
		}

		delete(m.ctlIdMap, c.id)
	}
}

// NumCtls returns the number of registered controls.
func (m *Controls) NumCtls() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.Ctls)
}

// Ctl returns a control by its numeric id.
func (m *Controls) Ctl(id uint32) (*Control, error) {
	if m == nil {
		return nil, fmt.Errorf("controls is nil")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ctl, ok := m.ctlIdMap[id]
	if !ok {
		return nil, fmt.Errorf("control with id %d not found", id)
	}

	return ctl, nil
}

// CtlByName returns the first control with the given name.
func (m *Controls) CtlByName(name string) (*Control, error) {
	return m.CtlByNameAndIndex(name, 0)
}

// CtlByNameAndIndex returns the index-th control with the given name.
func (m *Controls) CtlByNameAndIndex(name string, index uint) (*Control, error) {
	if m == nil {
		return nil, fmt.Errorf("controls is nil")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ctls, ok := m.ctlMap[name]
	if !ok {
		return nil, fmt.Errorf("control %q not found", name)
	}

	if index >= uint(len(ctls)) {
		return nil, fmt.Errorf("control %q index %d is out of bounds (count: %d)", name, index, len(ctls))
	}

	return ctls[index], nil
}

// list returns a snapshot of the controls in registration order.
func (m *Controls) list() []*Control {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*Control(nil), m.Ctls...)
}

func (m *Controls) ctrlData(c *Control, typ CtrlType, n int) IpcCtrlData {
	return IpcCtrlData{
		CompID:   c.CompID,
		Type:     typ,
		Cmd:      c.Cmd,
		Index:    c.Index,
		NumElems: uint32(n),
	}
}

func (m *Controls) sendValues(c *Control, values []uint32) error {
	chans := make([]IpcCtrlValueChan, len(values))
	for i, v := range values {
		chans[i] = IpcCtrlValueChan{Channel: uint32(i), Value: v}
	}

	cdata := m.ctrlData(c, SOF_CTRL_TYPE_VALUE_CHAN_SET, len(chans))
	payload := EncodeValues(chans)

	_, err := m.transfer(cdata, SOF_IPC_GLB_COMP_MSG|SOF_IPC_COMP_SET_VALUE, payload, true)
	if err != nil {
		return fmt.Errorf("set value on control %q failed: %w", c.Name, err)
	}

	return nil
}

func (m *Controls) recvValues(c *Control) ([]uint32, error) {
	cdata := m.ctrlData(c, SOF_CTRL_TYPE_VALUE_CHAN_GET, c.NumChannels)
	payload := make([]byte, c.NumChannels*IpcCtrlValueSize)

	reply, err := m.transfer(cdata, SOF_IPC_GLB_COMP_MSG|SOF_IPC_COMP_GET_VALUE, payload, false)
	if err != nil {
		return nil, fmt.Errorf("get value on control %q failed: %w", c.Name, err)
	}

	chans, err := DecodeValues(reply, c.NumChannels)
	if err != nil {
		return nil, err
	}

	values := make([]uint32, c.NumChannels)
	for i, ch := range chans {
		if int(ch.Channel) < len(values) {
			values[ch.Channel] = ch.Value
		} else {
			values[i] = ch.Value
		}
	}

	return values, nil
}

func (m *Controls) sendData(c *Control, data []byte) error {
	cdata := m.ctrlData(c, SOF_CTRL_TYPE_DATA_SET, len(data))

	_, err := m.transfer(cdata, SOF_IPC_GLB_COMP_MSG|SOF_IPC_COMP_SET_DATA, data, true)
	if err != nil {
		return fmt.Errorf("set data on control %q failed: %w", c.Name, err)
	}

	return nil
}

func (m *Controls) recvData(c *Control, size int) ([]byte, error) {
	cdata := m.ctrlData(c, SOF_CTRL_TYPE_DATA_GET, size)

	data, err := m.transfer(cdata, SOF_IPC_GLB_COMP_MSG|SOF_IPC_COMP_GET_DATA, make([]byte, size), false)
	if err != nil {
		return nil, fmt.Errorf("get data on control %q failed: %w", c.Name, err)
	}

	return data, nil
}

// transfer sends a control message in one frame when it fits and in chunks otherwise.
// It returns the payload of the reply, or of all replies for a chunked get.
func (m *Controls) transfer(cdata IpcCtrlData, cmd uint32, payload []byte, set bool) ([]byte, error) {
	if IpcCtrlDataSize+len(payload) > SOF_IPC_MSG_MAX_SIZE {
		if err := m.ipc.powerUp(); err != nil {
			return nil, err
		}

		if err := m.ipc.txLargeCtrl(m.abi(), cdata, cmd, payload, set); err != nil {
			return nil, err
		}

		return payload, nil
	}

	frame := EncodeFrame(cmd, cdata, payload)

	reply, err := m.ipc.TxMessage(frame, len(frame))
	if err != nil {
		return nil, err
	}

	return reply[IpcCtrlDataSize:], nil
}
