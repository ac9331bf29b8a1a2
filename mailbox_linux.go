package sof

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// MailboxRole selects which side of a shared mailbox a process drives.
type MailboxRole int

const (
	MailboxHost MailboxRole = iota
	MailboxDsp
)

// String returns "host" or "dsp".
func (r MailboxRole) String() string {
	if r == MailboxDsp {
		return "dsp"
	}

	return "host"
}

// Register page offsets.
const (
	regHostDoorbell = 0  // Request posted in the host box.
	regHostDone     = 4  // Reply posted in the host box.
	regDspDoorbell  = 8  // Notification posted in the DSP box.
	regDspDone      = 12 // Notification consumed.
	regPower        = 16 // 1 while powered.
	regRun          = 20 // Incremented on each firmware run request.
	regCores        = 24 // Powered core mask.
	regPState       = 28 // PowerState while powered.

	shmRegsSize   = 64
	shmHostBox    = shmRegsSize
	shmDspBox     = shmHostBox + SOF_IPC_MSG_MAX_SIZE
	shmMailboxLen = shmDspBox + SOF_IPC_MSG_MAX_SIZE
)

// DefaultPollInterval is the doorbell poll period of Run and Serve.
const DefaultPollInterval = time.Millisecond

// HostHandler receives the events the DSP raises towards the host. Device implements it.
type HostHandler interface {
	OnReplyReceived() error
	OnMessageAvailable() error
}

// DspHandler is the firmware side of a mailbox.
type DspHandler interface {
	// Boot runs when the host requests a firmware run. It posts FW_READY.
	Boot(ctx context.Context, mb *ShmMailbox)
	// HandleRequest returns the reply to a host request.
	HandleRequest(frame []byte) []byte
}

// ShmMailbox is a mailbox in a shared memory file. It is the Transport and
// PowerOps of the host role and the doorbell side of an emulated DSP.
type ShmMailbox struct {
	logger klog.Logger
	role   MailboxRole
	path   string

	mu  sync.Mutex // Protects mem.
	mem []byte
}

// OpenShmMailbox maps the mailbox file, creating it when missing. A bare name is placed in /dev/shm.
func OpenShmMailbox(name string, role MailboxRole, logger klog.Logger) (*ShmMailbox, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join("/dev/shm", name)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, shmMailboxLen); err != nil {
		return nil, fmt.Errorf("truncate %s failed: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, shmMailboxLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s failed: %w", path, err)
	}

	m := &ShmMailbox{
		logger: logger.WithName("mailbox").WithValues("role", role.String()),
		role:   role,
		path:   path,
		mem:    mem,
	}

	m.logger.V(2).Info("Mailbox mapped", "path", path, "size", shmMailboxLen)

	return m, nil
}

// Path returns the backing file.
func (m *ShmMailbox) Path() string {
	return m.path
}

// Close unmaps the mailbox. The backing file is left in place.
func (m *ShmMailbox) Close() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil

	if err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}

func (m *ShmMailbox) reg(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

func (m *ShmMailbox) load(off int) uint32 {
	return atomic.LoadUint32(m.reg(off))
}

func (m *ShmMailbox) store(off int, v uint32) {
	atomic.StoreUint32(m.reg(off), v)
}

func (m *ShmMailbox) check(role MailboxRole) error {
	if m.mem == nil {
		return fmt.Errorf("mailbox is closed: %w", syscall.ENODEV)
	}

	if m.role != role {
		return fmt.Errorf("operation needs the %s role: %w", role, syscall.EPERM)
	}

	return nil
}

func (m *ShmMailbox) checkRole(role MailboxRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.check(role)
}

// readBox copies the frame at off into b. The frame size is its first word.
func (m *ShmMailbox) readBox(off int, b []byte) (int, error) {
	size := int(binary.LittleEndian.Uint32(m.mem[off:]))
	if size < IpcHdrSize || size > SOF_IPC_MSG_MAX_SIZE {
		return 0, fmt.Errorf("mailbox frame of %d bytes: %w", size, syscall.EPROTO)
	}

	if size > len(b) {
		return 0, fmt.Errorf("buffer of %d bytes for a %d byte frame: %w", len(b), size, syscall.ENOBUFS)
	}

	return copy(b, m.mem[off:off+size]), nil
}

func (m *ShmMailbox) writeBox(off int, frame []byte) error {
	if len(frame) > SOF_IPC_MSG_MAX_SIZE {
		return fmt.Errorf("frame of %d bytes: %w", len(frame), syscall.ENOBUFS)
	}

	copy(m.mem[off:off+SOF_IPC_MSG_MAX_SIZE], frame)

	return nil
}

// Send writes a request to the host box and rings the DSP.
func (m *ShmMailbox) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return err
	}

	if m.load(regHostDoorbell) != 0 {
		return fmt.Errorf("host doorbell busy: %w", syscall.EBUSY)
	}

	if err := m.writeBox(shmHostBox, frame); err != nil {
		return err
	}

	m.store(regHostDoorbell, 1)

	return nil
}

// ReadReply copies the reply from the host box.
func (m *ShmMailbox) ReadReply(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return 0, err
	}

	return m.readBox(shmHostBox, b)
}

// ReadMessage copies the notification from the DSP box and acknowledges it.
func (m *ShmMailbox) ReadMessage(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return 0, err
	}

	n, err := m.readBox(shmDspBox, b)

	m.store(regDspDoorbell, 0)
	m.store(regDspDone, 1)

	return n, err
}

// PowerUp powers the DSP to D0.
func (m *ShmMailbox) PowerUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return err
	}

	m.store(regPState, uint32(SOF_DSP_PM_D0))
	m.store(regCores, 1)
	m.store(regPower, 1)

	return nil
}

// PowerDown powers the DSP off and drops any pending doorbell.
func (m *ShmMailbox) PowerDown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return err
	}

	m.store(regPower, 0)
	m.store(regCores, 0)
	m.store(regHostDoorbell, 0)
	m.store(regHostDone, 0)
	m.store(regDspDoorbell, 0)
	m.store(regPState, uint32(SOF_DSP_PM_D3))

	return nil
}

// RunFirmware asks the DSP to boot. The DSP answers with FW_READY.
func (m *ShmMailbox) RunFirmware() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return err
	}

	if m.load(regPower) == 0 {
		return fmt.Errorf("dsp is not powered: %w", syscall.EIO)
	}

	atomic.AddUint32(m.reg(regRun), 1)

	return nil
}

// SetPowerState records a D0 substate transition.
func (m *ShmMailbox) SetPowerState(state PowerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return err
	}

	if m.load(regPower) == 0 {
		return fmt.Errorf("dsp is not powered: %w", syscall.EIO)
	}

	m.store(regPState, uint32(state))

	return nil
}

// CorePowerUp powers the cores in mask.
func (m *ShmMailbox) CorePowerUp(mask uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(MailboxHost); err != nil {
		return err
	}

	atomic.OrUint32(m.reg(regCores), mask)

	return nil
}

// Cores returns the powered core mask.
func (m *ShmMailbox) Cores() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return 0
	}

	return m.load(regCores)
}

// Powered reports whether the DSP is powered and its power state.
func (m *ShmMailbox) Powered() (bool, PowerState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil || m.load(regPower) == 0 {
		return false, SOF_DSP_PM_D3
	}

	return true, PowerState(m.load(regPState))
}

// Run polls the doorbells of the host role until ctx is done, delivering
// replies and notifications to h on the polling goroutine.
func (m *ShmMailbox) Run(ctx context.Context, interval time.Duration, h HostHandler) error {
	if err := m.checkRole(MailboxHost); err != nil {
		return err
	}

	if interval <= 0 {
		interval = DefaultPollInterval
	}

	err := wait.PollUntilContextCancel(ctx, interval, true, func(context.Context) (bool, error) {
		if m.take(regHostDone) {
			if err := h.OnReplyReceived(); err != nil {
				m.logger.Error(err, "Reply handling failed")
			}
		}

		if m.pending(regDspDoorbell) {
			if err := h.OnMessageAvailable(); err != nil {
				m.logger.Error(err, "Message handling failed")
			}
		}

		return m.closed(), nil
	})
	if err != nil && !wait.Interrupted(err) {
		return err
	}

	return nil
}

// Serve polls the doorbells of the DSP role until ctx is done.
func (m *ShmMailbox) Serve(ctx context.Context, interval time.Duration, h DspHandler) error {
	if err := m.checkRole(MailboxDsp); err != nil {
		return err
	}

	if interval <= 0 {
		interval = DefaultPollInterval
	}

	m.mu.Lock()
	lastRun := m.load(regRun)
	m.mu.Unlock()

	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		if m.mem == nil {
			m.mu.Unlock()

			return true, nil
		}

		run := m.load(regRun)
		powered := m.load(regPower) != 0
		m.mu.Unlock()

		if run != lastRun && powered {
			lastRun = run
			m.logger.V(2).Info("Firmware run requested", "run", run)
			h.Boot(ctx, m)
		}

		frame, ok := m.request()
		if ok {
			if err := m.reply(h.HandleRequest(frame)); err != nil {
				m.logger.Error(err, "Reply failed")
			}
		}

		return false, nil
	})
	if err != nil && !wait.Interrupted(err) {
		return err
	}

	return nil
}

// Notify posts a notification in the DSP box, waiting up to timeout for the
// host to consume the previous one.
func (m *ShmMailbox) Notify(ctx context.Context, frame []byte, timeout time.Duration) error {
	if err := m.checkRole(MailboxDsp); err != nil {
		return err
	}

	err := wait.PollUntilContextTimeout(ctx, DefaultPollInterval, timeout, true, func(context.Context) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.mem == nil {
			return false, fmt.Errorf("mailbox is closed: %w", syscall.ENODEV)
		}

		if m.load(regDspDoorbell) != 0 {
			return false, nil
		}

		if err := m.writeBox(shmDspBox, frame); err != nil {
			return false, err
		}

		m.store(regDspDone, 0)
		m.store(regDspDoorbell, 1)

		return true, nil
	})
	if wait.Interrupted(err) {
		return fmt.Errorf("dsp doorbell busy: %w", syscall.EBUSY)
	}

	return err
}

// request returns a posted host request.
func (m *ShmMailbox) request() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil || m.load(regHostDoorbell) == 0 {
		return nil, false
	}

	b := make([]byte, SOF_IPC_MSG_MAX_SIZE)

	n, err := m.readBox(shmHostBox, b)
	if err != nil {
		m.logger.Error(err, "Dropping malformed request")
		m.store(regHostDoorbell, 0)

		return nil, false
	}

	return b[:n], true
}

// reply writes the reply to the host box and signals the host.
func (m *ShmMailbox) reply(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return fmt.Errorf("mailbox is closed: %w", syscall.ENODEV)
	}

	err := m.writeBox(shmHostBox, frame)

	m.store(regHostDoorbell, 0)
	if err == nil {
		m.store(regHostDone, 1)
	}

	return err
}

// take clears a set register and reports whether it was set.
func (m *ShmMailbox) take(off int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return false
	}

	return atomic.CompareAndSwapUint32(m.reg(off), 1, 0)
}

func (m *ShmMailbox) pending(off int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mem != nil && m.load(off) != 0
}

func (m *ShmMailbox) closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mem == nil
}
