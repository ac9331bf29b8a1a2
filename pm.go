package sof

import (
	"errors"
	"fmt"
	"syscall"
)

// ensureD0 brings the DSP to D0 before a command. A powered off DSP is not woken.
func (d *Device) ensureD0() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.powerState {
	case SOF_DSP_PM_D0:
		return nil
	case SOF_DSP_PM_D0I3:
		if d.power != nil {
			if err := d.power.SetPowerState(SOF_DSP_PM_D0); err != nil {
				return fmt.Errorf("failed to exit D0I3: %w", err)
			}
		}

		d.powerState = SOF_DSP_PM_D0
		d.logger.V(4).Info("DSP power state", "state", d.powerState)

		return nil
	default:
		return ErrPoweredOff
	}
}

// SetPowerState moves a running DSP between D0 and D0I3. D3 is entered with Suspend.
func (d *Device) SetPowerState(state PowerState) error {
	if state != SOF_DSP_PM_D0 && state != SOF_DSP_PM_D0I3 {
		return fmt.Errorf("power state %s: %w", state, syscall.EINVAL)
	}

	d.pmMu.Lock()
	defer d.pmMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.powerState == SOF_DSP_PM_D3 {
		return ErrPoweredOff
	}

	if d.powerState == state {
		return nil
	}

	if d.power != nil {
		if err := d.power.SetPowerState(state); err != nil {
			return fmt.Errorf("failed to set power state %s: %w", state, err)
		}
	}

	d.powerState = state
	d.logger.V(4).Info("DSP power state", "state", state)

	return nil
}

// Suspend destroys the graph, saves the firmware context and powers the DSP off.
// A system suspend also marks suspended streams for new hw params on resume.
func (d *Device) Suspend(runtime bool) error {
	d.pmMu.Lock()
	defer d.pmMu.Unlock()

	if d.PowerState() == SOF_DSP_PM_D3 {
		return nil
	}

	if !runtime {
		d.streams.each(func(s *PcmStream) {
			s.suspend()
		})

		d.pipeline.SetHwParamsUponResume()
	}

	if err := d.pipeline.Destroy(); err != nil {
		return fmt.Errorf("suspend failed: %w", err)
	}

	frame := EncodeFrame(SOF_IPC_GLB_PM_MSG|SOF_IPC_PM_CTX_SAVE, IpcPmCtx{}, nil)
	if _, err := d.ipc.tx(frame); err != nil {
		// The firmware may refuse while busy, which is not fatal.
		if !errors.Is(err, syscall.EBUSY) && !errors.Is(err, syscall.EAGAIN) {
			return fmt.Errorf("ctx save failed: %w", err)
		}

		d.logger.Info("Context save ignored", "err", err)
	}

	if d.power != nil {
		if err := d.power.PowerDown(); err != nil {
			return fmt.Errorf("failed to power down dsp: %w", err)
		}
	}

	d.mu.Lock()
	d.powerState = SOF_DSP_PM_D3
	d.fwState = SOF_FW_BOOT_NOT_STARTED
	d.mu.Unlock()

	d.logger.Info("DSP suspended", "runtime", runtime)

	return nil
}

// Resume powers the DSP up, boots the firmware, rebuilds the graph and
// restores the firmware context.
func (d *Device) Resume(runtime bool) error {
	d.pmMu.Lock()
	defer d.pmMu.Unlock()

	if d.PowerState() != SOF_DSP_PM_D3 {
		return nil
	}

	if d.power != nil {
		if err := d.power.PowerUp(); err != nil {
			return fmt.Errorf("failed to power up dsp: %w", err)
		}
	}

	if err := d.boot(); err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}

	if err := d.pipeline.Restore(); err != nil {
		return fmt.Errorf("failed to restore pipelines: %w", err)
	}

	frame := EncodeFrame(SOF_IPC_GLB_PM_MSG|SOF_IPC_PM_CTX_RESTORE, IpcPmCtx{}, nil)
	if _, err := d.ipc.tx(frame); err != nil {
		return fmt.Errorf("ctx restore failed: %w", err)
	}

	d.logger.Info("DSP resumed", "runtime", runtime)

	return nil
}
