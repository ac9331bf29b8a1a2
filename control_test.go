package sof_test

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/sof"
)

func loadedDevice(t *testing.T, opts *sof.Options) (*sof.Device, *fakeFirmware) {
	t.Helper()

	dev, fw := newTestDevice(t, opts)
	require.NoError(t, dev.LoadTopology(loadNoCodec(t)))
	fw.reset()

	return dev, fw
}

func TestControlsRegistry(t *testing.T) {
	dev, _ := loadedDevice(t, nil)
	ctls := dev.Controls()

	assert.Equal(t, 3, ctls.NumCtls())

	vol, err := ctls.CtlByName("PGA1.0 Master Playback Volume")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), vol.ID())

	byID, err := ctls.Ctl(vol.ID())
	require.NoError(t, err)
	assert.Same(t, vol, byID)

	_, err = ctls.CtlByName("missing")
	assert.Error(t, err)

	_, err = ctls.CtlByNameAndIndex("PGA1.0 Master Playback Volume", 1)
	assert.Error(t, err)

	_, err = ctls.Ctl(42)
	assert.Error(t, err)

	assert.Error(t, ctls.Add(&sof.Control{Name: "bad", Cmd: sof.SOF_CTRL_CMD_VOLUME}))
}

func TestControlValues(t *testing.T) {
	dev, fw := loadedDevice(t, nil)

	vol, err := dev.Controls().CtlByName("PGA1.0 Master Playback Volume")
	require.NoError(t, err)

	require.NoError(t, vol.SetValues([]uint32{10, 12}))
	assert.Equal(t, []uint32{10, 12}, vol.Values())
	assert.Equal(t, []uint32{10, 12}, fw.values[3])

	require.NoError(t, vol.SetValue(1, 30))
	assert.Equal(t, []uint32{10, 30}, vol.Values())

	got, err := vol.GetValues()
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 30}, got)

	for _, cmd := range fw.Cmds() {
		assert.Equal(t, sof.SOF_IPC_GLB_COMP_MSG, sof.CmdClass(cmd))
	}

	t.Run("Invalid", func(t *testing.T) {
		fw.reset()

		assert.True(t, errors.Is(vol.SetValues([]uint32{1}), syscall.EINVAL))
		assert.True(t, errors.Is(vol.SetValues([]uint32{1, 33}), syscall.EINVAL))
		assert.True(t, errors.Is(vol.SetValue(2, 1), syscall.EINVAL))
		assert.True(t, errors.Is(vol.SetData([]byte{1}), syscall.EINVAL))

		assert.Empty(t, fw.Frames())
		assert.Equal(t, []uint32{10, 30}, vol.Values(), "shadow unchanged")
	})

	t.Run("DspRejects", func(t *testing.T) {
		fw.fail = func(uint32, []byte) int32 { return -int32(syscall.EINVAL) }
		defer func() { fw.fail = nil }()

		err := vol.SetValues([]uint32{1, 1})
		require.Error(t, err)

		_, ok := sof.DspStatus(err)
		assert.True(t, ok)
		assert.Equal(t, []uint32{10, 30}, vol.Values(), "shadow unchanged")
	})
}

func TestControlConcurrentSetters(t *testing.T) {
	dev, fw := loadedDevice(t, nil)

	vol, err := dev.Controls().CtlByName("PGA1.0 Master Playback Volume")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(v uint32) {
			defer wg.Done()
			assert.NoError(t, vol.SetValues([]uint32{v, v}))
		}(uint32(i))
	}
	wg.Wait()

	fw.mu.Lock()
	applied := append([]uint32(nil), fw.values[vol.CompID]...)
	fw.mu.Unlock()

	assert.Equal(t, applied, vol.Values(), "shadow matches the last value the DSP applied")

	fw.reset()
	require.NoError(t, dev.Pipeline().Destroy())
	require.NoError(t, dev.Pipeline().Restore())

	fw.mu.Lock()
	assert.Equal(t, applied, fw.values[vol.CompID])
	fw.mu.Unlock()
}

func TestControlLargeData(t *testing.T) {
	dev, fw := loadedDevice(t, nil)

	eq, err := dev.Controls().CtlByName("EQ2.0 IIR Coefficients")
	require.NoError(t, err)

	data := make([]byte, 700)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, eq.SetData(data))

	frames := fw.Frames()
	require.Len(t, frames, 3)

	remaining := []uint32{404, 108, 0}
	sizes := []uint32{296, 296, 108}

	for i, b := range frames {
		assert.LessOrEqual(t, len(b), sof.SOF_IPC_MSG_MAX_SIZE)

		var cdata sof.IpcCtrlData
		require.NoError(t, sof.DecodeFrame(b, &cdata))

		assert.Equal(t, uint32(i), cdata.MsgIndex)
		assert.Equal(t, sizes[i], cdata.NumElems)
		assert.Equal(t, remaining[i], cdata.ElemsRemaining)
		assert.Equal(t, sof.SOF_CTRL_TYPE_DATA_SET, cdata.Type)
		assert.Equal(t, uint32(11), cdata.CompID)
	}

	assert.Equal(t, data, fw.data[11])

	t.Run("Get", func(t *testing.T) {
		fw.reset()

		got, err := eq.GetData()
		require.NoError(t, err)
		assert.Equal(t, data, got)
		assert.Len(t, fw.Frames(), 3)
	})

	t.Run("TooLarge", func(t *testing.T) {
		err := eq.SetData(make([]byte, 701))
		assert.True(t, errors.Is(err, syscall.EINVAL))
	})

	t.Run("ChunkFailureAborts", func(t *testing.T) {
		fw.reset()

		fw.fail = func(_ uint32, frame []byte) int32 {
			var cdata sof.IpcCtrlData
			if sof.DecodeFrame(frame, &cdata) == nil && cdata.MsgIndex == 1 {
				return -int32(syscall.EIO)
			}

			return 0
		}
		defer func() { fw.fail = nil }()

		err := eq.SetData(make([]byte, 700))
		require.Error(t, err)
		assert.True(t, errors.Is(err, syscall.EIO))
		assert.Len(t, fw.Frames(), 2)
		assert.Equal(t, data, eq.Data(), "shadow unchanged")
	})
}

func TestControlChunkedAbiGate(t *testing.T) {
	fw := newFakeFirmware()
	fw.abi = sof.AbiVersion(3, 2, 0)

	dev := newUnbootedDevice(t, fw, nil)
	require.NoError(t, dev.Boot())
	require.NoError(t, dev.LoadTopology(loadNoCodec(t)))
	fw.reset()

	eq, err := dev.Controls().CtlByName("EQ2.0 IIR Coefficients")
	require.NoError(t, err)

	err = eq.SetData(make([]byte, 700))
	assert.True(t, errors.Is(err, syscall.EINVAL))
	assert.Empty(t, fw.Frames())

	require.NoError(t, eq.SetData(make([]byte, 296)), "a single frame needs no ABI check")
}

func TestControlReadback(t *testing.T) {
	dev, _ := loadedDevice(t, nil)

	eq, err := dev.Controls().CtlByName("EQ2.0 IIR Coefficients")
	require.NoError(t, err)

	buf := make([]byte, 3)

	n, err := eq.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, buf)
	assert.Equal(t, 3, eq.ReadbackOffset())

	n, err = eq.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = eq.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	t.Run("ResetOnResume", func(t *testing.T) {
		require.NoError(t, dev.Suspend(false))
		require.NoError(t, dev.Resume(false))

		assert.Equal(t, 0, eq.ReadbackOffset())

		all, err := io.ReadAll(eq)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4}, all)
	})
}
