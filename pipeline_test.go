package sof_test

import (
	"bytes"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/sof"
)

// chainTopology returns three components A -> B -> C with a DAI link on each.
func chainTopology() *sof.Topology {
	tplg := &sof.Topology{}

	for i, name := range []string{"A", "B", "C"} {
		id := uint32(i + 1)
		tplg.Widgets = append(tplg.Widgets, &sof.Widget{
			CompID:  id,
			Name:    name,
			Kind:    sof.WidgetGeneric,
			Payload: &sof.ComponentPayload{Comp: sof.IpcComp{ID: id, Type: sof.SOF_COMP_VOLUME, PipelineID: 1}},
		})

		tplg.DaiLinks = append(tplg.DaiLinks, &sof.DaiLink{
			Name:   "link-" + name,
			Widget: name,
			Config: &sof.DaiConfigPayload{Config: sof.IpcDaiConfig{Type: sof.SOF_DAI_INTEL_SSP, DaiIndex: id}},
		})
	}

	route := func(src, sink uint32, a, b string) *sof.Route {
		return &sof.Route{Source: a, Sink: b, Payload: &sof.RoutePayload{Connect: sof.IpcPipeCompConnect{SourceID: src, SinkID: sink}}}
	}

	tplg.Routes = []*sof.Route{route(1, 2, "A", "B"), route(2, 3, "B", "C"), route(1, 3, "A", "C")}

	return tplg
}

// freedIDs decodes the component ids of the recorded free messages.
func freedIDs(t *testing.T, frames [][]byte) []uint32 {
	t.Helper()

	var ids []uint32
	for _, b := range frames {
		var free sof.IpcFree
		require.NoError(t, sof.DecodeFrame(b, &free))
		ids = append(ids, free.ID)
	}

	return ids
}

func TestCoordinatorLoad(t *testing.T) {
	dev, fw := newTestDevice(t, nil)
	tplg := chainTopology()

	assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State())

	require.NoError(t, dev.LoadTopology(tplg))
	assert.Equal(t, sof.PipelineActive, dev.Pipeline().State())

	var want [][]byte
	for _, w := range tplg.Widgets {
		want = append(want, w.Payload.Frame())
	}
	for _, r := range tplg.Routes {
		want = append(want, r.Payload.Frame())
	}
	for _, l := range tplg.DaiLinks {
		want = append(want, l.Config.Frame())
	}

	assert.Equal(t, want, fw.Frames(), "load builds in creation order")

	err := dev.LoadTopology(chainTopology())
	assert.True(t, errors.Is(err, syscall.EBUSY))
}

func TestCoordinatorDestroy(t *testing.T) {
	dev, fw := newTestDevice(t, nil)
	require.NoError(t, dev.LoadTopology(chainTopology()))
	fw.reset()

	require.NoError(t, dev.Pipeline().Destroy())
	assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State())

	frames := fw.Frames()
	assert.Equal(t, []uint32{3, 2, 1}, freedIDs(t, frames), "destroy runs in reverse creation order")

	for _, cmd := range fw.Cmds() {
		assert.Equal(t, sof.SOF_IPC_GLB_TPLG_MSG|sof.SOF_IPC_TPLG_COMP_FREE, cmd)
	}

	t.Run("Idempotent", func(t *testing.T) {
		fw.reset()

		require.NoError(t, dev.Pipeline().Destroy())
		assert.Empty(t, fw.Frames())
		assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State())
	})

	t.Run("RestoreRejectedWhenActive", func(t *testing.T) {
		require.NoError(t, dev.Pipeline().Restore())

		err := dev.Pipeline().Restore()
		assert.True(t, errors.Is(err, syscall.EBUSY))
	})
}

func TestCoordinatorRestoreOrder(t *testing.T) {
	dev, fw := newTestDevice(t, nil)
	tplg := chainTopology()

	require.NoError(t, dev.LoadTopology(tplg))
	require.NoError(t, dev.Pipeline().Destroy())
	fw.reset()

	require.NoError(t, dev.Pipeline().Restore())
	assert.Equal(t, sof.PipelineActive, dev.Pipeline().State())

	w, r, l := tplg.Widgets, tplg.Routes, tplg.DaiLinks
	want := [][]byte{
		w[2].Payload.Frame(), w[1].Payload.Frame(), w[0].Payload.Frame(),
		r[2].Payload.Frame(), r[1].Payload.Frame(), r[0].Payload.Frame(),
		l[0].Config.Frame(), l[1].Config.Frame(), l[2].Config.Frame(),
	}

	assert.Equal(t, want, fw.Frames())
}

func TestCoordinatorRestoreFailure(t *testing.T) {
	dev, fw := newTestDevice(t, nil)
	tplg := chainTopology()

	require.NoError(t, dev.LoadTopology(tplg))
	require.NoError(t, dev.Pipeline().Destroy())
	fw.reset()

	bad := tplg.Routes[1].Payload.Frame()
	fw.fail = func(_ uint32, frame []byte) int32 {
		if bytes.Equal(frame, bad) {
			return -int32(syscall.EIO)
		}

		return 0
	}

	err := dev.Pipeline().Restore()
	require.Error(t, err)

	status, ok := sof.DspStatus(err)
	require.True(t, ok)
	assert.Equal(t, -int32(syscall.EIO), status, "the firmware status is returned unchanged")

	frames := fw.Frames()
	require.Len(t, frames, 5, "three widgets, route 3 and the failing route 2")
	assert.Equal(t, bad, frames[4])
	assert.Equal(t, -1, fw.indexOf(tplg.Routes[0].Payload.Frame()), "no route after the failure")
	assert.Equal(t, -1, fw.indexOf(tplg.DaiLinks[0].Config.Frame()), "no dai link after the failure")

	assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State())

	t.Run("Retry", func(t *testing.T) {
		fw.fail = nil

		require.NoError(t, dev.Pipeline().Restore())
		assert.Equal(t, sof.PipelineActive, dev.Pipeline().State())
	})
}

func TestCoordinatorDestroyFailure(t *testing.T) {
	dev, fw := newTestDevice(t, nil)
	require.NoError(t, dev.LoadTopology(chainTopology()))
	fw.reset()

	fw.fail = func(cmd uint32, frame []byte) int32 {
		var free sof.IpcFree
		if cmd == sof.SOF_IPC_GLB_TPLG_MSG|sof.SOF_IPC_TPLG_COMP_FREE && sof.DecodeFrame(frame, &free) == nil && free.ID == 2 {
			return -int32(syscall.EBUSY)
		}

		return 0
	}

	err := dev.Pipeline().Destroy()
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EBUSY))

	assert.Equal(t, []uint32{3, 2}, freedIDs(t, fw.Frames()))
	assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State())
}

func TestCoordinatorPipelines(t *testing.T) {
	dev, fw := newTestDevice(t, nil)
	tplg := loadNoCodec(t)

	require.NoError(t, dev.LoadTopology(tplg))

	assert.Equal(t, uint32(3), dev.Pipeline().EnabledCores())
	assert.Contains(t, fw.cores, uint32(2))

	for _, name := range []string{"PIPELINE.1", "PIPELINE.2"} {
		assert.True(t, tplg.Widget(name).Complete, name)
	}

	cmds := fw.Cmds()
	coreEnable := sof.SOF_IPC_GLB_PM_MSG | sof.SOF_IPC_PM_CORE_ENABLE
	pipeNew := sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_PIPE_NEW
	complete := sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_PIPE_COMPLETE

	for i, cmd := range cmds {
		if cmd == pipeNew {
			require.Positive(t, i)
			assert.Equal(t, coreEnable, cmds[i-1], "core enable precedes every pipeline")
		}
	}

	var last int
	for i, cmd := range cmds {
		if cmd == complete {
			last = i
		}
	}
	assert.Greater(t, last, 0)

	for _, cmd := range cmds[last+1:] {
		assert.Equal(t, sof.SOF_IPC_GLB_COMP_MSG, sof.CmdClass(cmd), "only control values follow pipeline completion")
	}

	t.Run("VirtualWidgetsSkipped", func(t *testing.T) {
		fw.reset()
		require.NoError(t, dev.Pipeline().Destroy())

		assert.Len(t, fw.Frames(), 12)
	})

	t.Run("HdaLinkDmaInvalidated", func(t *testing.T) {
		fw.reset()
		require.NoError(t, dev.Pipeline().Restore())

		hda := tplg.DaiLinks[1].Config
		assert.Equal(t, uint32(sof.DMA_CHAN_INVALID), hda.Hda.LinkDmaCh)
		assert.NotEqual(t, -1, fw.indexOf(hda.Frame()))
		assert.Equal(t, uint32(3), dev.Pipeline().EnabledCores())
	})
}

func TestCoordinatorLoadFailure(t *testing.T) {
	t.Run("Widget", func(t *testing.T) {
		dev, fw := newTestDevice(t, nil)
		tplg := chainTopology()

		bad := tplg.Widgets[1].Payload.Frame()
		fw.fail = func(_ uint32, frame []byte) int32 {
			if bytes.Equal(frame, bad) {
				return -int32(syscall.EINVAL)
			}

			return 0
		}

		err := dev.LoadTopology(tplg)
		assert.True(t, errors.Is(err, syscall.EINVAL), err)

		frames := fw.Frames()
		require.Len(t, frames, 3, "A, the failing B and the free of A")
		assert.Equal(t, []uint32{1}, freedIDs(t, frames[2:]))

		assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State())
		assert.Empty(t, dev.Pipeline().Widgets())
		assert.Empty(t, dev.Pipeline().Routes())
		assert.Empty(t, dev.Pipeline().DaiLinks())
	})

	t.Run("RouteAndRetry", func(t *testing.T) {
		dev, fw := newTestDevice(t, nil)
		tplg := loadNoCodec(t)

		fw.fail = func(cmd uint32, _ []byte) int32 {
			if cmd == sof.SOF_IPC_GLB_TPLG_MSG|sof.SOF_IPC_TPLG_COMP_CONNECT {
				return -int32(syscall.EIO)
			}

			return 0
		}

		err := dev.LoadTopology(tplg)
		assert.True(t, errors.Is(err, syscall.EIO), err)

		var built, freed int
		for _, w := range tplg.Widgets {
			if w.Payload != nil {
				built++
			}
		}
		for _, cmd := range fw.Cmds() {
			switch cmd {
			case sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_COMP_FREE,
				sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_PIPE_FREE,
				sof.SOF_IPC_GLB_TPLG_MSG | sof.SOF_IPC_TPLG_BUFFER_FREE:
				freed++
			}
		}
		assert.Equal(t, built, freed, "every built widget is freed")

		assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State())
		assert.Empty(t, dev.Pipeline().Widgets())
		assert.Equal(t, 0, dev.Controls().NumCtls())
		assert.Empty(t, dev.Streams().Pcms())

		require.NoError(t, dev.Pipeline().Restore())
		assert.Equal(t, sof.PipelineDestroyed, dev.Pipeline().State(), "nothing retained to restore")

		fw.fail = nil
		fw.reset()

		require.NoError(t, dev.LoadTopology(tplg))
		assert.Equal(t, sof.PipelineActive, dev.Pipeline().State())
		assert.Equal(t, 3, dev.Controls().NumCtls())
		assert.Len(t, dev.Streams().Pcms(), len(tplg.Pcms))

		vol, err := dev.Controls().CtlByName("PGA1.0 Master Playback Volume")
		require.NoError(t, err)
		assert.Equal(t, uint32(1), vol.ID(), "ids are reused after the failed load")
	})
}
