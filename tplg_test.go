package sof_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/sof"
)

func loadNoCodec(t *testing.T) *sof.Topology {
	t.Helper()

	tplg, err := sof.LoadTopologyFile("testdata/nocodec.yaml")
	require.NoError(t, err)

	return tplg
}

func widgetIndex(tplg *sof.Topology) map[string]int {
	idx := make(map[string]int, len(tplg.Widgets))
	for i, w := range tplg.Widgets {
		idx[w.Name] = i
	}

	return idx
}

func TestParseTopology(t *testing.T) {
	tplg := loadNoCodec(t)

	assert.Len(t, tplg.Widgets, 13)
	assert.Len(t, tplg.Routes, 9)
	assert.Len(t, tplg.DaiLinks, 2)
	assert.Len(t, tplg.Controls, 3)
	assert.Len(t, tplg.Pcms, 1)

	t.Run("DependencyOrder", func(t *testing.T) {
		idx := widgetIndex(tplg)

		for _, r := range tplg.Routes {
			assert.Less(t, idx[r.Source], idx[r.Sink], "%s must precede %s", r.Source, r.Sink)
		}

		assert.Less(t, idx["SSP0.OUT"], idx["PIPELINE.1"])
		assert.Less(t, idx["HDA0.IN"], idx["PIPELINE.2"])
	})

	t.Run("Payloads", func(t *testing.T) {
		pipe, ok := tplg.Widget("PIPELINE.2").Payload.(*sof.PipelinePayload)
		require.True(t, ok)
		assert.Equal(t, uint32(9), pipe.Pipe.SchedID)
		assert.Equal(t, uint32(1), pipe.Pipe.Core)

		buf, ok := tplg.Widget("BUF1.0").Payload.(*sof.BufferPayload)
		require.True(t, ok)
		assert.Equal(t, uint32(384), buf.Buffer.Size)

		dai, ok := tplg.Widget("HDA0.IN").Payload.(*sof.DaiComponentPayload)
		require.True(t, ok)
		assert.Equal(t, sof.SOF_DAI_INTEL_HDA, dai.Dai.Type)
		assert.Equal(t, uint32(sof.SNDRV_PCM_STREAM_CAPTURE), dai.Dai.Direction)

		comp, ok := tplg.Widget("EQ2.0").Payload.(*sof.ComponentPayload)
		require.True(t, ok)
		assert.Equal(t, sof.SOF_COMP_EQ_IIR, comp.Comp.Type)

		codec := tplg.Widget("Codec Out")
		assert.Equal(t, sof.WidgetVirtual, codec.Kind)
		assert.Nil(t, codec.Payload)
	})

	t.Run("Routes", func(t *testing.T) {
		for _, r := range tplg.Routes {
			if r.Sink == "Codec Out" {
				assert.Nil(t, r.Payload, "routes to host-only widgets are never sent")

				continue
			}

			require.NotNil(t, r.Payload)
			assert.Equal(t, sof.SOF_IPC_GLB_TPLG_MSG|sof.SOF_IPC_TPLG_COMP_CONNECT, r.Payload.Cmd())
		}
	})

	t.Run("DaiLinks", func(t *testing.T) {
		ssp := tplg.DaiLinks[0]
		assert.Equal(t, "NoCodec-0", ssp.Name)
		assert.Equal(t, sof.SOF_DAI_INTEL_SSP, ssp.Config.Config.Type)
		require.NotNil(t, ssp.Config.Ssp)
		assert.Equal(t, uint32(48000), ssp.Config.Ssp.Fsync)
		assert.Equal(t, uint16(32), ssp.Config.Ssp.TdmSlotWidth)

		frame := ssp.Config.Frame()
		hdr, err := sof.FrameHeader(frame)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(frame)), hdr.Size)

		var params sof.IpcDaiSspParams
		_, err = binary.Decode(frame[binary.Size(sof.IpcDaiConfig{}):], binary.LittleEndian, &params)
		require.NoError(t, err)
		assert.Equal(t, uint32(binary.Size(params)), params.Hdr.Size, "nested size is filled in")
		assert.Equal(t, uint32(3072000), params.Bclk)

		hda := tplg.DaiLinks[1]
		require.NotNil(t, hda.Config.Hda)
		assert.Equal(t, uint32(2), hda.Config.Hda.LinkDmaCh)
	})

	t.Run("ControlsAndPcms", func(t *testing.T) {
		vol := tplg.Controls[0]
		assert.Equal(t, uint32(3), vol.CompID)
		assert.Equal(t, []uint32{20, 20}, vol.Values())

		eq := tplg.Controls[2]
		assert.True(t, eq.IsBinary())
		assert.Equal(t, 700, eq.Size)
		assert.Equal(t, []byte{1, 2, 3, 4}, eq.Data())

		pcm := tplg.Pcms[0]
		assert.Equal(t, uint32(1), pcm.Stream(sof.SNDRV_PCM_STREAM_PLAYBACK).CompID)
		assert.Equal(t, uint32(7), pcm.Stream(sof.SNDRV_PCM_STREAM_CAPTURE).CompID)
		assert.Equal(t, "Passthrough Capture 0", pcm.CapsName[sof.SNDRV_PCM_STREAM_CAPTURE])
	})
}

func TestParseTopologyInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "DuplicateIDs",
			yaml: `
widgets:
  - {name: A, id: 1, kind: buffer}
  - {name: B, id: 1, kind: buffer}
  - {name: A, id: 2, kind: buffer}
`,
			want: []string{"duplicate component id 1", `duplicate widget name "A"`},
		},
		{
			name: "UnknownEndpoints",
			yaml: `
widgets:
  - {name: A, id: 1, kind: buffer}
routes:
  - {source: A, sink: B}
`,
			want: []string{`unknown widget "B"`},
		},
		{
			name: "BadKinds",
			yaml: `
widgets:
  - {name: A, id: 1, kind: mixer}
  - {name: B, id: 2, kind: generic, type: reverb}
  - {name: C, id: 3, kind: dai, daiType: i2s}
`,
			want: []string{`unknown kind "mixer"`, `unknown component type "reverb"`, `unknown dai type "i2s"`},
		},
		{
			name: "DaiLinkOnComponent",
			yaml: `
widgets:
  - {name: A, id: 1, kind: buffer}
daiLinks:
  - {name: L, widget: A, type: ssp}
`,
			want: []string{`"A" is not a dai widget`},
		},
		{
			name: "ControlShape",
			yaml: `
widgets:
  - {name: A, id: 1, kind: generic, type: volume}
controls:
  - {name: V, widget: A, type: volume, channels: 2, values: [1]}
  - {name: B, widget: A, type: binary, size: 2, data: AQIDBA==}
  - {name: X, widget: A, type: slider}
`,
			want: []string{"1 values for 2 channels", "4 bytes of data exceed size 2", `unknown type "slider"`},
		},
		{
			name: "Cycle",
			yaml: `
widgets:
  - {name: A, id: 1, kind: buffer}
  - {name: B, id: 2, kind: generic, type: volume}
routes:
  - {source: A, sink: B}
  - {source: B, sink: A}
`,
			want: []string{"dependency cycle"},
		},
		{
			name: "UnknownField",
			yaml: `
widgets:
  - {name: A, id: 1, kind: buffer, colour: red}
`,
			want: []string{"colour"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sof.ParseTopology([]byte(tt.yaml))
			require.Error(t, err)

			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}
