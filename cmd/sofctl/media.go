package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// mediaFormat is the stream format found in a media file header.
type mediaFormat struct {
	Format   *audio.Format
	BitDepth int
}

// readMediaFormat reads the format of a WAV or MP3 file. MP3 always decodes
// to 16-bit stereo.
func readMediaFormat(path string) (*mediaFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		decoder, err := mp3.NewDecoder(f)
		if err != nil {
			return nil, fmt.Errorf("invalid MP3 file: %w", err)
		}

		return &mediaFormat{
			Format:   &audio.Format{NumChannels: 2, SampleRate: decoder.SampleRate()},
			BitDepth: 16,
		}, nil
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		return nil, fmt.Errorf("reading WAV header failed: %w", err)
	}

	if decoder.WavAudioFormat == 3 {
		return nil, errors.New("floating point WAV is not supported")
	}

	return &mediaFormat{
		Format:   decoder.Format(),
		BitDepth: int(decoder.BitDepth),
	}, nil
}
