package stream

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxPacketSize is the largest opus packet the encoder may produce.
const maxPacketSize = 4000

// Encoder compresses one PCM frame into data and returns the packet length.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// NewOpusEncoder returns a 48 kHz stereo opus encoder tuned for music.
func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("encoder error: %w", err)
	}
	if err := enc.SetBitrate(96000); err != nil {
		return nil, fmt.Errorf("failed to set bitrate: %w", err)
	}
	return enc, nil
}
