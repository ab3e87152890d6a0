// Package stream turns byte streams and locators into playable resources:
// PCM frames with inline volume, encoded to opus and buffered for the player.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	Channels      = 2
	SampleRate    = 48000
	FrameSize     = 960 // 20ms at 48kHz
	FrameDuration = 20 * time.Millisecond

	pcmFrameBytes = FrameSize * Channels * 2
	packetBuffer  = 25

	// maxRecoveries caps how often a locator stream is reopened after it
	// broke off early.
	maxRecoveries = 3
	// endTolerance is how far short of Options.Duration an end still counts
	// as complete.
	endTolerance = 2 * time.Second
)

// SilenceFrame is an opus packet decoding to 20ms of silence.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// StreamType hints at the format of a source.
type StreamType string

const (
	StreamArbitrary StreamType = "arbitrary"
	StreamRaw       StreamType = "raw" // s16le, 48kHz, stereo
	StreamOggOpus   StreamType = "ogg/opus"
	StreamWebmOpus  StreamType = "webm/opus"
)

// Source is either a byte stream or a locator (URL or file path).
type Source struct {
	reader  io.ReadCloser
	locator string
}

// ReaderSource wraps r. If r is not an io.ReadCloser it is never closed.
func ReaderSource(r io.Reader) Source {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return Source{reader: rc}
}

func LocatorSource(locator string) Source {
	return Source{locator: locator}
}

func (s Source) IsLocator() bool       { return s.reader == nil }
func (s Source) Locator() string       { return s.locator }
func (s Source) Reader() io.ReadCloser { return s.reader }

func (s Source) String() string {
	if s.IsLocator() {
		return s.locator
	}
	return "<stream>"
}

// Options configures NewResource.
type Options struct {
	Type         StreamType
	Metadata     any
	InlineVolume bool
	// Encoder defaults to NewOpusEncoder.
	Encoder Encoder
	// Transcoder defaults to FFmpeg.
	Transcoder Transcoder
	// Duration is the expected length of a locator source. When set, an end
	// of stream well before it is treated as a dropped connection and the
	// source is reopened where it stopped.
	Duration time.Duration
}

// Resource is one playable unit. Packets are produced in the background as
// soon as the resource is created.
type Resource struct {
	Metadata any
	// Volume is nil unless Options.InlineVolume was set.
	Volume *VolumeTransformer

	source     Source
	hint       StreamType
	transcoder Transcoder
	duration   time.Duration
	encoder    Encoder

	pcmMu      sync.Mutex
	pcm        io.ReadCloser
	produced   time.Duration
	recoveries int

	packets  chan []byte
	closed   chan struct{}
	finished atomic.Bool
	played   atomic.Int64

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

var ErrEmptySource = errors.New("source has neither a reader nor a locator")

// NewResource opens src and starts producing opus packets.
func NewResource(src Source, opts Options) (*Resource, error) {
	if src.IsLocator() && src.Locator() == "" {
		return nil, ErrEmptySource
	}
	if opts.Type == "" {
		opts.Type = StreamArbitrary
	}

	enc := opts.Encoder
	if enc == nil {
		var err error
		if enc, err = NewOpusEncoder(); err != nil {
			return nil, err
		}
	}

	tc := opts.Transcoder
	if tc == nil {
		tc = FFmpeg{}
	}

	var pcm io.ReadCloser
	if opts.Type == StreamRaw && !src.IsLocator() {
		pcm = src.Reader()
	} else {
		r, err := tc.Transcode(src, opts.Type, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create PCM stream: %w", err)
		}
		pcm = r
	}

	res := &Resource{
		Metadata:   opts.Metadata,
		source:     src,
		hint:       opts.Type,
		transcoder: tc,
		duration:   opts.Duration,
		pcm:        pcm,
		encoder:    enc,
		packets:    make(chan []byte, packetBuffer),
		closed:     make(chan struct{}),
	}
	if opts.InlineVolume {
		res.Volume = NewVolumeTransformer(1)
	}

	go res.pump()
	return res, nil
}

// Read returns the next packet without blocking. It returns (nil, nil) when
// nothing is buffered yet and io.EOF once the source is exhausted. Every
// packet returned advances PlaybackDuration by one frame.
func (r *Resource) Read() ([]byte, error) {
	select {
	case pkt, ok := <-r.packets:
		if !ok {
			return nil, r.endErr()
		}
		r.played.Add(int64(FrameDuration))
		return pkt, nil
	default:
		return nil, nil
	}
}

// Readable reports whether a packet is buffered.
func (r *Resource) Readable() bool {
	return len(r.packets) > 0
}

// Ended reports whether every packet has been consumed.
func (r *Resource) Ended() bool {
	return r.finished.Load() && len(r.packets) == 0
}

// PlaybackDuration is how much audio has been handed to the player.
func (r *Resource) PlaybackDuration() time.Duration {
	return time.Duration(r.played.Load())
}

func (r *Resource) Source() Source {
	return r.source
}

// Close stops production and releases the underlying stream.
func (r *Resource) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.pcmMu.Lock()
		pcm := r.pcm
		r.pcmMu.Unlock()
		if !r.source.IsLocator() && r.source.Reader() != pcm {
			_ = r.source.Reader().Close()
		}
		err = pcm.Close()
	})
	return err
}

func (r *Resource) pump() {
	defer func() {
		r.finished.Store(true)
		close(r.packets)
	}()

	buf := make([]byte, pcmFrameBytes)
	samples := make([]int16, FrameSize*Channels)
	out := make([]byte, maxPacketSize)

	for {
		n, err := io.ReadFull(r.currentPCM(), buf)
		last := false
		if err != nil && r.shouldRecover(err) {
			if rerr := r.reopen(err); rerr != nil {
				r.setErr(rerr)
				return
			}
			continue
		}
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			clear(buf[n:])
			last = true
		case err != nil:
			r.setErr(err)
			return
		}

		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
		}
		if r.Volume != nil {
			r.Volume.Apply(samples)
		}

		size, err := r.encoder.Encode(samples, out)
		if err != nil {
			r.setErr(fmt.Errorf("encode error: %w", err))
			return
		}
		pkt := make([]byte, size)
		copy(pkt, out[:size])

		select {
		case r.packets <- pkt:
		case <-r.closed:
			return
		}
		r.produced += FrameDuration

		if last {
			r.setErr(io.EOF)
			return
		}
	}
}

func (r *Resource) currentPCM() io.Reader {
	r.pcmMu.Lock()
	defer r.pcmMu.Unlock()
	return r.pcm
}

// shouldRecover reports whether a locator stream that stopped with err can be
// reopened: on a transcoder failure, or on an end that came well before the
// expected duration.
func (r *Resource) shouldRecover(err error) bool {
	if !r.source.IsLocator() || r.recoveries >= maxRecoveries {
		return false
	}
	select {
	case <-r.closed:
		return false
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return r.duration > 0 && r.produced < r.duration-endTolerance
	}
	return true
}

// reopen restarts the transcoder at the position produced so far, trying
// again while attempts remain.
func (r *Resource) reopen(cause error) error {
	for {
		r.recoveries++
		log.Info().
			Str("component", "stream").
			Str("source", r.source.String()).
			Err(cause).
			Int("attempt", r.recoveries).
			Dur("seek", r.produced).
			Msg("Stream ended early, reopening")

		next, err := r.transcoder.Transcode(r.source, r.hint, r.produced)
		if err != nil {
			if r.shouldRecover(err) {
				cause = err
				continue
			}
			return fmt.Errorf("failed to reopen stream: %w", err)
		}

		r.pcmMu.Lock()
		select {
		case <-r.closed:
			r.pcmMu.Unlock()
			_ = next.Close()
			return io.EOF
		default:
		}
		prev := r.pcm
		r.pcm = next
		r.pcmMu.Unlock()

		_ = prev.Close()
		return nil
	}
}

func (r *Resource) setErr(err error) {
	select {
	case <-r.closed:
		// reads fail once Close tears the pipe down; that is not a stream error
		err = io.EOF
	default:
	}
	if err != io.EOF {
		log.Debug().Str("component", "stream").Err(err).Str("source", r.source.String()).Msg("Resource stream ended with error")
	}

	r.errMu.Lock()
	r.err = err
	r.errMu.Unlock()
}

func (r *Resource) endErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil || errors.Is(r.err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("read error: %w", r.err)
}
