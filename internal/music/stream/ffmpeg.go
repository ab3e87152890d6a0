package stream

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const stderrTail = 4 << 10

// Transcoder turns an arbitrary source into s16le PCM at SampleRate/Channels,
// starting seek into the source. Closing the returned reader releases
// everything the transcoder started.
type Transcoder interface {
	Transcode(src Source, hint StreamType, seek time.Duration) (io.ReadCloser, error)
}

// TranscodeError reports a transcoder that exited with an error.
type TranscodeError struct {
	Err    error
	Stderr string
}

func (e *TranscodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg failed: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, e.Stderr)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// FFmpeg transcodes through an ffmpeg subprocess.
type FFmpeg struct {
	// Path to the binary; "ffmpeg" when empty.
	Path string
}

func (f FFmpeg) Transcode(src Source, hint StreamType, seek time.Duration) (io.ReadCloser, error) {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{"-hide_banner"}
	switch hint {
	case StreamOggOpus:
		args = append(args, "-f", "ogg")
	case StreamWebmOpus:
		args = append(args, "-f", "matroska")
	}

	if src.IsLocator() {
		if isHTTP(src.Locator()) {
			args = append(args,
				"-reconnect", "1",
				"-reconnect_streamed", "1",
				"-reconnect_delay_max", "5",
			)
		}
		if seek > 0 {
			args = append(args, "-ss", strconv.FormatFloat(seek.Seconds(), 'f', 3, 64))
		}
		args = append(args, "-i", src.Locator())
	} else {
		args = append(args, "-i", "pipe:0")
	}

	args = append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-loglevel", "warning",
		"pipe:1",
	)

	cmd := exec.Command(bin, args...)
	if !src.IsLocator() {
		cmd.Stdin = src.Reader()
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("command start error: %w", err)
	}
	log.Debug().Str("component", "ffmpeg").Int("pid", cmd.Process.Pid).Str("source", src.String()).Dur("seek", seek).Msg("Transcoder started")

	return &ffmpegOutput{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// ffmpegOutput reads the PCM pipe. At the end of the pipe it reaps the
// process and turns a failed exit into a TranscodeError.
type ffmpegOutput struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer

	waitOnce sync.Once
	waitErr  error
	closed   bool
	mu       sync.Mutex
}

func (o *ffmpegOutput) Read(p []byte) (int, error) {
	n, err := o.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := o.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (o *ffmpegOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	_ = o.cmd.Process.Kill()
	_ = o.wait()
	return nil
}

func (o *ffmpegOutput) wait() error {
	o.waitOnce.Do(func() {
		err := o.cmd.Wait()
		o.mu.Lock()
		killed := o.closed
		o.mu.Unlock()
		if err != nil && !killed {
			o.waitErr = &TranscodeError{Err: err, Stderr: strings.TrimSpace(o.stderr.String())}
		}
	})
	return o.waitErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
