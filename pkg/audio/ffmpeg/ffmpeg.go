// Package ffmpeg implements [audio.InputDevice] and [audio.OutputDevice] by
// running an ffmpeg subprocess that reads from or writes to the system audio
// server (PulseAudio by default) and exchanges raw s16le PCM over stdio.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
)

const (
	// startupProbe is how long a freshly started process must stay alive
	// before the device counts as opened.
	startupProbe = 250 * time.Millisecond

	// stopGrace is how long Close waits after SIGINT before killing.
	stopGrace = 1200 * time.Millisecond
)

// Device opens capture and playback streams through ffmpeg.
type Device struct {
	command string
	format  string
	probe   time.Duration
}

var (
	_ audio.InputDevice  = (*Device)(nil)
	_ audio.OutputDevice = (*Device)(nil)
)

// Option is a functional option for configuring a [Device].
type Option func(*Device)

// WithCommand overrides the ffmpeg binary (default "ffmpeg").
func WithCommand(command string) Option {
	return func(d *Device) {
		if command != "" {
			d.command = command
		}
	}
}

// WithFormat sets the ffmpeg input/output device format, e.g. "pulse" or "alsa"
// (default "pulse").
func WithFormat(format string) Option {
	return func(d *Device) {
		if format != "" {
			d.format = format
		}
	}
}

// New creates an ffmpeg-backed audio device.
func New(opts ...Option) *Device {
	d := &Device{command: "ffmpeg", format: "pulse", probe: startupProbe}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OpenInput implements [audio.InputDevice].
func (d *Device) OpenInput(ctx context.Context, cfg audio.DeviceConfig) (audio.InputStream, error) {
	cfg = withDefaults(cfg)
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.format,
		"-i", cfg.Device,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(d.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open input: stdout pipe: %w", err)
	}
	p, err := d.start(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open input %q: %w", cfg.Device, err)
	}
	p.pipe = stdout
	return &inputStream{process: p, stdout: stdout}, nil
}

// OpenOutput implements [audio.OutputDevice].
func (d *Device) OpenOutput(ctx context.Context, cfg audio.DeviceConfig) (audio.OutputStream, error) {
	cfg = withDefaults(cfg)
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-i", "-",
	}
	if d.format == "pulse" {
		args = append(args, "-f", "pulse", "-device", cfg.Device, "livescribe")
	} else {
		args = append(args, "-f", d.format, cfg.Device)
	}

	cmd := exec.Command(d.command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open output: stdin pipe: %w", err)
	}
	p, err := d.start(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open output %q: %w", cfg.Device, err)
	}
	p.pipe = stdin
	return &outputStream{process: p, stdin: stdin}, nil
}

// start launches cmd and waits for the startup probe. A process that exits
// during the probe, or a binary that cannot be executed, is reported as
// [audio.ErrDeviceUnavailable].
func (d *Device) start(ctx context.Context, cmd *exec.Cmd) (*process, error) {
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = stopGrace
	if err := cmd.Start(); err != nil {
		return nil, errors.Join(audio.ErrDeviceUnavailable, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	p := &process{proc: cmd.Process, stderr: stderr, waitErr: waitErr}
	select {
	case err := <-waitErr:
		cause := errors.New("exited before audio started")
		if err != nil {
			cause = fmt.Errorf("exited before audio started: %w", err)
		}
		if msg := stderr.String(); msg != "" {
			cause = fmt.Errorf("%w: %s", cause, msg)
		}
		return nil, errors.Join(audio.ErrDeviceUnavailable, cause)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(d.probe):
	}
	return p, nil
}

func withDefaults(cfg audio.DeviceConfig) audio.DeviceConfig {
	def := audio.DefaultDeviceConfig()
	if cfg.Device == "" {
		cfg.Device = def.Device
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	return cfg
}

// process supervises one ffmpeg child.
type process struct {
	proc    *os.Process
	stderr  *syncBuffer
	waitErr <-chan error
	pipe    io.Closer

	stopOnce sync.Once
	stopErr  error
}

// stop ends the process and closes its stdio pipe. Playback streams close
// the pipe first so ffmpeg can drain buffered audio and exit on its own;
// capture streams are interrupted directly. A process that ignores SIGINT
// for stopGrace is killed. Safe to call more than once.
func (p *process) stop(closePipeFirst bool) error {
	p.stopOnce.Do(func() {
		if closePipeFirst && p.pipe != nil {
			_ = p.pipe.Close()
			if exited, err := p.wait(stopGrace); exited {
				p.stopErr = normalizeStopErr(err)
				return
			}
		}
		if p.proc != nil {
			_ = p.proc.Signal(os.Interrupt)
		}
		exited, err := p.wait(stopGrace)
		if !exited {
			if p.proc != nil {
				_ = p.proc.Kill()
			}
			_, err = p.wait(stopGrace)
		}
		p.stopErr = normalizeStopErr(err)

		if !closePipeFirst && p.pipe != nil {
			if err := p.pipe.Close(); err != nil && !errors.Is(err, os.ErrClosed) && p.stopErr == nil {
				p.stopErr = err
			}
		}
		if p.stopErr != nil {
			if msg := p.stderr.String(); msg != "" {
				p.stopErr = fmt.Errorf("%w: %s", p.stopErr, msg)
			}
		}
	})
	return p.stopErr
}

// wait reports the exit error of the process if it exits within d.
func (p *process) wait(d time.Duration) (bool, error) {
	select {
	case err, ok := <-p.waitErr:
		if !ok {
			return true, nil
		}
		return true, err
	case <-time.After(d):
		return false, nil
	}
}

type inputStream struct {
	*process
	stdout io.ReadCloser
}

func (s *inputStream) Read(b []byte) (int, error) {
	n, err := s.stdout.Read(b)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("ffmpeg: read: %w", errors.Join(audio.ErrDeviceFailed, err))
	}
	return n, nil
}

func (s *inputStream) Close() error {
	return s.stop(false)
}

type outputStream struct {
	*process
	stdin io.WriteCloser
}

func (s *outputStream) Write(b []byte) (int, error) {
	n, err := s.stdin.Write(b)
	if err != nil {
		return n, fmt.Errorf("ffmpeg: write: %w", errors.Join(audio.ErrDeviceFailed, err))
	}
	return n, nil
}

// Close flushes by closing stdin first so ffmpeg plays out buffered audio.
func (s *outputStream) Close() error {
	return s.stop(true)
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer is a goroutine-safe stderr sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
