// Package ffmpeg runs ffmpeg subprocesses with raw pipes for capture, encode and decode.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Binary is the executable looked up on PATH.
const Binary = "ffmpeg"

// ErrNotFound is returned when ffmpeg is not installed.
var ErrNotFound = errors.New("ffmpeg not found")

// Check verifies ffmpeg is on PATH.
func Check() error {
	if _, err := exec.LookPath(Binary); err != nil {
		return fmt.Errorf("%w: install ffmpeg and make sure it is on PATH", ErrNotFound)
	}
	return nil
}

// Options selects which pipes are wired to the child.
type Options struct {
	Stdin  bool
	Stdout bool
	// ExtraInputs adds write pipes the child sees as pipe:3, pipe:4, ...
	ExtraInputs int
	// LogPath, when set, receives the child's stderr in addition to the in-memory tail.
	LogPath string
}

// Process is a running ffmpeg child.
type Process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	extra  []*os.File
	stderr *tail
	log    *os.File

	done chan struct{}
	err  error

	closeInputs sync.Once
}

// Start launches ffmpeg with args. The process is not bound to a context; stop it with Stop.
func Start(args []string, opts Options) (*Process, error) {
	if err := Check(); err != nil {
		return nil, err
	}
	base := []string{"-hide_banner", "-loglevel", "error"}
	if !opts.Stdin {
		base = append(base, "-nostdin")
	}
	cmd := exec.Command(Binary, append(base, args...)...)
	p := &Process{cmd: cmd, stderr: &tail{max: 8 << 10}, done: make(chan struct{})}

	var childEnds []*os.File
	fail := func(err error) (*Process, error) {
		for _, f := range childEnds {
			_ = f.Close()
		}
		p.closeParentEnds()
		return nil, err
	}

	if opts.Stdin {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("stdin pipe: %w", err))
		}
		cmd.Stdin = r
		p.stdin = w
		childEnds = append(childEnds, r)
	}
	if opts.Stdout {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("stdout pipe: %w", err))
		}
		cmd.Stdout = w
		p.stdout = r
		childEnds = append(childEnds, w)
	}
	for i := 0; i < opts.ExtraInputs; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("extra pipe %d: %w", i, err))
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, r)
		p.extra = append(p.extra, w)
		childEnds = append(childEnds, r)
	}

	var stderr io.Writer = p.stderr
	if opts.LogPath != "" {
		if f, err := os.Create(opts.LogPath); err == nil {
			p.log = f
			stderr = io.MultiWriter(p.stderr, f)
		}
	}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start ffmpeg: %w", err))
	}
	for _, f := range childEnds {
		_ = f.Close()
	}

	go func() {
		p.err = cmd.Wait()
		if p.log != nil {
			_ = p.log.Close()
		}
		close(p.done)
	}()
	return p, nil
}

// Stdin is the child's standard input, nil unless Options.Stdin.
func (p *Process) Stdin() io.WriteCloser {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

// Stdout is the child's standard output, nil unless Options.Stdout. It reaches EOF when the child exits.
func (p *Process) Stdout() io.ReadCloser {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Input returns the i-th extra input pipe (pipe:3+i in the child).
func (p *Process) Input(i int) io.WriteCloser {
	if i < 0 || i >= len(p.extra) {
		return nil
	}
	return p.extra[i]
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error after Done is closed, with the stderr tail attached.
func (p *Process) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if p.err == nil {
		return nil
	}
	if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", p.err, msg)
	}
	return p.err
}

// CloseInputs closes stdin and the extra input pipes so ffmpeg sees EOF and finalizes its output.
func (p *Process) CloseInputs() {
	p.closeInputs.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		for _, f := range p.extra {
			_ = f.Close()
		}
	})
}

// Stop ends the child: inputs are closed first, then SIGINT after grace, then SIGKILL after another grace.
func (p *Process) Stop(grace time.Duration) error {
	p.CloseInputs()
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = p.cmd.Process.Signal(os.Interrupt)
		select {
		case <-p.done:
		case <-time.After(grace):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}
	if p.stdout != nil {
		_ = p.stdout.Close()
	}
	return p.Err()
}

// Kill terminates the child immediately.
func (p *Process) Kill() {
	p.CloseInputs()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	if p.stdout != nil {
		_ = p.stdout.Close()
	}
}

func (p *Process) closeParentEnds() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.stdout != nil {
		_ = p.stdout.Close()
	}
	for _, f := range p.extra {
		_ = f.Close()
	}
}

// Encoders lists the encoder names ffmpeg was built with (e.g. "libvpx-vp9", "libopus").
func Encoders(ctx context.Context) (map[string]bool, error) {
	if err := Check(); err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, Binary, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("list encoders: %w", err)
	}
	return ParseEncoders(out), nil
}

// ParseEncoders parses `ffmpeg -encoders` output.
func ParseEncoders(out []byte) map[string]bool {
	names := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	listing := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !listing {
			listing = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		names[fields[1]] = true
	}
	return names
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tail) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
