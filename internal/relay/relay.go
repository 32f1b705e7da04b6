// Package relay pumps a sandboxed program's stdio to and from a client
// connection.
package relay

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

const (
	DefaultChunkSize    = 4096
	DefaultDrainTimeout = 2 * time.Second

	minChunkSize = utf8.UTFMax + 1
	inputBacklog = 64
)

// Sender delivers frames to the client.
type Sender interface {
	Send(f protocol.Frame) error
}

type Options struct {
	// ChunkSize caps the payload of one output frame in bytes.
	ChunkSize int
	// DrainTimeout bounds how long output is read after the program exits.
	DrainTimeout time.Duration
	// OnExit runs once the program has exited, before output is drained.
	OnExit func()
}

// Relay connects one process to one client. Output is forwarded as output
// and error frames; when the program has exited and its output is drained
// exactly one processDone frame is sent and Done is closed.
type Relay struct {
	runID string
	proc  sandbox.Process
	out   Sender
	opts  Options
	log   zerolog.Logger

	lines       chan string
	eof         chan struct{}
	inputClosed atomic.Bool
	exited      chan struct{}
	done        chan struct{}
	startOnce   sync.Once
}

func New(runID string, proc sandbox.Process, out Sender, opts Options) *Relay {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize < minChunkSize {
		opts.ChunkSize = minChunkSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Relay{
		runID:  runID,
		proc:   proc,
		out:    out,
		opts:   opts,
		log:    logger.WithComponent("relay").With().Str("run", runID).Logger(),
		lines:  make(chan string, inputBacklog),
		eof:    make(chan struct{}),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the pumps. Calls after the first are no-ops.
func (r *Relay) Start() {
	r.startOnce.Do(func() { go r.run() })
}

// Done is closed after the processDone frame has been sent.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Input queues line, followed by a newline, for the program's stdin. It
// never blocks: the line is dropped when the program is not keeping up with
// its input, and ignored once input has been closed or the program has
// exited.
func (r *Relay) Input(line string) {
	if r.inputClosed.Load() {
		return
	}
	select {
	case r.lines <- line:
	case <-r.exited:
	default:
		r.log.Warn().Int("backlog", inputBacklog).Msg("stdin backlog full, dropping input")
	}
}

// CloseInput closes stdin after any queued input has been written. Repeated
// calls are no-ops.
func (r *Relay) CloseInput() {
	if r.inputClosed.CompareAndSwap(false, true) {
		close(r.eof)
	}
}

func (r *Relay) run() {
	var pumps sync.WaitGroup
	pumps.Add(2)
	go r.pumpOutput(r.proc.Stdout(), protocol.Output, &pumps)
	go r.pumpOutput(r.proc.Stderr(), protocol.Error, &pumps)
	go r.pumpInput()

	<-r.proc.Done()
	close(r.exited)
	if r.opts.OnExit != nil {
		r.opts.OnExit()
	}

	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()

	timer := time.NewTimer(r.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		r.log.Warn().Dur("timeout", r.opts.DrainTimeout).Msg("output still open after exit, closing")
		r.proc.Stdout().Close()
		r.proc.Stderr().Close()
		<-drained
	}

	code := r.proc.ExitCode()
	if err := r.proc.Err(); err != nil {
		r.log.Error().Err(err).Msg("process fault")
		r.send(protocol.Error(r.runID, "process fault: "+err.Error()))
	}
	r.send(protocol.ProcessDone(r.runID, code))
	r.log.Debug().Int("exit_code", code).Msg("process done")
	close(r.done)
}

func (r *Relay) pumpInput() {
	stdin := r.proc.Stdin()
	defer stdin.Close()

	for {
		select {
		case line := <-r.lines:
			if !r.writeLine(stdin, line) {
				return
			}
		case <-r.eof:
			// Lines queued before eof still go out, in order.
			for {
				select {
				case line := <-r.lines:
					if !r.writeLine(stdin, line) {
						return
					}
				default:
					return
				}
			}
		case <-r.exited:
			return
		}
	}
}

func (r *Relay) writeLine(stdin io.Writer, line string) bool {
	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		r.inputClosed.Store(true)
		r.log.Debug().Err(err).Msg("stdin closed by program")
		return false
	}
	return true
}

// pumpOutput forwards src in frames of at most ChunkSize bytes. An
// incomplete UTF-8 sequence at the end of a read is held back for the next
// frame.
func (r *Relay) pumpOutput(src io.Reader, frame func(runID, data string) protocol.Frame, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, r.opts.ChunkSize)
	held := 0
	for {
		n, err := src.Read(buf[held:])
		n += held
		held = 0
		if n > 0 {
			cut := n
			if err == nil {
				cut = n - incompleteTail(buf[:n])
			}
			if cut > 0 {
				r.send(frame(r.runID, string(buf[:cut])))
			}
			held = copy(buf, buf[cut:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				r.log.Debug().Err(err).Msg("output read ended")
			}
			return
		}
	}
}

func (r *Relay) send(f protocol.Frame) {
	if err := r.out.Send(f); err != nil {
		r.log.Debug().Err(err).Str("type", f.Type).Msg("dropping frame")
	}
}

// incompleteTail returns the length of a trailing partial UTF-8 sequence.
func incompleteTail(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return 0
		}
		return i
	}
	return 0
}
