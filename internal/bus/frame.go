package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/yuexia/internal/model/message"
)

// maxFrameSize caps a single encoded envelope.
const maxFrameSize = 16 << 20

// ErrMalformedFrame marks a frame whose body could not be decoded. The stream itself is still
// aligned on the next frame.
var ErrMalformedFrame = errors.New("malformed frame")

// WriteFrame writes env as a 4-byte big-endian length followed by its msgpack body.
func WriteFrame(w io.Writer, env message.Envelope) error {
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("envelope too large: %d bytes", len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame. I/O failures are returned unchanged; a body that does not decode
// into a known envelope yields ErrMalformedFrame.
func ReadFrame(r io.Reader) (message.Envelope, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return message.Envelope{}, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxFrameSize {
		return message.Envelope{}, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return message.Envelope{}, fmt.Errorf("read frame body: %w", err)
	}

	var env message.Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return message.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !env.Kind.Valid() {
		return message.Envelope{}, fmt.Errorf("%w: %v %q", ErrMalformedFrame, message.ErrUnknownKind, env.Kind)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return env, nil
}

// readLoop decodes frames from r into dst until r fails or stop closes.
func readLoop(stop <-chan struct{}, r io.Reader, dst chan<- message.Envelope, log *zap.Logger) {
	for {
		env, err := ReadFrame(r)
		if errors.Is(err, ErrMalformedFrame) {
			log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug("frame reader stopped", zap.Error(err))
			}
			return
		}
		select {
		case dst <- env:
		case <-stop:
			return
		}
	}
}

// writeLoop encodes envelopes from src onto w until stop closes. With drain set, whatever is
// already buffered in src is flushed before returning.
func writeLoop(stop <-chan struct{}, src <-chan message.Envelope, w io.Writer, drain bool, log *zap.Logger) {
	for {
		select {
		case env := <-src:
			if err := WriteFrame(w, env); err != nil {
				log.Warn("frame write failed", zap.String("kind", string(env.Kind)), zap.Error(err))
				return
			}
		case <-stop:
			if !drain {
				return
			}
			for {
				select {
				case env := <-src:
					if err := WriteFrame(w, env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Pump connects a queue pair to a framed byte stream, typically a child process's stdin and
// stdout. It runs until stop closes or the stream ends; the returned channel closes when both
// directions have finished. Envelopes still queued in src stay there.
func Pump(stop <-chan struct{}, src <-chan message.Envelope, w io.Writer, r io.Reader, dst chan<- message.Envelope, log *zap.Logger) <-chan struct{} {
	if log == nil {
		log = zap.NewNop()
	}
	done := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readLoop(stop, r, dst, log)
	}()
	go func() {
		writeLoop(stop, src, w, false, log)
		<-readerDone
		close(done)
	}()
	return done
}

// Pipe is the worker side of a framed stream: a Bridge plus lifecycle control.
type Pipe struct {
	*Bridge

	stop     chan struct{}
	stopOnce sync.Once
	eof      chan struct{}
	written  chan struct{}
}

// Attach builds a Pipe over r (frames from the orchestrator) and w (frames to it).
func Attach(name string, r io.Reader, w io.Writer, log *zap.Logger) *Pipe {
	if log == nil {
		log = zap.NewNop()
	}
	in := NewQueue(0)
	out := NewQueue(0)
	p := &Pipe{
		Bridge:  NewBridge(name, in, out, log),
		stop:    make(chan struct{}),
		eof:     make(chan struct{}),
		written: make(chan struct{}),
	}
	go func() {
		defer close(p.eof)
		readLoop(p.stop, r, in, log)
	}()
	go func() {
		defer close(p.written)
		writeLoop(p.stop, out, w, true, log)
	}()
	return p
}

// Done closes once the inbound stream has ended, for instance when the parent went away.
func (p *Pipe) Done() <-chan struct{} { return p.eof }

// Close flushes pending outbound envelopes and stops the writer.
func (p *Pipe) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.written
}
