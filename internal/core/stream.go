package core

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/eleven-am/mesh/internal/domain"
)

var ErrStreamClosed = errors.New("stream closed")

// StreamListener receives the chunks of a stream in order. err is set for
// a failed stream; closed is set for the final CLOSE.
type StreamListener func(data []byte, err error, closed bool)

type streamChunk struct {
	data   []byte
	err    error
	closed bool
}

// PacketStream carries a byte stream alongside a request. Listeners that
// subscribe late receive the chunks written so far first.
type PacketStream struct {
	mu        sync.Mutex
	history   []streamChunk
	listeners []StreamListener
	finished  bool
}

func NewPacketStream() *PacketStream {
	return &PacketStream{}
}

// Write appends one chunk. Listeners run under the stream lock and must not
// write to the same stream.
func (s *PacketStream) Write(data []byte) error {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	return s.push(streamChunk{data: chunk})
}

// Fail terminates the stream with err.
func (s *PacketStream) Fail(err error) error {
	if err == nil {
		err = errors.New("stream failed")
	}
	return s.push(streamChunk{err: err})
}

func (s *PacketStream) Close() error {
	return s.push(streamChunk{closed: true})
}

func (s *PacketStream) push(chunk streamChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return ErrStreamClosed
	}
	if chunk.err != nil || chunk.closed {
		s.finished = true
	}
	s.history = append(s.history, chunk)
	for _, listener := range s.listeners {
		listener(chunk.data, chunk.err, chunk.closed)
	}
	return nil
}

// OnPacket subscribes listener, replaying the chunks written so far.
func (s *PacketStream) OnPacket(listener StreamListener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.history {
		listener(chunk.data, chunk.err, chunk.closed)
	}
	s.listeners = append(s.listeners, listener)
}

func (s *PacketStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// ReadAll collects the stream until it is closed, fails or ctx ends.
func (s *PacketStream) ReadAll(ctx context.Context) ([]byte, error) {
	var (
		mu     sync.Mutex
		buffer bytes.Buffer
		result error
	)
	done := make(chan struct{})

	s.OnPacket(func(data []byte, err error, closed bool) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			result = err
			close(done)
		case closed:
			close(done)
		default:
			buffer.Write(data)
		}
	})

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		if result != nil {
			return nil, result
		}
		return buffer.Bytes(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type streamPacket struct {
	packetType domain.PacketType
	body       *domain.StreamBody
}

// streamAssembler feeds DATA, ERR and CLOSE packets of one inbound request
// into its stream in seq order, whatever order they arrive in.
type streamAssembler struct {
	stream   *PacketStream
	next     int64
	buffered map[int64]streamPacket
}

func newStreamAssembler() *streamAssembler {
	return &streamAssembler{
		stream:   NewPacketStream(),
		next:     1,
		buffered: make(map[int64]streamPacket),
	}
}

// push returns true once the stream has been closed or failed.
func (a *streamAssembler) push(packetType domain.PacketType, body *domain.StreamBody) bool {
	if body.Seq < a.next {
		return false
	}
	a.buffered[body.Seq] = streamPacket{packetType: packetType, body: body}

	for {
		packet, ok := a.buffered[a.next]
		if !ok {
			return false
		}
		delete(a.buffered, a.next)
		a.next++

		switch packet.packetType {
		case domain.PacketData:
			_ = a.stream.Write(packet.body.Data)
		case domain.PacketError:
			_ = a.stream.Fail(errors.New(packet.body.Error))
			return true
		case domain.PacketClose:
			_ = a.stream.Close()
			return true
		}
	}
}

// finishedStreams bounds how many finished stream keys are remembered to
// drop late or duplicate chunks.
const finishedStreams = 1024

// streamTable holds the assemblers of inbound streamed requests, keyed by
// sender and request id.
type streamTable struct {
	mu         sync.Mutex
	assemblers map[string]*streamAssembler
	finished   map[string]struct{}
	order      [finishedStreams]string
	next       int
}

func newStreamTable() *streamTable {
	return &streamTable{
		assemblers: make(map[string]*streamAssembler),
		finished:   make(map[string]struct{}),
	}
}

func streamKey(nodeID, id string) string {
	return nodeID + "/" + id
}

// open returns the stream of a request, creating it when the first chunk
// or the request itself arrives.
func (t *streamTable) open(nodeID, id string) *PacketStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assembler(streamKey(nodeID, id)).stream
}

func (t *streamTable) assembler(key string) *streamAssembler {
	assembler, ok := t.assemblers[key]
	if !ok {
		assembler = newStreamAssembler()
		t.assemblers[key] = assembler
	}
	return assembler
}

// push feeds a chunk to its stream. Chunks of finished streams are dropped.
func (t *streamTable) push(nodeID string, packetType domain.PacketType, body *domain.StreamBody) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := streamKey(nodeID, body.ID)
	if _, done := t.finished[key]; done {
		return
	}
	if t.assembler(key).push(packetType, body) {
		t.finish(key)
	}
}

// finish forgets the assembler of key and remembers the key in a ring of
// the most recent finished streams.
func (t *streamTable) finish(key string) {
	delete(t.assemblers, key)
	if _, done := t.finished[key]; done {
		return
	}
	if evicted := t.order[t.next]; evicted != "" {
		delete(t.finished, evicted)
	}
	t.order[t.next] = key
	t.finished[key] = struct{}{}
	t.next = (t.next + 1) % finishedStreams
}

// remove forgets the stream of a finished request.
func (t *streamTable) remove(nodeID, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finish(streamKey(nodeID, id))
}

// dropNode fails the open streams of a node that went away.
func (t *streamTable) dropNode(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := nodeID + "/"
	count := 0
	for key, assembler := range t.assemblers {
		if strings.HasPrefix(key, prefix) {
			_ = assembler.stream.Fail(domain.NewServiceNotFoundError("stream", nodeID))
			t.finish(key)
			count++
		}
	}
	return count
}

func (t *streamTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.assemblers)
}
