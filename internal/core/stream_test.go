package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/mesh/internal/adapters/transport"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

type recordingTransport struct {
	mu      sync.Mutex
	packets []*domain.Packet
}

func (t *recordingTransport) Start(context.Context, ports.PacketHandler) error { return nil }
func (t *recordingTransport) Stop() error                                      { return nil }
func (t *recordingTransport) Address() string                                  { return "127.0.0.1:7401" }

func (t *recordingTransport) Send(_ context.Context, _ string, packet *domain.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packets = append(t.packets, packet)
	return nil
}

func (t *recordingTransport) sent() []*domain.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.Packet(nil), t.packets...)
}

func TestPacketStream_ReplaysHistory(t *testing.T) {
	stream := NewPacketStream()
	require.NoError(t, stream.Write([]byte("a")))
	require.NoError(t, stream.Write([]byte("b")))

	var got []string
	stream.OnPacket(func(data []byte, err error, closed bool) {
		if closed {
			got = append(got, "<close>")
			return
		}
		got = append(got, string(data))
	})
	require.NoError(t, stream.Close())

	assert.Equal(t, []string{"a", "b", "<close>"}, got)
	assert.True(t, stream.IsClosed())
	assert.ErrorIs(t, stream.Write([]byte("c")), ErrStreamClosed)

	data, err := stream.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
}

func TestPacketStream_WriteCopiesInput(t *testing.T) {
	stream := NewPacketStream()
	buf := []byte("abc")
	require.NoError(t, stream.Write(buf))
	buf[0] = 'x'
	require.NoError(t, stream.Close())

	data, err := stream.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestPacketStream_FailSurfacesError(t *testing.T) {
	stream := NewPacketStream()
	require.NoError(t, stream.Write([]byte("partial")))
	require.NoError(t, stream.Fail(errors.New("disk full")))

	_, err := stream.ReadAll(context.Background())
	assert.EqualError(t, err, "disk full")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = NewPacketStream().ReadAll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamTable_AssemblesOutOfOrder(t *testing.T) {
	table := newStreamTable()
	stream := table.open("node2", "req-1")

	table.push("node2", domain.PacketClose, &domain.StreamBody{ID: "req-1", Seq: 4})
	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-1", Seq: 2, Data: []byte("b")})
	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-1", Seq: 3, Data: []byte("c")})
	assert.False(t, stream.IsClosed())
	assert.Equal(t, 1, table.len())

	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-1", Seq: 1, Data: []byte("a")})
	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-1", Seq: 1, Data: []byte("dup")})

	data, err := stream.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, 0, table.len())
}

func TestStreamTable_DropsChunksOfFinishedStreams(t *testing.T) {
	table := newStreamTable()
	closed := table.open("node2", "req-1")
	table.push("node2", domain.PacketClose, &domain.StreamBody{ID: "req-1", Seq: 1})
	assert.True(t, closed.IsClosed())
	assert.Equal(t, 0, table.len())

	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-1", Seq: 1, Data: []byte("late")})
	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-1", Seq: 2, Data: []byte("later")})
	assert.Equal(t, 0, table.len())

	table.open("node2", "req-2")
	table.remove("node2", "req-2")
	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-2", Seq: 3, Data: []byte("late")})
	assert.Equal(t, 0, table.len())
}

func TestStreamTable_FinishedKeysAreBounded(t *testing.T) {
	table := newStreamTable()
	for i := 0; i < finishedStreams+10; i++ {
		table.remove("node2", fmt.Sprintf("req-%d", i))
	}
	assert.Len(t, table.finished, finishedStreams)
	assert.NotContains(t, table.finished, streamKey("node2", "req-0"))
	assert.Contains(t, table.finished, streamKey("node2", fmt.Sprintf("req-%d", finishedStreams+9)))
}

func TestStreamTable_ChunksBeforeRequest(t *testing.T) {
	table := newStreamTable()
	table.push("node2", domain.PacketData, &domain.StreamBody{ID: "req-1", Seq: 1, Data: []byte("early")})

	stream := table.open("node2", "req-1")
	table.push("node2", domain.PacketError, &domain.StreamBody{ID: "req-1", Seq: 2, Error: "upload aborted"})

	_, err := stream.ReadAll(context.Background())
	assert.EqualError(t, err, "upload aborted")
}

func TestStreamTable_DropNode(t *testing.T) {
	table := newStreamTable()
	first := table.open("node2", "req-1")
	table.open("node2", "req-2")
	other := table.open("node22", "req-3")

	assert.Equal(t, 2, table.dropNode("node2"))
	assert.Equal(t, 1, table.len())

	_, err := first.ReadAll(context.Background())
	assert.True(t, domain.IsServiceNotFound(err))
	assert.False(t, other.IsClosed())
}

func TestRelayStream_IncreasingSeq(t *testing.T) {
	recorder := &recordingTransport{}
	b := newTestBroker(t, transport.NewHub(), "node1", 7401, WithTransport(recorder))

	stream := NewPacketStream()
	require.NoError(t, stream.Write([]byte("one")))

	c := b.NewContext("files.store", nil, nil)
	c.stream = stream
	b.relayStream(context.Background(), "node2", c)

	require.NoError(t, stream.Write([]byte("two")))
	require.NoError(t, stream.Close())

	packets := recorder.sent()
	require.Len(t, packets, 3)
	types := []domain.PacketType{domain.PacketData, domain.PacketData, domain.PacketClose}
	for i, packet := range packets {
		assert.Equal(t, types[i], packet.Type)
		require.NotNil(t, packet.Stream)
		assert.Equal(t, int64(i+1), packet.Stream.Seq)
		assert.Equal(t, c.ID(), packet.Stream.ID)
		assert.Equal(t, domain.PacketRequest, packet.Stream.RequestType)
		assert.Equal(t, "node1", packet.Sender)
	}
	assert.Equal(t, "two", string(packets[1].Stream.Data))
}
