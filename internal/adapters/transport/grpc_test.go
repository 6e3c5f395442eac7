package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eleven-am/mesh/internal/domain"
)

type addressBook map[string]string

func (b addressBook) ResolveAddress(nodeID string) (string, int, bool) {
	address, ok := b[nodeID]
	if !ok {
		return "", 0, false
	}
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

func startGRPC(t *testing.T, handler *packetRecorder) *GRPCTransport {
	t.Helper()
	transport := NewGRPCTransport("127.0.0.1", 0, domain.DefaultTransportConfig(), nil)
	require.NoError(t, transport.Start(context.Background(), handler))
	t.Cleanup(func() { _ = transport.Stop() })
	return transport
}

func TestGRPCTransport_RoundTrip(t *testing.T) {
	recorder := newPacketRecorder()
	server := startGRPC(t, recorder)
	client := startGRPC(t, newPacketRecorder())
	client.SetResolver(addressBook{"server": server.Address()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, "server", eventPacket("client")))

	received := recorder.wait(t)
	assert.Equal(t, domain.PacketEvent, received.Type)
	assert.Equal(t, "client", received.Sender)
	assert.Equal(t, "ada", received.Event.Data.String("name"))
}

func TestGRPCTransport_UnknownNode(t *testing.T) {
	client := startGRPC(t, newPacketRecorder())
	client.SetResolver(addressBook{})

	err := client.Send(context.Background(), "ghost", eventPacket("client"))
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestGRPCTransport_NoResolver(t *testing.T) {
	client := startGRPC(t, newPacketRecorder())

	err := client.Send(context.Background(), "server", eventPacket("client"))
	assert.True(t, domain.IsTransportError(err))
}

func TestGRPCTransport_ServesHealth(t *testing.T) {
	server := startGRPC(t, newPacketRecorder())

	conn, err := grpc.NewClient(server.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCTransport_StopTwice(t *testing.T) {
	transport := NewGRPCTransport("127.0.0.1", 0, domain.DefaultTransportConfig(), nil)
	require.NoError(t, transport.Start(context.Background(), newPacketRecorder()))
	require.NoError(t, transport.Stop())
	assert.True(t, domain.IsNotStarted(transport.Stop()))
}
