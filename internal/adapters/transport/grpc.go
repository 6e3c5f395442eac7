package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

var _ ports.TransportPort = (*GRPCTransport)(nil)

// GRPCTransport pushes packets to peers with a unary gRPC call per packet.
// Peer addresses are looked up through the resolver on every send, so a node
// that moved is reached at its new address once gossip learns it.
type GRPCTransport struct {
	bindAddr string
	config   domain.TransportConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	resolver ports.AddressResolver
	handler  ports.PacketHandler
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	conns    map[string]*grpc.ClientConn
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	wg       sync.WaitGroup
}

func NewGRPCTransport(host string, port int, config domain.TransportConfig, logger *slog.Logger) *GRPCTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCTransport{
		bindAddr: net.JoinHostPort(host, strconv.Itoa(port)),
		config:   config,
		logger:   logger.With("component", "transport", "adapter", "grpc"),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// SetResolver installs the lookup used to turn node ids into addresses.
func (t *GRPCTransport) SetResolver(resolver ports.AddressResolver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolver = resolver
}

func (t *GRPCTransport) Start(ctx context.Context, handler ports.PacketHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return domain.NewTransportError("grpc", "start", domain.ErrAlreadyStarted)
	}
	if handler == nil {
		return domain.NewTransportError("grpc", "start", domain.ErrInvalidInput)
	}

	listener, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return domain.NewTransportError("grpc", "listen", err)
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryLoggingInterceptor(t.logger)),
	}
	if size := t.maxMessageSize(); size > 0 {
		serverOpts = append(serverOpts,
			grpc.MaxRecvMsgSize(size),
			grpc.MaxSendMsgSize(size),
		)
	}

	t.server = grpc.NewServer(serverOpts...)
	t.server.RegisterService(&transportServiceDesc, &packetService{transport: t})
	t.health = health.NewServer()
	healthpb.RegisterHealthServer(t.server, t.health)
	t.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	t.listener = listener
	t.handler = handler
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.running = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			t.logger.Error("grpc server stopped unexpectedly", "error", err)
		}
	}()

	t.logger.Info("grpc transport started", "address", listener.Addr().String())
	return nil
}

func (t *GRPCTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return domain.NewTransportError("grpc", "stop", domain.ErrNotStarted)
	}
	t.running = false
	t.cancel()
	t.health.Shutdown()

	conns := t.conns
	t.conns = make(map[string]*grpc.ClientConn)
	server := t.server
	t.mu.Unlock()

	for address, conn := range conns {
		if err := conn.Close(); err != nil {
			t.logger.Debug("failed to close connection", "address", address, "error", err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		server.Stop()
	}

	t.wg.Wait()
	t.logger.Info("grpc transport stopped")
	return nil
}

// packetService is the server side of the packet service.
type packetService struct {
	transport *GRPCTransport
}

func (s *packetService) Send(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	t := s.transport

	packet, err := DecodePacket(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	t.mu.RLock()
	handler, lifetime, running := t.handler, t.ctx, t.running
	t.mu.RUnlock()
	if !running {
		return nil, status.Error(codes.Unavailable, "transport stopped")
	}

	handler.HandlePacket(lifetime, packet)
	return &emptypb.Empty{}, nil
}

func (t *GRPCTransport) Send(ctx context.Context, nodeID string, packet *domain.Packet) error {
	address, err := t.resolve(nodeID)
	if err != nil {
		return domain.NewTransportError("grpc", "send", err)
	}

	data, err := EncodePacket(packet)
	if err != nil {
		return domain.NewTransportError("grpc", "send", err)
	}

	conn, err := t.connection(address)
	if err != nil {
		return domain.NewTransportError("grpc", "dial", err)
	}

	if t.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.SendTimeout)
		defer cancel()
	}

	if err := conn.Invoke(ctx, sendMethod, wrapperspb.Bytes(data), new(emptypb.Empty)); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable {
			t.dropConnection(address)
			return domain.NewTransportError("grpc", "send", fmt.Errorf("%w: %s", domain.ErrConnection, st.Message()))
		}
		return domain.NewTransportError("grpc", "send", err)
	}
	return nil
}

func (t *GRPCTransport) resolve(nodeID string) (string, error) {
	t.mu.RLock()
	resolver := t.resolver
	t.mu.RUnlock()

	if resolver == nil {
		return "", fmt.Errorf("no address resolver: %w", domain.ErrNotStarted)
	}
	host, port, ok := resolver.ResolveAddress(nodeID)
	if !ok || host == "" || port <= 0 {
		return "", fmt.Errorf("node %q: %w", nodeID, domain.ErrNotFound)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (t *GRPCTransport) connection(address string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.conns[address]
	running := t.running
	t.mu.RUnlock()

	if !running {
		return nil, domain.ErrNotStarted
	}
	if ok {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[address]; ok {
		return conn, nil
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if size := t.maxMessageSize(); size > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(size),
			grpc.MaxCallSendMsgSize(size),
		))
	}

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[address] = conn
	return conn, nil
}

func (t *GRPCTransport) dropConnection(address string) {
	t.mu.Lock()
	conn, ok := t.conns[address]
	delete(t.conns, address)
	t.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

func (t *GRPCTransport) maxMessageSize() int {
	if t.config.MaxMessageSizeMB <= 0 {
		return 0
	}
	return t.config.MaxMessageSizeMB * 1024 * 1024
}

// Address returns the bound listener address once started.
func (t *GRPCTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.bindAddr
}
