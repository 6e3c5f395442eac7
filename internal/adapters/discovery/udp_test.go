package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

func TestBeaconCodec(t *testing.T) {
	beacon := EncodeBeacon("prod", "node1", 7400)
	assert.Equal(t, "prod|node1|7400", beacon)

	namespace, nodeID, port, err := DecodeBeacon(beacon)
	require.NoError(t, err)
	assert.Equal(t, "prod", namespace)
	assert.Equal(t, "node1", nodeID)
	assert.Equal(t, 7400, port)

	namespace, _, _, err = DecodeBeacon("|node1|7400")
	require.NoError(t, err)
	assert.Empty(t, namespace)

	for _, bad := range []string{"", "prod|node1", "prod||7400", "prod|node1|0", "prod|node1|x", "a|b|c|d"} {
		_, _, _, err := DecodeBeacon(bad)
		assert.True(t, domain.IsValidationError(err), bad)
	}
}

func startUDP(t *testing.T, namespace string) *UDPAdapter {
	t.Helper()
	adapter := NewUDPAdapter(&domain.UDPConfig{
		BindAddr:      "127.0.0.1",
		Port:          0,
		BroadcastRate: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, adapter.Start(context.Background(), ports.DiscoveryConfig{Namespace: namespace}))
	t.Cleanup(func() { _ = adapter.Stop() })
	return adapter
}

func TestUDPAdapter_ExchangesBeacons(t *testing.T) {
	a := startUDP(t, "prod")
	b := startUDP(t, "prod")
	other := startUDP(t, "staging")

	a.SetTargets([]string{
		fmt.Sprintf("127.0.0.1:%d", b.BoundPort()),
		fmt.Sprintf("127.0.0.1:%d", other.BoundPort()),
	})
	b.SetTargets([]string{fmt.Sprintf("127.0.0.1:%d", a.BoundPort())})

	require.NoError(t, a.Advertise(ports.ServiceInfo{ID: "node-a", Port: 7401}))
	require.NoError(t, b.Advertise(ports.ServiceInfo{ID: "node-b", Port: 7402}))

	require.Eventually(t, func() bool {
		peers, _ := b.Discover()
		return len(peers) == 1 && peers[0].ID == "node-a"
	}, 2*time.Second, 10*time.Millisecond)

	peers, _ := b.Discover()
	assert.Equal(t, "127.0.0.1", peers[0].Address)
	assert.Equal(t, 7401, peers[0].Port)

	require.Eventually(t, func() bool {
		peers, _ := a.Discover()
		return len(peers) == 1 && peers[0].ID == "node-b"
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	stray, err := other.Discover()
	require.NoError(t, err)
	assert.Empty(t, stray)
}

func TestUDPAdapter_ForgetsSilentPeers(t *testing.T) {
	now := time.Unix(1000, 0)
	adapter := NewUDPAdapter(&domain.UDPConfig{BroadcastRate: time.Second}, nil)
	adapter.now = func() time.Time { return now }
	adapter.started = true
	adapter.peers["node2"] = &beaconPeer{peer: ports.Peer{ID: "node2"}, lastSeen: now.Add(-2 * time.Second)}
	adapter.peers["node3"] = &beaconPeer{peer: ports.Peer{ID: "node3"}, lastSeen: now.Add(-4 * time.Second)}

	peers, err := adapter.Discover()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "node2", peers[0].ID)
}

func TestUDPAdapter_Lifecycle(t *testing.T) {
	adapter := NewUDPAdapter(&domain.UDPConfig{BindAddr: "127.0.0.1"}, nil)
	assert.Equal(t, 0, adapter.BoundPort())
	assert.True(t, domain.IsNotStarted(adapter.Advertise(ports.ServiceInfo{ID: "node1"})))

	require.NoError(t, adapter.Start(context.Background(), ports.DiscoveryConfig{}))
	assert.NotZero(t, adapter.BoundPort())
	assert.True(t, domain.IsAlreadyStarted(adapter.Start(context.Background(), ports.DiscoveryConfig{})))
	require.NoError(t, adapter.Stop())
	assert.True(t, domain.IsNotStarted(adapter.Stop()))
}
