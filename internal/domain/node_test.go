package domain

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testInfo(seq int64) Document {
	return Document{
		InfoSeq:      seq,
		InfoHostname: "host-a",
		InfoIPList:   []interface{}{"10.0.0.1"},
		InfoPort:     7400,
	}
}

func TestNewRemoteNode_Validation(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		host  string
		port  int
		field string
	}{
		{"empty node id", "", "h", 1000, "nodeID"},
		{"empty host", "n", "", 1000, "host"},
		{"zero port", "n", "h", 0, "port"},
		{"negative port", "n", "h", -5, "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := NewRemoteNode(tt.id, tt.host, tt.port)
			require.Error(t, err)
			assert.Nil(t, node)
			assert.True(t, errors.Is(err, ErrInvalidInput))

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestNewRemoteNode_StartsHiddenAndOffline(t *testing.T) {
	node, err := NewRemoteNode("node4", "host4", 1000)
	require.NoError(t, err)

	assert.False(t, node.IsLocal())
	assert.False(t, node.IsOnline())
	assert.True(t, node.IsHidden())
	assert.Equal(t, int64(0), node.Seq())
}

func TestNewLocalNode_StartsOnline(t *testing.T) {
	node, err := NewLocalNode("node1", "localhost", 7400, Document{"services": []interface{}{}})
	require.NoError(t, err)

	assert.True(t, node.IsLocal())
	assert.True(t, node.IsOnline())
	assert.Equal(t, int64(1), node.Seq())
	seq, ok := node.Info().Int64(InfoSeq)
	require.True(t, ok)
	assert.Equal(t, int64(1), seq)
}

func TestUpdateCPU(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	node, err := NewLocalNode("node1", "localhost", 7400, nil, WithNodeClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, node.UpdateCPU(0))
	cpu, cpuSeq := node.CPU()
	assert.Equal(t, 0, cpu)
	assert.Equal(t, int64(0), cpuSeq, "unchanged value does not advance cpuSeq")

	require.NoError(t, node.UpdateCPU(42))
	cpu, cpuSeq = node.CPU()
	assert.Equal(t, 42, cpu)
	assert.Equal(t, int64(1), cpuSeq)

	clock.Advance(time.Second)
	require.NoError(t, node.UpdateCPU(42))
	_, cpuSeq = node.CPU()
	assert.Equal(t, int64(1), cpuSeq)
	assert.Equal(t, clock.Now().UnixMilli(), node.Snapshot().CPUWhen)

	assert.ErrorIs(t, node.UpdateCPU(-1), ErrInvalidInput)
	assert.ErrorIs(t, node.UpdateCPU(101), ErrInvalidInput)
}

func TestRefreshCPU_AdvancesSteadyLoad(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	node, err := NewLocalNode("node1", "localhost", 7400, nil, WithNodeClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, node.RefreshCPU(0, 10*time.Second))
	_, cpuSeq := node.CPU()
	assert.Equal(t, int64(1), cpuSeq)

	clock.Advance(4 * time.Second)
	require.NoError(t, node.RefreshCPU(0, 10*time.Second))
	_, cpuSeq = node.CPU()
	assert.Equal(t, int64(1), cpuSeq)

	clock.Advance(6 * time.Second)
	require.NoError(t, node.RefreshCPU(0, 10*time.Second))
	_, cpuSeq = node.CPU()
	assert.Equal(t, int64(2), cpuSeq)
	assert.Equal(t, clock.Now().UnixMilli(), node.Snapshot().CPUWhen)

	require.NoError(t, node.RefreshCPU(30, 10*time.Second))
	_, cpuSeq = node.CPU()
	assert.Equal(t, int64(3), cpuSeq)
}

func TestUpdateCPUSeq_Monotonic(t *testing.T) {
	node, err := NewRemoteNode("node2", "host2", 1000)
	require.NoError(t, err)

	accepted, err := node.UpdateCPUSeq(3, 50)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = node.UpdateCPUSeq(3, 90)
	require.NoError(t, err)
	assert.False(t, accepted, "equal cpuSeq is idempotent")

	accepted, err = node.UpdateCPUSeq(2, 10)
	require.NoError(t, err)
	assert.False(t, accepted, "lower cpuSeq is stale")

	cpu, cpuSeq := node.CPU()
	assert.Equal(t, 50, cpu)
	assert.Equal(t, int64(3), cpuSeq)

	_, err = node.UpdateCPUSeq(0, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = node.UpdateCPUSeq(5, 200)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMarkAsOnline(t *testing.T) {
	node, err := NewRemoteNode("node2", "placeholder", 1)
	require.NoError(t, err)

	changed, err := node.MarkAsOnline(testInfo(1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, node.IsOnline())
	host, port := node.Address()
	assert.Equal(t, "host-a", host)
	assert.Equal(t, 7400, port)

	changed, err = node.MarkAsOnline(testInfo(1))
	require.NoError(t, err)
	assert.False(t, changed, "same seq does not replace info")

	older := testInfo(0)
	_, err = node.MarkAsOnline(older)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = node.MarkAsOnline(Document{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	noHost := Document{InfoSeq: int64(5), InfoPort: 1000}
	_, err = node.MarkAsOnline(noHost)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "hostname", validationErr.Field)
	assert.Equal(t, int64(1), node.Seq(), "rejected info leaves state untouched")

	noPort := Document{InfoSeq: int64(5), InfoHostname: "h"}
	_, err = node.MarkAsOnline(noPort)
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "port", validationErr.Field)
}

func TestMarkAsOnline_PreferIP(t *testing.T) {
	node, err := NewRemoteNode("node2", "placeholder", 1, WithPreferHostname(false))
	require.NoError(t, err)

	_, err = node.MarkAsOnline(testInfo(2))
	require.NoError(t, err)
	host, _ := node.Address()
	assert.Equal(t, "10.0.0.1", host)
}

func TestMarkAsOffline(t *testing.T) {
	node, err := NewRemoteNodeFromInfo("node3", testInfo(1))
	require.NoError(t, err)
	require.True(t, node.IsOnline())

	assert.True(t, node.MarkAsOffline())
	assert.False(t, node.IsOnline())
	assert.Equal(t, int64(2), node.Seq())
	seq, _ := node.Info().Int64(InfoSeq)
	assert.Equal(t, int64(2), seq)

	assert.False(t, node.MarkAsOffline(), "already offline")
	assert.Equal(t, int64(2), node.Seq())
}

func TestMarkAsOfflineSeq(t *testing.T) {
	node, err := NewRemoteNodeFromInfo("node3", testInfo(4))
	require.NoError(t, err)

	changed, err := node.MarkAsOfflineSeq(4)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, node.IsOnline())

	changed, err = node.MarkAsOfflineSeq(7)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, node.IsOnline())
	assert.Equal(t, int64(7), node.Seq())

	_, err = node.MarkAsOfflineSeq(0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAdoptSeq_MarksInfoStale(t *testing.T) {
	node, err := NewRemoteNodeFromInfo("node2", testInfo(1))
	require.NoError(t, err)

	changed, err := node.AdoptSeq(3)
	require.NoError(t, err)
	assert.True(t, changed)
	snapshot := node.Snapshot()
	assert.True(t, snapshot.InfoStale)
	assert.Equal(t, int64(3), snapshot.Seq)

	changed, err = node.MarkAsOnline(testInfo(3))
	require.NoError(t, err)
	assert.True(t, changed, "info with the adopted seq completes the stale state")
	assert.False(t, node.Snapshot().InfoStale)
}

func TestRefute(t *testing.T) {
	node, err := NewLocalNode("node1", "localhost", 7400, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), node.Refute(0))
	assert.Equal(t, int64(6), node.Refute(5))
	assert.True(t, node.Snapshot().Seq > 5)
	assert.True(t, node.IsOnline())
}

func TestRestoreSeq(t *testing.T) {
	node, err := NewLocalNode("node1", "localhost", 7400, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(11), node.RestoreSeq(10))
	assert.Equal(t, int64(11), node.RestoreSeq(3))
}

func TestNodeDescriptor_ConcurrentAccess(t *testing.T) {
	node, err := NewRemoteNodeFromInfo("node2", testInfo(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(2)
		go func(seq int64) {
			defer wg.Done()
			_, _ = node.UpdateCPUSeq(seq, int(seq%100))
		}(int64(i))
		go func() {
			defer wg.Done()
			_ = node.Snapshot()
		}()
	}
	wg.Wait()

	_, cpuSeq := node.CPU()
	assert.Equal(t, int64(50), cpuSeq)
}
