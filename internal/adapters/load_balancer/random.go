package load_balancer

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/eleven-am/mesh/internal/ports"
)

// XorShiftRandomStrategy is the fast pseudorandom variant. The generator
// state is shared between goroutines and advanced with a CAS loop.
type XorShiftRandomStrategy struct {
	state atomic.Uint64
}

func NewXorShiftRandomStrategy() *XorShiftRandomStrategy {
	s := &XorShiftRandomStrategy{}
	s.state.Store(uint64(time.Now().UnixNano()))
	return s
}

func (s *XorShiftRandomStrategy) next() uint64 {
	for {
		start := s.state.Load()
		next := start + 1
		next ^= next << 21
		next ^= next >> 35
		next ^= next << 4
		if s.state.CompareAndSwap(start, next) {
			return next
		}
	}
}

func (s *XorShiftRandomStrategy) Select(call ports.CallContext, endpoints []ports.Endpoint) ports.Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	return endpoints[s.next()%uint64(len(endpoints))]
}

// NanoSecRandomStrategy derives the index from the wall clock.
type NanoSecRandomStrategy struct{}

func NewNanoSecRandomStrategy() *NanoSecRandomStrategy {
	return &NanoSecRandomStrategy{}
}

func (s *NanoSecRandomStrategy) Select(call ports.CallContext, endpoints []ports.Endpoint) ports.Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	return endpoints[uint64(time.Now().UnixNano())%uint64(len(endpoints))]
}

// SecureRandomStrategy draws from crypto/rand. Slowest, best distribution.
type SecureRandomStrategy struct{}

func NewSecureRandomStrategy() *SecureRandomStrategy {
	return &SecureRandomStrategy{}
}

func (s *SecureRandomStrategy) Select(call ports.CallContext, endpoints []ports.Endpoint) ports.Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return endpoints[randomIndex(len(endpoints))]
	}
	return endpoints[binary.BigEndian.Uint64(buf[:])%uint64(len(endpoints))]
}

func randomIndex(n int) int {
	return mrand.IntN(n)
}
