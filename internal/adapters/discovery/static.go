package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/eleven-am/mesh/internal/adapters/metrics"
	"github.com/eleven-am/mesh/internal/domain"
	"github.com/eleven-am/mesh/internal/ports"
)

const (
	peersEnv      = "MESH_PEERS"
	peersFileEnv  = "MESH_DISCOVERY_CONFIG"
	peersYAMLFile = "peers.yaml"
	peersJSONFile = "peers.json"
)

type peersFile struct {
	Peers []domain.StaticPeer `json:"peers" yaml:"peers"`
}

// StaticAdapter serves a fixed peer list: the configured peers plus those
// named in MESH_PEERS or a peers file.
type StaticAdapter struct {
	configured []domain.StaticPeer
	logger     *slog.Logger

	mu      sync.RWMutex
	started bool
	peers   []ports.Peer
	self    *ports.ServiceInfo
}

var _ ports.DiscoveryPort = (*StaticAdapter)(nil)

func NewStaticAdapter(peers []domain.StaticPeer, logger *slog.Logger) *StaticAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticAdapter{
		configured: peers,
		logger:     logger.With("component", "discovery", "adapter", "static"),
	}
}

func (s *StaticAdapter) Start(ctx context.Context, config ports.DiscoveryConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return domain.NewDiscoveryError("static", "start", domain.ErrAlreadyStarted)
	}

	loaded, err := LoadPeers()
	if err != nil {
		metrics.RecordDiscoveryOperation("static", "start", "error")
		return domain.NewDiscoveryError("static", "load_peers", err)
	}

	peers, err := normalizePeers(append(append([]domain.StaticPeer{}, s.configured...), loaded...))
	if err != nil {
		metrics.RecordDiscoveryOperation("static", "start", "error")
		return domain.NewDiscoveryError("static", "validate", err)
	}

	s.peers = peers
	s.started = true
	metrics.RecordDiscoveryOperation("static", "start", "success")
	metrics.SetPeersFound("static", len(peers))

	for _, peer := range peers {
		s.logger.Debug("added static peer", "peer_id", peer.ID, "address", peer.Address, "port", peer.Port)
	}
	s.logger.Info("static discovery started", "service_name", config.ServiceName, "peer_count", len(peers))
	return nil
}

func (s *StaticAdapter) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return domain.NewDiscoveryError("static", "stop", domain.ErrNotStarted)
	}
	s.started = false
	s.peers = nil
	s.self = nil
	s.logger.Info("static discovery stopped")
	return nil
}

func (s *StaticAdapter) Advertise(info ports.ServiceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return domain.NewDiscoveryError("static", "advertise", domain.ErrNotStarted)
	}
	s.self = &info
	return nil
}

// Discover returns the static peers, minus the advertised local node.
func (s *StaticAdapter) Discover() ([]ports.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return nil, domain.NewDiscoveryError("static", "discover", domain.ErrNotStarted)
	}

	peers := make([]ports.Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		if s.self != nil && (peer.ID == s.self.ID || (peer.Address == s.self.Address && peer.Port == s.self.Port)) {
			continue
		}
		peers = append(peers, peer)
	}
	metrics.RecordDiscoveryOperation("static", "discover", "success")
	return peers, nil
}

// LoadPeers reads peers from MESH_PEERS ("id@host:port" or "host:port",
// comma separated), else from the file named by MESH_DISCOVERY_CONFIG, else
// from peers.yaml or peers.json in the working directory.
func LoadPeers() ([]domain.StaticPeer, error) {
	if value := os.Getenv(peersEnv); value != "" {
		return ParsePeerList(value)
	}

	path := os.Getenv(peersFileEnv)
	if path == "" {
		for _, candidate := range []string{peersYAMLFile, peersJSONFile} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil, nil
	}
	return LoadPeersFile(path)
}

// ParsePeerList parses a comma separated list of "id@host:port" or
// "host:port" entries.
func ParsePeerList(value string) ([]domain.StaticPeer, error) {
	var peers []domain.StaticPeer
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		var id string
		if at := strings.Index(raw, "@"); at >= 0 {
			id, raw = raw[:at], raw[at+1:]
		}

		colon := strings.LastIndex(raw, ":")
		if colon <= 0 || colon == len(raw)-1 {
			return nil, domain.NewValidationError("peer", raw, "expected host:port")
		}
		port, err := strconv.Atoi(raw[colon+1:])
		if err != nil {
			return nil, domain.NewValidationError("peer.port", raw, "must be a number")
		}
		peers = append(peers, domain.StaticPeer{
			ID:      id,
			Address: raw[:colon],
			Port:    port,
		})
	}
	return peers, nil
}

func LoadPeersFile(path string) ([]domain.StaticPeer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read peers file %s: %w", path, err)
	}

	var file peersFile
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		err = yaml.Unmarshal(data, &file)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, &file)
	default:
		return nil, domain.NewValidationError("peers_file", path, "supported formats are yaml, yml and json")
	}
	if err != nil {
		return nil, fmt.Errorf("parse peers file %s: %w", path, err)
	}
	return file.Peers, nil
}

// normalizePeers validates the list, fills missing ids and drops
// duplicates of the same address.
func normalizePeers(in []domain.StaticPeer) ([]ports.Peer, error) {
	seenIDs := make(map[string]struct{}, len(in))
	seenAddrs := make(map[string]struct{}, len(in))
	out := make([]ports.Peer, 0, len(in))

	for i, peer := range in {
		if peer.Address == "" {
			return nil, domain.NewValidationError("peer.address", peer.ID, "must not be empty")
		}
		if peer.Port <= 0 || peer.Port > 65535 {
			return nil, domain.NewValidationError("peer.port", peer.Port, "must be between 1 and 65535")
		}

		addr := fmt.Sprintf("%s:%d", peer.Address, peer.Port)
		if _, dup := seenAddrs[addr]; dup {
			continue
		}
		seenAddrs[addr] = struct{}{}

		id := peer.ID
		if id == "" {
			id = fmt.Sprintf("peer-%d", i)
		}
		if _, dup := seenIDs[id]; dup {
			return nil, domain.NewValidationError("peer.id", id, "duplicate peer id")
		}
		seenIDs[id] = struct{}{}

		out = append(out, ports.Peer{
			ID:       id,
			Address:  peer.Address,
			Port:     peer.Port,
			Metadata: map[string]string{"source": "static"},
		})
	}
	return out, nil
}
