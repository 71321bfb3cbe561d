// Package swim tracks the participants of a session with memberlist's
// SWIM failure detector. Each member advertises its session and HTTP port
// in its node metadata so gossip can address it.
package swim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/heitortanoue/slidesync/logging"
)

const (
	DefaultBindPort = 7946
	leaveTimeout    = 5 * time.Second
)

// nodeMeta is what a member advertises about itself.
type nodeMeta struct {
	SessionID string `json:"session_id"`
	HTTPPort  int    `json:"http_port"`
}

func decodeMeta(n *memberlist.Node) (nodeMeta, bool) {
	var meta nodeMeta
	if len(n.Meta) == 0 || json.Unmarshal(n.Meta, &meta) != nil {
		return nodeMeta{}, false
	}
	return meta, true
}

// delegate advertises the node metadata. The rest of the delegate
// interface is unused: state travels over HTTP.
type delegate struct {
	meta []byte
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// events logs participants joining and leaving the session.
type events struct {
	participantID string
	sessionID     string
	logger        *logging.SessionLogger
}

func (e *events) inSession(n *memberlist.Node) bool {
	meta, ok := decodeMeta(n)
	return ok && meta.SessionID == e.sessionID && n.Name != e.participantID
}

func (e *events) NotifyJoin(n *memberlist.Node) {
	if e.inSession(n) {
		e.logger.LogPeerJoin(n.Name)
	}
}

func (e *events) NotifyLeave(n *memberlist.Node) {
	if e.inSession(n) {
		e.logger.LogPeerLeave(n.Name)
	}
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
	e.logger.Logger().Debug("member updated", "peer", n.Name)
}

// Config configures a MembershipManager.
type Config struct {
	ParticipantID string
	SessionID     string
	BindAddr      string
	BindPort      int
	HTTPPort      int
	Seeds         []string
	Logger        *logging.SessionLogger
}

// MembershipManager lists the live participants of one session.
type MembershipManager struct {
	ml            *memberlist.Memberlist
	participantID string
	sessionID     string
	logger        *logging.SessionLogger
}

// NewMembershipManager starts memberlist and joins the seeds. Failing to
// reach the seeds is logged and not fatal: the first participant of a
// session has nobody to join.
func NewMembershipManager(cfg Config) (*MembershipManager, error) {
	if cfg.ParticipantID == "" || cfg.SessionID == "" {
		return nil, fmt.Errorf("participant and session ids are required")
	}
	meta, err := json.Marshal(nodeMeta{SessionID: cfg.SessionID, HTTPPort: cfg.HTTPPort})
	if err != nil {
		return nil, fmt.Errorf("encode node meta: %w", err)
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.ParticipantID
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.Delegate = &delegate{meta: meta}
	mlCfg.Events = &events{participantID: cfg.ParticipantID, sessionID: cfg.SessionID, logger: cfg.Logger}
	mlCfg.LogOutput = logWriter{cfg.Logger}

	mlCfg.PushPullInterval = 30 * time.Second
	mlCfg.ProbeTimeout = time.Second
	mlCfg.ProbeInterval = 5 * time.Second

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	m := &MembershipManager{
		ml:            ml,
		participantID: cfg.ParticipantID,
		sessionID:     cfg.SessionID,
		logger:        cfg.Logger,
	}

	seeds := make([]string, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		if seed != "" && seed != cfg.ParticipantID {
			seeds = append(seeds, seed)
		}
	}
	if len(seeds) > 0 {
		if err := m.Join(seeds...); err != nil {
			m.logger.LogError("join seeds", err)
		}
	}
	return m, nil
}

// Peers returns the other live members of the session.
func (m *MembershipManager) Peers() []*memberlist.Node {
	all := m.ml.Members()
	peers := make([]*memberlist.Node, 0, len(all))
	for _, n := range all {
		if n.Name == m.participantID {
			continue
		}
		if meta, ok := decodeMeta(n); ok && meta.SessionID == m.sessionID {
			peers = append(peers, n)
		}
	}
	return peers
}

// GetMemberURLs returns the HTTP base URL of every peer.
func (m *MembershipManager) GetMemberURLs() []string {
	peers := m.Peers()
	urls := make([]string, 0, len(peers))
	for _, n := range peers {
		meta, _ := decodeMeta(n)
		urls = append(urls, fmt.Sprintf("http://%s:%d", n.Addr.String(), meta.HTTPPort))
	}
	return urls
}

// Count returns the number of peers.
func (m *MembershipManager) Count() int {
	return len(m.Peers())
}

// LocalAddr returns the memberlist address of this participant.
func (m *MembershipManager) LocalAddr() string {
	return m.ml.LocalNode().Address()
}

// Join contacts more members, e.g. a seed learned after startup.
func (m *MembershipManager) Join(addrs ...string) error {
	n, err := m.ml.Join(addrs)
	if err != nil {
		return fmt.Errorf("join %v: %w", addrs, err)
	}
	m.logger.Logger().Info("joined members", "contacted", n, "seeds", addrs)
	return nil
}

// Leave announces the departure and stops memberlist.
func (m *MembershipManager) Leave() error {
	if err := m.ml.Leave(leaveTimeout); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	if err := m.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

// GetStats returns membership statistics.
func (m *MembershipManager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"participant_id": m.participantID,
		"session_id":     m.sessionID,
		"total_members":  m.ml.NumMembers(),
		"peers":          m.Count(),
		"local_addr":     m.LocalAddr(),
	}
}

// logWriter routes memberlist's log lines to debug records.
type logWriter struct {
	logger *logging.SessionLogger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Logger().Debug(string(p), "component", "memberlist")
	return len(p), nil
}
