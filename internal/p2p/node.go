// Package p2p implements the signal transport: a libp2p host joined to a
// GossipSub room topic that acts as the untrusted public broker carrying
// only signaling envelopes. Once two peers have discovered each other here,
// all further traffic — chat, questions, pings, call signaling — moves to
// direct streams between the peers; this package never sees it again.
package p2p

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"hearth/internal/proto"
	"hearth/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

// compressThreshold is the payload size above which envelopes are gzipped
// before publish.
const compressThreshold = 1024

// historyCap bounds the in-memory ring of recently seen signal envelopes.
const historyCap = 256

// SignalHandler receives a decoded envelope already filtered for self-echoes.
type SignalHandler func(env proto.Envelope)

// Node is the Signal Transport: a libp2p host, joined to one room topic via
// GossipSub, that frames and exchanges signaling envelopes.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	selfName func() string

	// room is the bare room name; the GossipSub topic is RoomTopicPrefix+room.
	room string

	// Relay peer info for recovery after connection drops.
	relayPeer *peer.AddrInfo

	relayRecoveryMu     sync.Mutex
	relayRecoveryGrace  time.Duration
	relayCleanupDelay   time.Duration
	relayConnectTimeout time.Duration
	relayPollDeadline   time.Duration

	historyMu sync.Mutex
	history   []proto.Envelope

	diagMu   sync.Mutex
	diagLogs []string
	diagMax  int

	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent Ed25519 identity key from disk, or
// generates and saves one on first run. Persisted to a flat file rather
// than the database.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New constructs the libp2p host, joins the room's GossipSub topic, starts
// mDNS discovery, and (if relayInfo is non-nil) enables circuit relay +
// hole punching + autorelay against that bootstrap peer.
func New(ctx context.Context, listenPort int, keyFile, room string, selfName func() string, relayInfo *proto.RelayInfo) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("generated new identity key: %s", keyFile)
	} else {
		log.Printf("loaded identity key: %s", keyFile)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	}

	if relayInfo != nil {
		ri, err := relayInfoToAddrInfo(relayInfo)
		if err == nil {
			opts = append(opts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
				libp2p.ForceReachabilityPrivate(),
			)
			log.Printf("relay: enabled (relay peer %s, %d addrs)", ri.ID, len(ri.Addrs))
		} else {
			log.Printf("relay: invalid relay info, skipping: %v", err)
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocol.ID(proto.ContentProtoID), func(s network.Stream) {
		defer s.Close()
		_, _ = s.Write([]byte(selfName() + "\n"))
	})

	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topicName := proto.RoomTopicPrefix + room
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:                h,
		ps:                  ps,
		topic:               topic,
		sub:                 sub,
		selfName:            selfName,
		room:                room,
		diagLogs:            make([]string, 0, 200),
		diagMax:             200,
		startTime:           time.Now(),
		relayRecoveryGrace:  5 * time.Second,
		relayCleanupDelay:   2 * time.Second,
		relayConnectTimeout: 15 * time.Second,
		relayPollDeadline:   5 * time.Second,
	}

	if relayInfo != nil {
		if ri, err := relayInfoToAddrInfo(relayInfo); err == nil {
			n.relayPeer = ri
		}
	}

	h.SetStreamHandler(protocol.ID(proto.DiagProtoID), func(s network.Stream) {
		defer s.Close()
		snap := n.DiagSnapshot()
		_ = json.NewEncoder(s).Encode(snap)
	})

	return n, nil
}

// diag logs a relay diagnostic message and stores it in the ring buffer,
// queryable over the diag stream protocol.
func (n *Node) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)

	ts := time.Now().Format("15:04:05")
	entry := fmt.Sprintf("[%s] %s", ts, msg)

	n.diagMu.Lock()
	n.diagLogs = append(n.diagLogs, entry)
	if len(n.diagLogs) > n.diagMax {
		n.diagLogs = n.diagLogs[len(n.diagLogs)-n.diagMax:]
	}
	n.diagMu.Unlock()
}

// DiagSnapshot returns a diagnostic report for this peer: addresses, relay
// health, connected-peer details, and uptime.
func (n *Node) DiagSnapshot() map[string]any {
	now := time.Now()

	var addrs []string
	hasCircuit := false
	for _, a := range n.Host.Addrs() {
		s := a.String()
		addrs = append(addrs, s)
		if isCircuitAddr(a) {
			hasCircuit = true
		}
	}

	var listenAddrs []string
	for _, a := range n.Host.Network().ListenAddresses() {
		listenAddrs = append(listenAddrs, a.String())
	}

	relayConns := 0
	var relayConfig map[string]any
	var relayConnDetails []map[string]any
	if n.relayPeer != nil {
		var cfgAddrs []string
		for _, a := range n.relayPeer.Addrs {
			cfgAddrs = append(cfgAddrs, a.String())
		}
		relayConfig = map[string]any{
			"peer_id": n.relayPeer.ID.String(),
			"addrs":   cfgAddrs,
		}

		conns := n.Host.Network().ConnsToPeer(n.relayPeer.ID)
		relayConns = len(conns)
		for _, c := range conns {
			age := now.Sub(c.Stat().Opened)
			relayConnDetails = append(relayConnDetails, map[string]any{
				"addr":    c.RemoteMultiaddr().String(),
				"dir":     dirString(c.Stat().Direction),
				"age":     age.Truncate(time.Second).String(),
				"streams": len(c.GetStreams()),
			})
		}
	}

	var connectedPeerDetails []map[string]any
	for _, pid := range n.Host.Network().Peers() {
		for _, c := range n.Host.Network().ConnsToPeer(pid) {
			age := now.Sub(c.Stat().Opened)
			detail := map[string]any{
				"peer_id": pid.String(),
				"addr":    c.RemoteMultiaddr().String(),
				"dir":     dirString(c.Stat().Direction),
				"age":     age.Truncate(time.Second).String(),
				"streams": len(c.GetStreams()),
			}
			if n.relayPeer != nil && pid == n.relayPeer.ID {
				detail["is_relay"] = true
			}
			connectedPeerDetails = append(connectedPeerDetails, detail)
		}
	}

	uptime := now.Sub(n.startTime)

	n.diagMu.Lock()
	logs := make([]string, len(n.diagLogs))
	copy(logs, n.diagLogs)
	n.diagMu.Unlock()

	hostname, _ := os.Hostname()

	result := map[string]any{
		"peer_id":         n.Host.ID().String(),
		"room":            n.room,
		"addrs":           addrs,
		"listen_addrs":    listenAddrs,
		"has_circuit":     hasCircuit,
		"relay_conns":     relayConns,
		"connected_peers": len(n.Host.Network().Peers()),
		"uptime":          uptime.Truncate(time.Second).String(),
		"started":         n.startTime.Format("2006-01-02 15:04:05"),
		"hostname":        hostname,
		"os":              runtime.GOOS,
		"arch":            runtime.GOARCH,
		"go_version":      runtime.Version(),
		"num_goroutine":   runtime.NumGoroutine(),
		"logs":            logs,
	}
	if relayConfig != nil {
		result["relay_config"] = relayConfig
	}
	if len(relayConnDetails) > 0 {
		result["relay_conn_details"] = relayConnDetails
	}
	if len(connectedPeerDetails) > 0 {
		result["connected_peer_details"] = connectedPeerDetails
	}
	return result
}

func dirString(d network.Direction) string {
	switch d {
	case network.DirInbound:
		return "inbound"
	case network.DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

func (n *Node) Close() error {
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Publish frames, optionally compresses, and sends an envelope on the room
// topic. Senders do not need to wait for their own echo: RunSignalLoop
// filters it out on the receive side.
func (n *Node) Publish(ctx context.Context, subtopic string, data any) error {
	env := proto.Envelope{
		Sender:    n.ID(),
		Timestamp: proto.NowMillis(),
		Subtopic:  subtopic,
		Data:      data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	wire := raw
	if len(raw) > compressThreshold {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(raw); err == nil && gw.Close() == nil {
			wire = buf.Bytes()
		}
	}
	return n.topic.Publish(ctx, wire)
}

// decodeEnvelope tries gzip-then-JSON first, then falls back to raw JSON.
func decodeEnvelope(raw []byte) (proto.Envelope, error) {
	var env proto.Envelope
	if gr, err := gzip.NewReader(bytes.NewReader(raw)); err == nil {
		decompressed, rerr := io.ReadAll(gr)
		gr.Close()
		if rerr == nil {
			if jerr := json.Unmarshal(decompressed, &env); jerr == nil {
				return env, nil
			}
		}
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return proto.Envelope{}, err
	}
	return env, nil
}

// RunSignalLoop reads envelopes from the room topic, decodes them, appends
// to the bounded history ring, skips self-echoes, and dispatches to handler.
func (n *Node) RunSignalLoop(ctx context.Context, handler SignalHandler) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			env, err := decodeEnvelope(m.Data)
			if err != nil {
				continue
			}
			if env.Sender == "" || env.Subtopic == "" {
				continue
			}

			n.historyMu.Lock()
			n.history = append(n.history, env)
			if len(n.history) > historyCap {
				n.history = n.history[len(n.history)-historyCap:]
			}
			n.historyMu.Unlock()

			if env.Sender == n.ID() {
				continue // never dispatch our own frames back to ourselves
			}

			if handler != nil {
				handler(env)
			}
		}
	}()
}

// History returns a snapshot of recently seen signal envelopes.
func (n *Node) History() []proto.Envelope {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	out := make([]proto.Envelope, len(n.history))
	copy(out, n.history)
	return out
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses; circuit relay addresses are always included
// since they represent a public relay path.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// WANAddrs exposes wanAddrs for callers building UserInfo payloads.
func (n *Node) WANAddrs() []string { return n.wanAddrs() }

// addPeerAddrs parses multiaddr strings from a peer's announcement and adds
// them to the peerstore. Circuit relay addresses get a longer TTL since they
// represent a stable relay path that outlives individual heartbeats.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	const defaultTTL = 20 * time.Second
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, defaultTTL)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, defaultTTL*10)
	}
}

// AddPeerAddrs exposes addPeerAddrs to callers dispatching `connect` frames.
// It also injects a relay-routed fallback address for the peer so a dial can
// still succeed through our known relay even if the peer's own announcement
// never included a circuit address (e.g. it hasn't obtained a reservation
// yet).
func (n *Node) AddPeerAddrs(peerID string, addrs []string) {
	n.addPeerAddrs(peerID, addrs)
	if pid, err := peer.Decode(peerID); err == nil {
		n.addRelayAddrForPeer(pid)
	}
}

// Connect attempts to connect to a decoded peer ID with no known addresses
// (best effort; relies on the peerstore already having addresses from mDNS
// or a prior presence announcement).
func (n *Node) Connect(ctx context.Context, peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return err
	}
	return n.Host.Connect(ctx, peer.AddrInfo{ID: pid})
}

// FetchContent fetches the peer's current display name over the content
// stream protocol.
func (n *Node) FetchContent(ctx context.Context, peerID string) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", err
	}
	_ = n.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.ContentProtoID))
	if err != nil {
		return "", err
	}
	defer s.Close()

	rd := bufio.NewReader(s)
	line, _ := rd.ReadString('\n')
	return strings.TrimSpace(line), nil
}
