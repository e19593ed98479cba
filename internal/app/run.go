// internal/app/run.go
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"hearth/internal/call"
	"hearth/internal/chat"
	"hearth/internal/config"
	"hearth/internal/connmgr"
	"hearth/internal/entangle"
	"hearth/internal/eventbus"
	"hearth/internal/keystore"
	"hearth/internal/mq"
	"hearth/internal/p2p"
	"hearth/internal/proto"
	"hearth/internal/storage"
	"hearth/internal/trust"
)

// liveProfile holds the mutable subset of config that can change while a
// peer is running (currently just the display name), updated by Watch's
// hot-reload callback and read by selfName/runAnnounceLoop.
type liveProfile struct {
	mu   sync.RWMutex
	name string
}

func (p *liveProfile) get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *liveProfile) set(name string) (old string, changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old = p.name
	if old == name {
		return old, false
	}
	p.name = name
	return old, true
}

// Options configures a single running peer process.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts one peer: opens local storage, joins the signaling room, wires
// every subsystem described in the connection, chat, and call components,
// and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	log.Printf("hearth: starting peer (dir=%s, room=%q)", opt.PeerDir, opt.Cfg.Room.Name)
	err := runPeer(ctx, opt)
	log.Printf("hearth: peer stopped: %v", err)
	return err
}

func runPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	db, err := storage.Open(opt.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	keys, err := keystore.Open(db)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}

	bus := eventbus.New()
	profile := &liveProfile{name: cfg.Profile.Name}
	selfName := profile.get

	relayInfo, err := parseRelayWAN(cfg.P2P.RelayWAN)
	if err != nil {
		return fmt.Errorf("parse relay_wan: %w", err)
	}

	keyPath := filepath.Join(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.Room.Name, selfName, relayInfo)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("peer id: %s", node.ID())
	bus.Emit("mqttconnected", cfg.Room.Name)

	// mqMgr must exist before connMgr: the signed variant's challenge/response
	// round trip (connmgr.validator) rides the same /hearth/mq/1.0.0 stream.
	mqMgr := mq.New(node.Host)
	unansq := mqMgr.AnswerQuestions(func(from, topic, content string) string {
		log.Printf("mq: question from %s on %q: %.80s", from, topic, content)
		return content
	})
	defer unansq()

	// entangle's callbacks close over connMgr, assigned right after; neither
	// callback can fire before a stream opens, which cannot happen before
	// both constructors below return.
	var connMgr *connmgr.Manager
	entMgr := entangle.New(node.Host,
		func(peerID string) { connMgr.OnEntangleConnect(peerID) },
		func(peerID string) { connMgr.OnEntangleDisconnect(peerID) },
	)
	entMgr.SetNotify(func(event, peerID string) { bus.Emit(event, peerID) })

	connMgr, err = connmgr.New(connmgr.Options{
		Node:     node,
		Entangle: entMgr,
		Keys:     keys,
		MQ:       mqMgr,
		Bus:      bus,
		ModeName: cfg.Trust.Mode,
		SelfName: selfName,
		Prompt:   autoPrompt(cfg.Trust.AutoAcceptConnections),
	})
	if err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	sig := call.NewMQSignaler(mqMgr)
	callMgr := call.New(call.Options{
		Sig:             sig,
		SelfID:          node.ID(),
		Bus:             bus,
		RingTimeoutSec:  cfg.Call.TimeoutSec,
		StatsPollMillis: cfg.Call.StatsPollMillis,
	})
	defer callMgr.Close()

	chatMgr := chat.New(chat.Options{
		Host:       node.Host,
		Bus:        bus,
		BufferSize: chat.DefaultBufferSize,
		Signed:     true,
	})
	defer chatMgr.Close()

	chatMgr.SetCommandHandler(func(cmdCtx context.Context, fromPeerID, content string, sender chat.DirectSender) {
		switch trimmed := strings.TrimSpace(content); {
		case trimmed == "!ping":
			_ = sender.SendDirect(cmdCtx, fromPeerID, "pong")
		case trimmed == "!who":
			var names []string
			for _, c := range connMgr.Snapshot() {
				names = append(names, c.Name)
			}
			_ = sender.SendDirect(cmdCtx, fromPeerID, "peers: "+strings.Join(names, ", "))
		case strings.HasPrefix(trimmed, "!ask "):
			// Round-trips the sender's text through the question/answer
			// channel and DMs back whatever their question handler returns.
			askCtx, cancel := context.WithTimeout(cmdCtx, 10*time.Second)
			defer cancel()
			answer, err := mqMgr.Ask(askCtx, fromPeerID, "chat", strings.TrimPrefix(trimmed, "!ask "))
			if err != nil {
				log.Printf("chat: !ask round trip with %s failed: %v", fromPeerID, err)
				return
			}
			_ = sender.SendDirect(cmdCtx, fromPeerID, answer)
		}
	})

	// SIGUSR1 dumps a point-in-time snapshot of every subsystem to the log,
	// so a headless peer can be inspected without attaching anything.
	statusCh := make(chan os.Signal, 1)
	signal.Notify(statusCh, syscall.SIGUSR1)
	defer signal.Stop(statusCh)
	go func() {
		for range statusCh {
			dumpStatus(node, connMgr, chatMgr, callMgr, selfName)
		}
	}()

	logEvents(bus)

	// A freshly connected peer's display name may postdate the connect frame
	// we acted on; the content stream always serves the current one.
	bus.On("connectedtopeer", func(args ...any) {
		if len(args) == 0 {
			return
		}
		peerID, ok := args[0].(string)
		if !ok {
			return
		}
		go func() {
			fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if name, err := node.FetchContent(fetchCtx, peerID); err == nil && name != "" {
				connMgr.RefreshName(peerID, name)
			}
		}()
	})

	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		old, changed := profile.set(next.Profile.Name)
		if !changed {
			return
		}
		log.Printf("config: profile.name changed %q -> %q", old, next.Profile.Name)
		pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		payload := proto.NameChangePayload{OldName: old, NewName: next.Profile.Name}
		if err := node.Publish(pubCtx, proto.SubNameChange, payload); err != nil {
			log.Printf("config: publish nameChange failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("config: hot-reload watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	node.RunSignalLoop(ctx, func(env proto.Envelope) {
		bus.Emit("mqttmessage", env)
		if env.Subtopic == proto.SubConnect {
			if info, err := decodeUserInfo(env.Data); err == nil {
				node.AddPeerAddrs(env.Sender, info.Addrs)
			}
		}
		connMgr.HandleSignal(ctx, env)
	})

	announce := announceFunc(ctx, node, keys, selfName)

	if relayInfo != nil {
		node.WaitForRelay(ctx, 10*time.Second)
		node.StartRelayRefresh(ctx, 2*time.Minute)
		node.SubscribeAddressChanges(ctx, func() { announce() }, func(hasCircuit bool) {
			if hasCircuit {
				log.Printf("relay: circuit address available")
			} else {
				log.Printf("relay: circuit address lost")
			}
		})
	}

	go runAnnounceLoop(ctx, node, connMgr, cfg, announce)

	<-ctx.Done()
	log.Printf("hearth: shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = node.Publish(shCtx, proto.SubUnload, proto.UserInfo{Name: selfName()})

	return nil
}

// autoPrompt returns a PromptFunc that always approves (auto-accept mode)
// or nil (headless daemon default: decline every interactive prompt, which
// is the safe default per connmgr.PromptFunc's doc).
func autoPrompt(autoAccept bool) connmgr.PromptFunc {
	if !autoAccept {
		return nil
	}
	return func(peerID, name string, category trust.Category) bool {
		log.Printf("connmgr: auto-accepting %s (%s, category=%s)", name, peerID, category)
		return true
	}
}

// announceFunc builds the presence-announce callback: a `connect` frame
// carrying this peer's name, public key, and current dialable addresses.
// Shared by the announce loop and by relay address-change
// notifications, which need to re-announce as soon as a circuit address
// appears or disappears rather than waiting for the next scheduled tick.
func announceFunc(ctx context.Context, node *p2p.Node, keys *keystore.Store, selfName func() string) func() {
	return func() {
		pubKey, _ := keys.PublicKeyString()
		info := proto.UserInfo{
			Name:            selfName(),
			PublicKeyString: pubKey,
			Addrs:           node.WANAddrs(),
		}
		if err := node.Publish(ctx, proto.SubConnect, info); err != nil {
			log.Printf("announce: publish failed: %v", err)
		}
	}
}

// runAnnounceLoop publishes this peer's presence on the room topic once on
// joining, then re-announces on the burst-then-idle schedule: a tight burst
// right after joining, then slower periodic announces. Every scheduled
// re-announce is skipped while a healthy connection exists.
func runAnnounceLoop(ctx context.Context, node *p2p.Node, connMgr *connmgr.Manager, cfg config.Config, announce func()) {
	announce()

	burstEvery := time.Duration(cfg.Room.AnnounceBurstEverySec) * time.Second
	burstFor := time.Duration(cfg.Room.AnnounceBurstSec) * time.Second
	burstDeadline := time.Now().Add(burstFor)

	burstTicker := time.NewTicker(burstEvery)
	defer burstTicker.Stop()
	for time.Now().Before(burstDeadline) {
		select {
		case <-ctx.Done():
			return
		case <-burstTicker.C:
			if !hasHealthyConnection(connMgr) {
				announce()
			}
		}
	}

	idleEvery := time.Duration(cfg.Room.AnnounceIdleEverySec) * time.Second
	idleTicker := time.NewTicker(idleEvery)
	defer idleTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idleTicker.C:
			if !hasHealthyConnection(connMgr) {
				announce()
			}
		}
	}
}

func hasHealthyConnection(connMgr *connmgr.Manager) bool {
	for _, c := range connMgr.Snapshot() {
		if c.State == connmgr.StateConnected {
			return true
		}
	}
	return false
}

// dumpStatus logs a snapshot of the peer's connections, chat roster, call
// sessions, and recent signal traffic. Fired on SIGUSR1.
func dumpStatus(node *p2p.Node, connMgr *connmgr.Manager, chatMgr *chat.Manager, callMgr *call.Manager, selfName func() string) {
	log.Printf("STATUS: self %s (%q)", node.ID(), selfName())

	peers := connMgr.Snapshot()
	log.Printf("STATUS: %d tracked peers", len(peers))
	for _, p := range peers {
		log.Printf("STATUS:   peer %s name=%q state=%s validated=%v",
			p.PeerID, p.Name, p.State, connMgr.Validated(p.PeerID))
	}

	roster := chatMgr.ActiveUsers()
	log.Printf("STATUS: %d active chat users", len(roster))
	for _, u := range roster {
		log.Printf("STATUS:   user %s color=%s", u.PeerID, u.Color)
	}

	calls := callMgr.Snapshot()
	log.Printf("STATUS: %d call sessions", len(calls))
	for _, c := range calls {
		log.Printf("STATUS:   call %s peer=%s state=%s audio=%v video=%v rtt=%.0fms loss=%d",
			c.ChannelID, c.RemotePeer, c.PCState, c.AudioOn, c.VideoOn,
			c.Metrics.RTTSeconds*1000, c.Metrics.PacketsLost)
	}

	log.Printf("STATUS: %d signal envelopes in history", len(node.History()))
}

// logEvents wires representative bus events to the process log so a
// headless peer's activity is observable without a UI attached.
func logEvents(bus *eventbus.Bus) {
	bus.On("connectedtopeer", func(args ...any) { log.Printf("EVENT connectedtopeer: %v", args) })
	bus.On("disconnectedfrompeer", func(args ...any) { log.Printf("EVENT disconnectedfrompeer: %v", args) })
	bus.On("validation", func(args ...any) { log.Printf("EVENT validation: %v", args) })
	bus.On("validationfailure", func(args ...any) { log.Printf("EVENT validationfailure: %v", args) })
	bus.On("incomingcall", func(args ...any) { log.Printf("EVENT incomingcall: %v", args) })
	bus.On("callconnected", func(args ...any) { log.Printf("EVENT callconnected: %v", args) })
	bus.On("callended", func(args ...any) { log.Printf("EVENT callended: %v", args) })
	bus.On("callerror", func(args ...any) { log.Printf("EVENT callerror: %v", args) })
}

// decodeUserInfo round-trips a decoded envelope's Data field (a
// map[string]interface{}) into a concrete proto.UserInfo.
func decodeUserInfo(data any) (proto.UserInfo, error) {
	var info proto.UserInfo
	raw, err := json.Marshal(data)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(raw, &info)
	return info, err
}

// parseRelayWAN parses the "<peerID>@<multiaddr>[,<multiaddr>...]" bootstrap
// form (config.go's validateRelayWAN already checked its shape) into a
// *proto.RelayInfo, or returns nil if raw is empty.
func parseRelayWAN(raw string) (*proto.RelayInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	at := strings.Index(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return nil, fmt.Errorf(`expected "<peerID>@<multiaddr>[,<multiaddr>...]"`)
	}
	peerID := raw[:at]
	addrs := strings.Split(raw[at+1:], ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}
	return &proto.RelayInfo{PeerID: peerID, Addrs: addrs}, nil
}
