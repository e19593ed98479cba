// Package config loads and validates the peer's on-disk configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"hearth/internal/util"

	"github.com/fsnotify/fsnotify"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Room     Room     `json:"room"`
	Profile  Profile  `json:"profile"`
	Trust    Trust    `json:"trust"`
	Call     Call     `json:"call"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// RelayWAN is an optional bootstrap relay address of the form
	// "<peerID>@<multiaddr>[,<multiaddr>...]" used to enable circuit relay +
	// hole punching when peers are not on the same LAN.
	RelayWAN string `json:"relay_wan"`
}

type Room struct {
	// Name is the bare room identifier; the GossipSub topic is derived from it.
	Name string `json:"name"`

	// AnnounceBurstSec/AnnounceBurstEverySec control the presence re-announce
	// schedule while no healthy connections exist.
	AnnounceBurstSec      int `json:"announce_burst_seconds"`
	AnnounceBurstEverySec int `json:"announce_burst_every_seconds"`
	AnnounceIdleEverySec  int `json:"announce_idle_every_seconds"`
}

type Profile struct {
	Name string `json:"name"`
}

// Trust configures the peer trust policy.
type Trust struct {
	// Mode selects the named trust mode: strict, moderate, lax, unsafe,
	// rejectall, strictandquiet, moderateandquiet, alwaysprompt.
	Mode string `json:"mode"`

	// AutoAcceptConnections bypasses interactive prompts when true, treating
	// promptandtrust/connectandprompt as their automatic counterparts.
	AutoAcceptConnections bool `json:"auto_accept_connections"`
}

// Call configures call ringing and stats timing.
type Call struct {
	TimeoutSec      int `json:"timeout_seconds"`
	StatsPollMillis int `json:"stats_poll_millis"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "hearth-mdns",
		},
		Room: Room{
			Name:                  "lobby",
			AnnounceBurstSec:      15,
			AnnounceBurstEverySec: 3,
			AnnounceIdleEverySec:  30,
		},
		Profile: Profile{
			Name: "anon",
		},
		Trust: Trust{
			Mode:                  "moderate",
			AutoAcceptConnections: false,
		},
		Call: Call{
			TimeoutSec:      15,
			StatsPollMillis: 2000,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if rw := strings.TrimSpace(c.P2P.RelayWAN); rw != "" {
		if err := validateRelayWAN(rw); err != nil {
			return fmt.Errorf("p2p.relay_wan: %w", err)
		}
	}

	if strings.TrimSpace(c.Room.Name) == "" {
		return errors.New("room.name is required")
	}
	if c.Room.AnnounceBurstSec <= 0 {
		return errors.New("room.announce_burst_seconds must be > 0")
	}
	if c.Room.AnnounceBurstEverySec <= 0 || c.Room.AnnounceBurstEverySec >= c.Room.AnnounceBurstSec {
		return errors.New("room.announce_burst_every_seconds must be > 0 and < announce_burst_seconds")
	}
	if c.Room.AnnounceIdleEverySec <= 0 {
		return errors.New("room.announce_idle_every_seconds must be > 0")
	}

	if strings.ContainsAny(c.Profile.Name, "()|") {
		return errors.New("profile.name must not contain '(', ')' or '|'")
	}

	switch c.Trust.Mode {
	case "strict", "moderate", "lax", "unsafe", "rejectall",
		"strictandquiet", "moderateandquiet", "alwaysprompt":
	default:
		return fmt.Errorf("trust.mode %q is not a recognized trust mode", c.Trust.Mode)
	}

	if c.Call.TimeoutSec <= 0 {
		return errors.New("call.timeout_seconds must be > 0")
	}
	if c.Call.StatsPollMillis <= 0 {
		return errors.New("call.stats_poll_millis must be > 0")
	}

	return nil
}

// validateRelayWAN checks the "<peerID>@<multiaddr>[,...]" bootstrap form
// without parsing the multiaddr itself (that happens when the relay is
// actually dialed, so a malformed entry there fails loudly rather than here).
func validateRelayWAN(raw string) error {
	at := strings.Index(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return errors.New(`expected "<peerID>@<multiaddr>[,<multiaddr>...]"`)
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Watch reloads path on every write and invokes onChange with the newly
// validated config. Reloads that fail validation are logged and skipped,
// leaving the last-known-good config in effect. The returned stop func closes
// the underlying watcher; it is safe to call more than once.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	closed := make(chan struct{})
	go watchLoop(watcher, path, onChange, closed)

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(closed)
		watcher.Close()
	}, nil
}

func watchLoop(watcher *fsnotify.Watcher, path string, onChange func(Config), closed chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Printf("config: reload of %s failed, keeping previous config: %v", path, err)
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
