package state

import (
	"fmt"
	"time"
)

// NodeCfg represents local node-level configuration
type NodeCfg struct {
	Id         NodeId `yaml:"id"`
	RadioPort  string `yaml:"radio_port,omitempty"`  // serial device of the radio modem
	RadioBaud  int    `yaml:"radio_baud,omitempty"`  // defaults to 115200
	Profile    string `yaml:"profile,omitempty"`     // named transport profile, defaults to "balanced"
	BrokerUrl  string `yaml:"broker_url,omitempty"`  // if set, the coordinator bridges payloads to this MQTT broker
	BrokerUser string `yaml:"broker_user,omitempty"`
	BrokerPass string `yaml:"broker_pass,omitempty"`
	RootTopic  string `yaml:"root_topic,omitempty"`  // base MQTT topic, defaults to "bramble"
	CtlSocket  string `yaml:"ctl_socket,omitempty"`  // control socket path for `bramble inspect`
	LogPath    string `yaml:"log_path,omitempty"`    // if not empty, bramble will also write logs to this file

	Transport *TransportCfg `yaml:"transport,omitempty"` // overrides the named profile field-by-field
}

// TransportCfg parameterizes the reliable transport scheduler. All four
// named profiles are presets over these same parameters.
type TransportCfg struct {
	MaxPayload        int           `yaml:"max_payload"`        // largest accepted transmission, bytes
	FragmentSize      int           `yaml:"fragment_size"`      // max payload bytes per radio frame
	QueueCapacity     int           `yaml:"queue_capacity"`     // concurrent pending transmissions
	MaxRetries        int           `yaml:"max_retries"`        // per fragment
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RateLimit         int           `yaml:"rate_limit"`         // bytes per second
	BurstSize         int           `yaml:"burst_size"`         // bytes
	MinPacketGap      time.Duration `yaml:"min_packet_gap"`
	TxExpiry          time.Duration `yaml:"tx_expiry"`          // queued transmission lifetime
	DefaultAck        bool          `yaml:"default_ack"`        // whether transmissions request acks by default
}

// Profiles returns the built-in named transport presets.
func Profiles() map[string]TransportCfg {
	return map[string]TransportCfg{
		"balanced": {
			MaxPayload:        64 * 1024,
			FragmentSize:      200,
			QueueCapacity:     16,
			MaxRetries:        5,
			AckTimeout:        time.Second * 5,
			BackoffBase:       time.Second,
			BackoffMultiplier: 2.0,
			BackoffMax:        time.Second * 30,
			RateLimit:         2048,
			BurstSize:         1024,
			MinPacketGap:      time.Millisecond * 100,
			TxExpiry:          time.Minute * 10,
			DefaultAck:        true,
		},
		"low-bandwidth": {
			MaxPayload:        16 * 1024,
			FragmentSize:      100,
			QueueCapacity:     8,
			MaxRetries:        4,
			AckTimeout:        time.Second * 15,
			BackoffBase:       time.Second * 4,
			BackoffMultiplier: 2.0,
			BackoffMax:        time.Minute * 2,
			RateLimit:         256,
			BurstSize:         256,
			MinPacketGap:      time.Second,
			TxExpiry:          time.Minute * 30,
			DefaultAck:        true,
		},
		"high-reliability": {
			MaxPayload:        64 * 1024,
			FragmentSize:      150,
			QueueCapacity:     16,
			MaxRetries:        10,
			AckTimeout:        time.Second * 10,
			BackoffBase:       time.Second * 2,
			BackoffMultiplier: 1.5,
			BackoffMax:        time.Minute,
			RateLimit:         1024,
			BurstSize:         512,
			MinPacketGap:      time.Millisecond * 250,
			TxExpiry:          time.Minute * 20,
			DefaultAck:        true,
		},
		"best-effort": {
			MaxPayload:        64 * 1024,
			FragmentSize:      200,
			QueueCapacity:     32,
			MaxRetries:        0,
			AckTimeout:        time.Second,
			BackoffBase:       time.Second,
			BackoffMultiplier: 1.0,
			BackoffMax:        time.Second,
			RateLimit:         8192,
			BurstSize:         4096,
			MinPacketGap:      time.Millisecond * 20,
			TxExpiry:          time.Minute * 5,
			DefaultAck:        false,
		},
	}
}

// ResolveTransport merges the named profile with any per-field overrides.
func (c *NodeCfg) ResolveTransport() (TransportCfg, error) {
	name := c.Profile
	if name == "" {
		name = "balanced"
	}
	cfg, ok := Profiles()[name]
	if !ok {
		return TransportCfg{}, fmt.Errorf("unknown transport profile %q", name)
	}
	if o := c.Transport; o != nil {
		if o.MaxPayload != 0 {
			cfg.MaxPayload = o.MaxPayload
		}
		if o.FragmentSize != 0 {
			cfg.FragmentSize = o.FragmentSize
		}
		if o.QueueCapacity != 0 {
			cfg.QueueCapacity = o.QueueCapacity
		}
		if o.MaxRetries != 0 {
			cfg.MaxRetries = o.MaxRetries
		}
		if o.AckTimeout != 0 {
			cfg.AckTimeout = o.AckTimeout
		}
		if o.BackoffBase != 0 {
			cfg.BackoffBase = o.BackoffBase
		}
		if o.BackoffMultiplier != 0 {
			cfg.BackoffMultiplier = o.BackoffMultiplier
		}
		if o.BackoffMax != 0 {
			cfg.BackoffMax = o.BackoffMax
		}
		if o.RateLimit != 0 {
			cfg.RateLimit = o.RateLimit
		}
		if o.BurstSize != 0 {
			cfg.BurstSize = o.BurstSize
		}
		if o.MinPacketGap != 0 {
			cfg.MinPacketGap = o.MinPacketGap
		}
		if o.TxExpiry != 0 {
			cfg.TxExpiry = o.TxExpiry
		}
	}
	return cfg, nil
}

// NodeConfigValidator checks a node config for obvious mistakes before the
// daemon starts.
func NodeConfigValidator(cfg *NodeCfg) error {
	if cfg.Id == Broadcast {
		return fmt.Errorf("node id %d is reserved for broadcast", uint16(Broadcast))
	}
	tc, err := cfg.ResolveTransport()
	if err != nil {
		return err
	}
	if tc.FragmentSize <= 0 || tc.FragmentSize > 220 {
		return fmt.Errorf("fragment_size %d does not fit a radio frame", tc.FragmentSize)
	}
	if tc.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if tc.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive")
	}
	if tc.BurstSize < tc.FragmentSize {
		return fmt.Errorf("burst_size %d cannot fit a single fragment of %d bytes", tc.BurstSize, tc.FragmentSize)
	}
	if tc.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be >= 1.0")
	}
	return nil
}
