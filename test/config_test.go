package test

import (
	"testing"
	"time"

	"github.com/brambleworks/bramble/state"
	"github.com/goccy/go-yaml"
	"github.com/google/go-cmp/cmp"
)

func TestResolveTransportDefaultsToBalanced(t *testing.T) {
	cfg := state.NodeCfg{Id: 1}
	got, err := cfg.ResolveTransport()
	if err != nil {
		t.Fatal(err)
	}
	want := state.Profiles()["balanced"]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transport config mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveTransportUnknownProfile(t *testing.T) {
	cfg := state.NodeCfg{Id: 1, Profile: "turbo"}
	if _, err := cfg.ResolveTransport(); err == nil {
		t.Error("expected error for unknown profile, got nil")
	}
}

func TestResolveTransportOverridesMerge(t *testing.T) {
	cfg := state.NodeCfg{
		Id:      1,
		Profile: "low-bandwidth",
		Transport: &state.TransportCfg{
			MaxRetries: 9,
			AckTimeout: 20 * time.Second,
		},
	}
	got, err := cfg.ResolveTransport()
	if err != nil {
		t.Fatal(err)
	}

	want := state.Profiles()["low-bandwidth"]
	want.MaxRetries = 9
	want.AckTimeout = 20 * time.Second
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("override merge mismatch (-want +got):\n%s", diff)
	}
}

func TestProfilesAllValidate(t *testing.T) {
	for name := range state.Profiles() {
		cfg := state.NodeCfg{Id: 1, Profile: name}
		if err := state.NodeConfigValidator(&cfg); err != nil {
			t.Errorf("profile %q does not validate: %v", name, err)
		}
	}
}

func TestValidatorRejectsBroadcastId(t *testing.T) {
	cfg := state.NodeCfg{Id: state.Broadcast}
	if err := state.NodeConfigValidator(&cfg); err == nil {
		t.Error("expected error for reserved node id, got nil")
	}
}

func TestValidatorRejectsOversizedFragments(t *testing.T) {
	cfg := state.NodeCfg{Id: 1, Transport: &state.TransportCfg{FragmentSize: 500}}
	if err := state.NodeConfigValidator(&cfg); err == nil {
		t.Error("expected error for fragment_size exceeding a radio frame, got nil")
	}
}

func TestNodeConfigYamlRoundTrip(t *testing.T) {
	cfg := state.NodeCfg{
		Id:        12,
		RadioPort: "/dev/ttyUSB0",
		Profile:   "high-reliability",
		CtlSocket: "/tmp/bramble-n12.sock",
		Transport: &state.TransportCfg{MaxRetries: 7},
	}
	raw, err := yaml.Marshal(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	var got state.NodeCfg
	if err := yaml.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("yaml round trip mismatch (-want +got):\n%s", diff)
	}
}
