// Package bridge uplinks mesh traffic to an MQTT broker. A gateway node
// (usually the coordinator) runs the bridge to hand delivered payloads and
// periodic network status to the wider world.
package bridge

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/brambleworks/bramble/core"
	"github.com/brambleworks/bramble/state"
)

const defaultRootTopic = "bramble"

// Uplink publishes delivered payloads and periodic status snapshots over
// MQTT. It is a no-op when the node config has no broker url.
type Uplink struct {
	client mqtt.Client
	root   string
}

func (u *Uplink) Init(s *state.State) error {
	if s.BrokerUrl == "" {
		s.Log.Debug("no broker configured, uplink disabled")
		return nil
	}

	u.root = s.RootTopic
	if u.root == "" {
		u.root = defaultRootTopic
	}

	randomId := make([]byte, 4)
	_, _ = rand.Read(randomId)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.BrokerUrl)
	opts.SetUsername(s.BrokerUser)
	opts.SetPassword(s.BrokerPass)
	opts.SetClientID(fmt.Sprintf("bramble-%s-%x", s.Id, randomId))
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)

	u.client = mqtt.NewClient(opts)
	token := u.client.Connect()
	<-token.Done()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect MQTT: %w", err)
	}
	s.Log.Info("mqtt uplink connected", "broker", s.BrokerUrl, "root", u.root)

	transport := core.Get[*core.Transport](s)
	prev := transport.OnDeliver
	transport.OnDeliver = func(s *state.State, d core.Delivery) {
		if prev != nil {
			prev(s, d)
		}
		u.publishDelivery(s, d)
	}

	s.RepeatTask(func(s *state.State) error {
		u.publishStatus(s, core.BuildStatus(s))
		return nil
	}, state.StatsWindow)
	return nil
}

func (u *Uplink) Cleanup(s *state.State) error {
	if u.client != nil && u.client.IsConnected() {
		u.client.Disconnect(1000)
	}
	return nil
}

type deliveryMsg struct {
	Origin  string `json:"origin"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

func (u *Uplink) publishDelivery(s *state.State, d core.Delivery) {
	msg, err := json.Marshal(deliveryMsg{
		Origin:  d.Origin.String(),
		Type:    d.PacketType.String(),
		Payload: d.Payload,
	})
	if err != nil {
		s.Log.Error("failed to marshal delivery", "error", err)
		return
	}
	topic := fmt.Sprintf("%s/%s/up/%s", u.root, s.Id, d.PacketType)
	// fire and forget, the control loop must not block on the broker
	u.client.Publish(topic, 0, false, msg)
}

func (u *Uplink) publishStatus(s *state.State, ns state.NetworkStatus) {
	msg, err := json.Marshal(ns)
	if err != nil {
		s.Log.Error("failed to marshal status", "error", err)
		return
	}
	topic := fmt.Sprintf("%s/%s/status", u.root, s.Id)
	u.client.Publish(topic, 0, false, msg)
}
