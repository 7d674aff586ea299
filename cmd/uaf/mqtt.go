// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgeo-scada/uaf"
)

// mqttForwarder publishes data change and event notifications as JSON
// messages, one topic per monitored node.
type mqttForwarder struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
}

type mqttMessage struct {
	Server          string `json:"server"`
	Node            string `json:"node"`
	Value           any    `json:"value,omitempty"`
	Type            string `json:"type,omitempty"`
	Fields          []any  `json:"fields,omitempty"`
	Status          string `json:"status"`
	SourceTimestamp string `json:"source_timestamp,omitempty"`
	Sequence        uint32 `json:"sequence"`
}

func newMQTTForwarder(broker, prefix string, qos byte, logger *slog.Logger) (*mqttForwarder, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("uaf-" + fmt.Sprint(time.Now().UnixNano())).
		SetUsername(mqttUsername).
		SetPassword(mqttPassword).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, token.Error())
	}
	return &mqttForwarder{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		logger: logger,
	}, nil
}

// topic maps a node to a topic below the prefix. MQTT wildcards are not
// allowed in topic names.
func (f *mqttForwarder) topic(node string) string {
	r := strings.NewReplacer("+", "_", "#", "_", "/", "_")
	return f.prefix + "/" + r.Replace(node)
}

func (f *mqttForwarder) dataChange(node string, n uaf.DataChangeNotification) {
	msg := mqttMessage{
		Server:   n.ServerURI,
		Node:     node,
		Status:   n.Value.Status.String(),
		Sequence: n.SequenceNumber,
	}
	if v := n.Value.Value; v != nil {
		msg.Value = v.Value
		msg.Type = v.Type.String()
	}
	if !n.Value.SourceTimestamp.IsZero() {
		msg.SourceTimestamp = formatTime(n.Value.SourceTimestamp)
	}
	f.publish(node, msg)
}

func (f *mqttForwarder) event(node string, n uaf.EventNotification) {
	msg := mqttMessage{
		Server:   n.ServerURI,
		Node:     node,
		Status:   "Good",
		Sequence: n.SequenceNumber,
	}
	for _, v := range n.Fields {
		if v == nil {
			msg.Fields = append(msg.Fields, nil)
			continue
		}
		msg.Fields = append(msg.Fields, v.Value)
	}
	f.publish(node, msg)
}

func (f *mqttForwarder) publish(node string, msg mqttMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		f.logger.Warn("mqtt: encode failed", slog.String("node", node), slog.String("error", err.Error()))
		return
	}
	topic := f.topic(node)
	if token := f.client.Publish(topic, f.qos, false, payload); token.Wait() && token.Error() != nil {
		f.logger.Warn("mqtt: publish failed", slog.String("topic", topic), slog.String("error", token.Error().Error()))
	}
}

func (f *mqttForwarder) close() {
	f.client.Disconnect(250)
}
