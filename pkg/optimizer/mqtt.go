// Copyright 2026 Precision Mold Systems GmbH
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

package optimizer

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/logger"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTTransport carries the optimizer link over an MQTT broker. The paho
// client reconnects on its own; while disconnected, publishes fail fast and
// the client layer drops the affected summaries.
type MQTTTransport struct {
	client  MQTT.Client
	handler func(Result)
	log     *zap.SugaredLogger
}

// NewMQTTTransport connects to the broker, retrying with exponential backoff,
// and subscribes to the result topic.
func NewMQTTTransport(broker, clientID string) (*MQTTTransport, error) {
	t := &MQTTTransport{
		log: logger.For(logger.ComponentOptimizer),
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(client MQTT.Client) {
		t.log.Infof("Connected to optimizer broker %s", broker)
		token := client.Subscribe(TopicResult, 1, t.onResult)
		if token.Wait() && token.Error() != nil {
			t.log.Errorf("Failed to subscribe to %s: %v", TopicResult, token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(client MQTT.Client, err error) {
		t.log.Warnf("Lost connection to optimizer broker: %v", err)
	})

	t.client = MQTT.NewClient(opts)

	connect := func() error {
		if token := t.client.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, expo); err != nil {
		return nil, fmt.Errorf("failed to connect to optimizer broker %s: %w", broker, err)
	}

	return t, nil
}

// Publish sends one submission on the submit topic.
func (t *MQTTTransport) Publish(sub Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}
	token := t.client.Publish(TopicSubmit, 1, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s timed out", TopicSubmit)
	}
	return token.Error()
}

// SetResultHandler registers the callback for inbound results.
func (t *MQTTTransport) SetResultHandler(handler func(Result)) {
	t.handler = handler
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() {
	t.client.Disconnect(250)
}

func (t *MQTTTransport) onResult(_ MQTT.Client, msg MQTT.Message) {
	var res Result
	if err := json.Unmarshal(msg.Payload(), &res); err != nil {
		t.log.Warnf("Dropping malformed optimizer result: %v", err)
		return
	}
	if t.handler != nil {
		t.handler(res)
	}
}
