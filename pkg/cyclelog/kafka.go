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

package cyclelog

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/precisionmold/imc-core/pkg/logger"
)

// KafkaSink ships cycle entries to a Kafka topic through an async producer,
// keyed by cycle id. Delivery errors are logged, never propagated back into
// the cycle pipeline.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	log      *zap.SugaredLogger
	done     chan struct{}
}

// NewKafkaSink connects the async producer and starts the error drainer.
func NewKafkaSink(broker, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer([]string{broker}, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer for %s: %w", broker, err)
	}

	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		log:      logger.For(logger.ComponentCycleLog),
		done:     make(chan struct{}),
	}
	go s.drainErrors()

	return s, nil
}

// Append enqueues one entry onto the producer.
func (s *KafkaSink) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cycle log entry: %w", err)
	}
	s.producer.Input() <- &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(entry.CycleID),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

// Close shuts the producer down, flushing pending messages.
func (s *KafkaSink) Close() error {
	err := s.producer.Close()
	<-s.done
	return err
}

func (s *KafkaSink) drainErrors() {
	defer close(s.done)
	for perr := range s.producer.Errors() {
		s.log.Warnf("Cycle log kafka delivery failed: %v", perr.Err)
	}
}
