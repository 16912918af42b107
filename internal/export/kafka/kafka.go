// Package kafka bridges the downstream queue.Queue[l7.SendLog] (spec.md §2's
// pipeline diagram) to a Kafka topic, the concrete consumer of the parsers'
// output queue. Modeled on the teacher's plugins/reporter/kafka, generalized
// from OutputPacket batching to l7.SendLog and given a retry-go publish loop
// since this is the one stage of the pipeline that talks to an external
// broker and can legitimately fail transiently.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"firestige.xyz/otus/internal/l7"
	"firestige.xyz/otus/internal/queue"
)

// Config mirrors the teacher's reporter Config shape, narrowed to what the
// L7 log exporter needs.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	MaxAttempts  uint
}

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
)

// DefaultConfig fills in the teacher's reporter defaults.
func DefaultConfig(brokers []string, topic string) Config {
	return Config{
		Brokers:      brokers,
		Topic:        topic,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
	}
}

// Exporter drains a Queue[l7.SendLog] and publishes each record to Kafka.
type Exporter struct {
	cfg    Config
	writer *kafkago.Writer
	log    *logrus.Entry
}

// New constructs an Exporter writing to cfg.Topic.
func New(cfg Config, log *logrus.Entry) *Exporter {
	return &Exporter{
		cfg: cfg,
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			Balancer:     &kafkago.LeastBytes{},
		},
		log: log,
	}
}

// Run drains receiver until it terminates (the sole exit condition; see
// spec.md §5 "Cancellation"), publishing every item it receives.
func (e *Exporter) Run(ctx context.Context, receiver *queue.Receiver[l7.SendLog]) error {
	for {
		logs, err := receiver.RecvN(e.cfg.BatchSize, e.cfg.BatchTimeout)
		if err != nil && len(logs) == 0 {
			if err == queue.ErrTimeout {
				continue
			}
			return err
		}
		if len(logs) == 0 {
			continue
		}
		if pubErr := e.publish(ctx, logs); pubErr != nil {
			e.log.WithError(pubErr).Error("kafka publish failed after retries")
		}
	}
}

// publish wraps the broker write in a retry loop (spec.md §7: transient
// broker failures are the one place in this pipeline where a retry, rather
// than a drop, is the right response — unlike queue overflow and parser
// failures, which are local and by design never retried).
func (e *Exporter) publish(ctx context.Context, logs []l7.SendLog) error {
	messages := make([]kafkago.Message, len(logs))
	for i, l := range logs {
		payload, err := json.Marshal(sendLogJSONFrom(l))
		if err != nil {
			return fmt.Errorf("kafka: marshal send log: %w", err)
		}
		messages[i] = kafkago.Message{Value: payload}
	}

	return retry.Do(
		func() error { return e.writer.WriteMessages(ctx, messages...) },
		retry.Attempts(e.cfg.MaxAttempts),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.log.WithError(err).Warnf("kafka publish attempt %d failed, retrying", n+1)
		}),
	)
}

// Close flushes and closes the underlying writer.
func (e *Exporter) Close() error {
	return e.writer.Close()
}

// sendLogJSON is the wire shape published to Kafka: spec.md §6's
// L7ProtocolSendLog fields, snake_case for downstream consumers.
type sendLogJSON struct {
	Protocol      string            `json:"protocol"`
	FlowID        uint64            `json:"flow_id"`
	ReqLen        int               `json:"req_len"`
	RespLen       int               `json:"resp_len"`
	RowEffect     int64             `json:"row_effect"`
	ReqType       string            `json:"req_type"`
	ReqResource   string            `json:"req_resource"`
	RespStatus    string            `json:"resp_status"`
	RespResult    string            `json:"resp_result"`
	RespException string            `json:"resp_exception"`
	ExtInfo       map[string]string `json:"ext_info,omitempty"`
}

func sendLogJSONFrom(l l7.SendLog) sendLogJSON {
	return sendLogJSON{
		Protocol:      l.Protocol.String(),
		FlowID:        l.FlowID,
		ReqLen:        l.ReqLen,
		RespLen:       l.RespLen,
		RowEffect:     l.RowEffect,
		ReqType:       l.ReqType,
		ReqResource:   l.ReqResource,
		RespStatus:    l.RespStatus.String(),
		RespResult:    l.RespResult,
		RespException: l.RespException,
		ExtInfo:       l.ExtInfo,
	}
}
