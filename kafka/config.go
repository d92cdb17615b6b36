// Package kafka produces tag snapshots to Kafka clusters and optionally
// consumes inbound updates and supervision events from them.
package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"taglink/config"
)

// SASL mechanisms accepted in config.KafkaConfig.SASLMechanism.
const (
	SASLNone        = ""
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// DefaultMaxAge is the age beyond which inbound messages are dropped.
const DefaultMaxAge = 10 * time.Second

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns nil when no username is configured.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}
	switch cfg.SASLMechanism {
	case SASLPlain, SASLNone:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}

func newDialer(cfg *config.KafkaConfig) (*kafka.Dialer, error) {
	mech, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: mech,
	}, nil
}

func newTransport(cfg *config.KafkaConfig) (*kafka.Transport, error) {
	mech, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(cfg),
		SASL:        mech,
	}, nil
}

func consumerGroup(cfg *config.KafkaConfig) string {
	if cfg.ConsumerGroup != "" {
		return cfg.ConsumerGroup
	}
	return "taglink-" + cfg.Name
}

func maxAge(cfg *config.KafkaConfig) time.Duration {
	if cfg.MaxAge > 0 {
		return cfg.MaxAge
	}
	return DefaultMaxAge
}

func autoCreateTopics(cfg *config.KafkaConfig) bool {
	return cfg.AutoCreateTopics == nil || *cfg.AutoCreateTopics
}
