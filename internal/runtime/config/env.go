package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every variable read by FromEnv.
const EnvPrefix = "STREAMFLOW_"

// FromEnv loads the optional dotenv files (".env" when none are given) and
// builds a Config from STREAMFLOW_* variables. Variables already present in
// the environment win over dotenv values.
func FromEnv(files ...string) (*Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	r := envReader{lookup: os.LookupEnv}
	cfg := &Config{
		PubSubSystem:         r.str("PUBSUB_SYSTEM"),
		AppName:              r.str("APP_NAME"),
		KafkaBrokers:         r.list("KAFKA_BROKERS"),
		KafkaConsumerGroup:   r.str("KAFKA_CONSUMER_GROUP"),
		RabbitMQURL:          r.str("RABBITMQ_URL"),
		RabbitMQExchange:     r.str("RABBITMQ_EXCHANGE"),
		RabbitMQExchangeType: r.str("RABBITMQ_EXCHANGE_TYPE"),
		NATSURL:              r.str("NATS_URL"),
		NATSQueueGroup:       r.str("NATS_QUEUE_GROUP"),
		JetStreamStream:      r.str("JETSTREAM_STREAM"),
		JetStreamMaxDeliver:  r.int("JETSTREAM_MAX_DELIVER"),
		JetStreamAckWait:     r.duration("JETSTREAM_ACK_WAIT"),
		RedisURL:             r.str("REDIS_URL"),
		RedisConsumerGroup:   r.str("REDIS_CONSUMER_GROUP"),
		AWSRegion:            r.str("AWS_REGION"),
		AWSAccountID:         r.str("AWS_ACCOUNT_ID"),
		AWSAccessKeyID:       r.str("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:   r.str("AWS_SECRET_ACCESS_KEY"),
		AWSEndpoint:          r.str("AWS_ENDPOINT"),
		RetryMaxRetries:      r.int("RETRY_MAX_RETRIES"),
		RetryInitialInterval: r.duration("RETRY_INITIAL_INTERVAL"),
		RetryMaxInterval:     r.duration("RETRY_MAX_INTERVAL"),
		MetricsEnabled:       r.bool("METRICS_ENABLED"),
		MetricsPrefix:        r.str("METRICS_PREFIX"),
		TracingEnabled:       r.bool("TRACING_ENABLED"),
		GracefulTimeout:      r.duration("GRACEFUL_TIMEOUT"),
		RPCTimeout:           r.duration("RPC_TIMEOUT"),
	}
	if r.err != nil {
		return nil, r.err
	}
	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) str(name string) string {
	v, _ := r.lookup(EnvPrefix + name)
	return strings.TrimSpace(v)
}

func (r *envReader) list(name string) []string {
	raw := r.str(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *envReader) int(name string) int {
	raw := r.str(name)
	if raw == "" || r.err != nil {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return v
}

func (r *envReader) bool(name string) bool {
	raw := r.str(name)
	if raw == "" || r.err != nil {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return v
}

func (r *envReader) duration(name string) time.Duration {
	raw := r.str(name)
	if raw == "" || r.err != nil {
		return 0
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	return v
}
