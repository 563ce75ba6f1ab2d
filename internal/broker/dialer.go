package broker

import (
	"fmt"

	"github.com/richardliu001/order-analytics/internal/config"
	"go.uber.org/zap"
)

// NewDialer builds the dialer selected by cfg.Driver. name identifies the client
// to the broker.
func NewDialer(cfg config.BrokerConfig, name string, log *zap.SugaredLogger) (Dialer, error) {
	switch cfg.Driver {
	case "kafka":
		return NewKafkaDialer(KafkaOptions{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
		}, log), nil
	case "nats":
		return NewNATSDialer(NATSOptions{
			URL:             cfg.NATS.URL,
			Durable:         cfg.NATS.Durable,
			AckWait:         cfg.NATS.AckWait,
			DuplicateWindow: cfg.NATS.DuplicateWindow,
			Name:            name,
		}, log), nil
	default:
		return nil, fmt.Errorf("broker: unknown driver %q", cfg.Driver)
	}
}
