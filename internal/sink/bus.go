package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sonoralabs/sonora-core/internal/bus"
	"github.com/sonoralabs/sonora-core/internal/config"
	"github.com/sonoralabs/sonora-core/internal/protocol"
)

type busBackend struct {
	client *bus.Client
	prefix string
}

func newBusBackend(cfg config.SinkConfig, client *bus.Client) *busBackend {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = protocol.SubjectNotificationPrefix
	}
	return &busBackend{client: client, prefix: prefix}
}

func (b *busBackend) notify(_ context.Context, n protocol.Notification) error {
	if !b.client.Healthy() {
		return fmt.Errorf("bus not connected")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", b.prefix, n.Role, n.ClientID)
	if err := b.client.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (b *busBackend) close() error { return nil }
