// Package events defines the post-persist event feed: every event accepted
// by a backend is published to a per-world subject so downstream consumers
// (live transports, projections) can follow the log without polling.
package events

import "context"

// TopicPrefix is the subject prefix for all chatledger publications.
const TopicPrefix = "chatledger.events"

// Topic returns the subject for one world's event feed.
func Topic(worldID string) string {
	return TopicPrefix + "." + worldID
}

// Publisher is the interface for emitting persisted events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
