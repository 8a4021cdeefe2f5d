package sinks

import (
	"context"
	"fmt"
	"sync"
)

type publishedMessage struct {
	Topic   string
	Payload any
}

// recordingPublisher keeps published payloads for assertions.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	failWith error
}

func (p *recordingPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.messages = append(p.messages, publishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func (p *recordingPublisher) Messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}
