// Package events consumes identity notifications (login/logout) and feeds
// them to the binder. Sessions and authentication are owned elsewhere;
// this core only reacts to their signals.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/segmentio/kafka-go"

	"github.com/cartkit/cartkit/internal/cache"
)

const (
	EventLogin   = "login"
	EventLogout  = "logout"
	EventLockout = "lockout"
)

// identityBinder is the slice of the binder the poller needs.
type identityBinder interface {
	Login(ctx context.Context, sessionKey, userKey string) ([]string, error)
	Logout(ctx context.Context, sessionKey, userKey string) ([]string, error)
}

type identityEvent struct {
	Event      string `json:"event"`
	SessionKey string `json:"session_key"`
	UserKey    string `json:"user_key"`
}

type Poller struct {
	binder identityBinder
	cache  cache.CartCache
	reader *kafka.Reader
}

func NewPoller(binder identityBinder, cartCache cache.CartCache, brokers ...string) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    "identity-events",
		GroupID:  "cart-core-consumer",
		MaxBytes: 10e6, // 10MB
	})
	return &Poller{binder: binder, cache: cartCache, reader: reader}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m, err := p.reader.ReadMessage(ctx)
		if err != nil {
			fmt.Printf("error reading message: %v\n", err)
			continue
		}
		p.handlePayload(ctx, m.Value)
	}
}

func (p *Poller) Close() {
	err := p.reader.Close()
	if err != nil {
		fmt.Printf("error closing reader: %v\n", err)
	}
}

func (p *Poller) handlePayload(ctx context.Context, payload []byte) {
	var event identityEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("error parsing identity event: %v", err)
		return
	}
	if event.SessionKey == "" || event.UserKey == "" {
		log.Println("identity event missing session or user key")
		return
	}

	var (
		affected []string
		err      error
	)
	switch event.Event {
	case EventLogin:
		affected, err = p.binder.Login(ctx, event.SessionKey, event.UserKey)
	case EventLogout, EventLockout:
		affected, err = p.binder.Logout(ctx, event.SessionKey, event.UserKey)
	default:
		log.Printf("unknown identity event %q", event.Event)
		return
	}
	if err != nil {
		log.Printf("failed to apply %s event: %v", event.Event, err)
		return
	}

	for _, cartID := range affected {
		if errDel := p.cache.Delete(ctx, cartID); errDel != nil {
			log.Printf("failed to invalidate cart %s: %v", cartID, errDel)
		}
	}
}
