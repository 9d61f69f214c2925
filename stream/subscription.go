package stream

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fleetboard/domain"
)

// Publisher announces applied board updates on a redis channel so every
// fleet-api instance can forward them to its own connections.
type Publisher struct {
	rc      *redis.Client
	channel string
}

func NewPublisher(rc *redis.Client, channel string) *Publisher {
	return &Publisher{rc: rc, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, ev domain.BoardUpdateEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, p.channel, data).Err()
}

// SubscribeUpdates forwards board updates published on channel to the hub
// until ctx is done, resubscribing whenever the redis subscription drops.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, hub *Hub) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				forward(logger, hub, []byte(msg.Payload))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func forward(logger *log.Logger, hub *Hub, payload []byte) {
	var ev domain.BoardUpdateEvent
	if err := sonic.ConfigStd.Unmarshal(payload, &ev); err != nil {
		logger.WithError(err).Error("unable to parse board update")
		return
	}
	if ev.BoardID == "" {
		logger.WithField("event_id", ev.EventID).Warn("board update without board id")
		return
	}
	n := hub.Broadcast(ev.BoardID, payload)
	logger.WithFields(log.Fields{"board": ev.BoardID, "event_id": ev.EventID, "subscribers": n}).Debug("board update forwarded")
}
