package natsx

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"PPMessenger/service/chat"
	"PPMessenger/tools/errs"

	"go.uber.org/zap"
)

const (
	eventsBiz    = "chat.events"
	nodeIDHeader = "X-Node-Id"
)

type BrokerConfig struct {
	Subject string        // 事件广播 subject
	NodeID  string        // 本节点ID，用于跳过自己发出的事件
	IdemTTL time.Duration // 去重窗口
}

// Broker 把 fan-out 事件广播到所有节点。本节点的订阅者直接投递，
// 其他节点通过 NATS 收到后投递到各自的 Fanout。
type Broker struct {
	mgr    *NatsManager
	local  chat.Broker
	nodeID string
	log    *zap.Logger
}

// NewBroker 注册路由并订阅事件 subject
func NewBroker(ctx context.Context, natsCfg NatsxConfig, cfg BrokerConfig, local chat.Broker, log *zap.Logger) (*Broker, error) {
	if cfg.Subject == "" {
		cfg.Subject = "ppm.chat.events"
	}
	if cfg.IdemTTL <= 0 {
		cfg.IdemTTL = 5 * time.Minute
	}
	mgr, err := NewNatsManager(natsCfg, NatsxIdemMiddleware(NewMemIdem(ctx, cfg.IdemTTL), cfg.IdemTTL))
	if err != nil {
		return nil, err
	}
	b := &Broker{mgr: mgr, local: local, nodeID: cfg.NodeID, log: log}
	if err := mgr.RegisterRoute(NatsxRoute{Biz: eventsBiz, Subject: cfg.Subject}); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	if err := mgr.Subscribe(ctx, eventsBiz, b.handle); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return b, nil
}

// Publish delivers locally, then broadcasts to the other nodes.
func (b *Broker) Publish(ctx context.Context, topic string, ev *chat.Event) error {
	if err := b.local.Publish(ctx, topic, ev); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.WrapMsg(err, "encode event", "event", ev.ID)
	}
	hdr := map[string]string{nodeIDHeader: b.nodeID}
	return b.mgr.PublishOnce(ctx, eventsBiz, data, hdr, strconv.FormatInt(ev.ID, 10))
}

func (b *Broker) handle(ctx context.Context, msg NatsxMessage) error {
	if msg.Header[nodeIDHeader] == b.nodeID {
		return nil
	}
	var ev chat.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.log.Warn("drop undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
		return err
	}
	if ev.Topic == "" {
		b.log.Warn("drop event without topic", zap.Int64("event", ev.ID))
		return nil
	}
	return b.local.Publish(ctx, ev.Topic, &ev)
}

func (b *Broker) Close() error {
	return b.mgr.Close()
}
