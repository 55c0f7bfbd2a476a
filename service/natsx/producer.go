package natsx

import (
	"context"

	"PPMessenger/tools/errs"

	"github.com/nats-io/nats.go"
)

// MsgIDHeader 标准去重头
const MsgIDHeader = "Nats-Msg-Id"

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 按 Biz 路由发送
func (p *NatsxProducer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := p.c.route(biz)
	if !ok {
		return errs.ErrInternal.WrapMsg("route not found", "biz", biz)
	}
	// 用 NewMsg 构造更安全
	msg := nats.NewMsg(r.Subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := p.c.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "publish", "subject", r.Subject)
	}
	return nil
}

// PublishOnce 带 Nats-Msg-Id 的发布，消费端据此去重
func (p *NatsxProducer) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	if hdr == nil {
		hdr = map[string]string{}
	}
	hdr[MsgIDHeader] = msgID
	return p.Publish(ctx, biz, data, hdr)
}
