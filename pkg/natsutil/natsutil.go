// Package natsutil provides typed NATS publish/subscribe/request/respond
// helpers with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// encode marshals v into a message for subject carrying ctx's trace.
func encode(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// decode unmarshals msg into T and returns the trace context it carried.
func decode[T any](msg *nats.Msg) (context.Context, T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, v, fmt.Errorf("natsutil: decode %s: %w", msg.Subject, err)
	}
	return otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg)), v, nil
}

// Publish sends v as JSON on subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := encode(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe calls handler for every message on subject that decodes as T.
// Malformed messages are logged and dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, v, err := decode[T](msg)
		if err != nil {
			slog.Warn("dropping nats message", "err", err)
			return
		}
		handler(ctx, v)
	})
}

// Request sends req and decodes the reply, waiting up to nats.DefaultTimeout.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	return RequestTimeout[Req, Resp](ctx, nc, subject, req, nats.DefaultTimeout)
}

// RequestTimeout is Request with an explicit reply timeout. An earlier ctx
// deadline wins.
func RequestTimeout[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp
	msg, err := encode(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, fmt.Errorf("natsutil: request %s: %w", subject, err)
	}
	_, v, err := decode[Resp](reply)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Respond serves request/reply on subject. Each request is decoded into Req
// and handler's result is sent back as JSON. With a non-empty queue the
// subscription joins that queue group so replicas share the load.
// Malformed requests are logged and dropped, leaving the caller to time out.
func Respond[Req, Resp any](nc *nats.Conn, subject, queue string, handler func(context.Context, Req) Resp) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		ctx, req, err := decode[Req](msg)
		if err != nil {
			slog.Warn("dropping nats request", "err", err)
			return
		}
		reply, err := encode(ctx, msg.Reply, handler(ctx, req))
		if err != nil {
			slog.Error("nats reply", "subject", subject, "err", err)
			return
		}
		if err := msg.RespondMsg(reply); err != nil {
			slog.Error("nats reply", "subject", subject, "err", err)
		}
	}
	if queue != "" {
		return nc.QueueSubscribe(subject, queue, cb)
	}
	return nc.Subscribe(subject, cb)
}
