package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/nats-io/nats.go"
)

// Conn is one live subscription. Recv blocks until a message arrives or ctx
// ends; Close may be called more than once.
type Conn interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a subscription to address.
type Dialer func(ctx context.Context, address string) (Conn, error)

// NewDialer picks the transport named in the feed configuration.
func NewDialer(transport, subject string) (Dialer, error) {
	switch transport {
	case "zmq", "":
		return DialZMQ, nil
	case "nats":
		return DialNATS(subject), nil
	default:
		return nil, fmt.Errorf("unknown feed transport: %s", transport)
	}
}

type zmqConn struct {
	sock zmq4.Socket
	once sync.Once
	err  error
}

// DialZMQ subscribes to every topic published on a ZeroMQ PUB endpoint.
func DialZMQ(ctx context.Context, address string) (Conn, error) {
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial(address); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("subscribe %s: %w", address, err)
	}
	return &zmqConn{sock: sock}, nil
}

// Recv runs the blocking socket read on a helper goroutine so the call can
// honour ctx. On expiry the socket is closed, which also releases the helper.
func (c *zmqConn) Recv(ctx context.Context) ([]byte, error) {
	type result struct {
		msg zmq4.Msg
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.sock.Recv()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg.Bytes(), nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

func (c *zmqConn) Close() error {
	c.once.Do(func() { c.err = c.sock.Close() })
	return c.err
}

type natsConn struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// DialNATS returns a Dialer for a NATS server that republishes the raw relay
// payloads on subject. Reconnection is left to the feed.
func DialNATS(subject string) Dialer {
	return func(ctx context.Context, address string) (Conn, error) {
		nc, err := nats.Connect(address, nats.Name("eddn-relay"), nats.NoReconnect())
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", address, err)
		}
		sub, err := nc.SubscribeSync(subject)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		return &natsConn{nc: nc, sub: sub}, nil
	}
}

func (c *natsConn) Recv(ctx context.Context) ([]byte, error) {
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (c *natsConn) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	_ = c.sub.Unsubscribe()
	c.nc.Close()
	return nil
}
