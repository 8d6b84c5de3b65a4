// Package redis bridges the Service to a Redis instance: events and
// inbound payloads are published as hash writes plus a pub/sub
// notification, and a blocking BRPOP loop accepts outbound send and
// config-command requests. Service itself stays transport-agnostic; the
// bridge only consumes its callbacks and public API.
package redis

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/librescoot/lora-gateway/pkg/osal"
	"github.com/librescoot/lora-gateway/pkg/service"
)

// Client wraps a go-redis connection with the handful of operations the
// bridge needs.
type Client struct {
	rdb *goredis.Client
	ctx context.Context
}

// New connects to addr and verifies the connection with a Ping.
func New(addr, password string, db int) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: connect %s: %w", addr, err)
	}
	return &Client{rdb: rdb, ctx: ctx}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// writeAndPublish performs an HSet followed by a Publish in one pipeline,
// so subscribers are notified of exactly the value the hash now holds.
func (c *Client) writeAndPublish(key, field, value string) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// Keys names the Redis hash/list keys the bridge reads and writes. The
// zero value holds empty names; DefaultKeys holds the names the gateway
// uses when the bootstrap file leaves the key fields empty.
type Keys struct {
	Events  string // hash of last event per kind + pub/sub channel
	Inbox   string // hash of last payload per source address
	Command string // list consumed with BRPOP for outbound work
}

// DefaultKeys uses short, stable names under a single "lora:" prefix.
var DefaultKeys = Keys{
	Events:  "lora:events",
	Inbox:   "lora:inbox",
	Command: "lora:command",
}

// Bridge couples a Client to a running Service, translating between
// Service's Go-native callbacks/API and Redis's textual wire.
type Bridge struct {
	client *Client
	keys   Keys
	log    osal.Logger
}

// NewBridge wraps client with keys; a nil Logger installs a no-op sink.
func NewBridge(client *Client, keys Keys, log osal.Logger) *Bridge {
	if log == nil {
		log = osal.NopLogger{}
	}
	return &Bridge{client: client, keys: keys, log: log}
}

// OnEvent is a service.OnEvent suitable for Service.Init: it writes the
// event kind and sequence to the events hash and publishes a
// notification, field-per-kind so a subscriber can distinguish the most
// recent TX_OK from the most recent TX_FAIL without decoding a value.
func (b *Bridge) OnEvent(e service.Event) {
	field := e.Kind.String()
	value := strconv.Itoa(int(e.Seq))
	if err := b.client.writeAndPublish(b.keys.Events, field, value); err != nil {
		b.log.Warnf("redis: publish event %s: %v", field, err)
	}
}

// OnRx is a service.OnRx suitable for Service.Init: it writes the
// hex-encoded payload into the inbox hash keyed by source address and
// publishes a notification.
func (b *Bridge) OnRx(src uint16, payload []byte) {
	field := fmt.Sprintf("%04X", src)
	value := hex.EncodeToString(payload)
	if err := b.client.writeAndPublish(b.keys.Inbox, field, value); err != nil {
		b.log.Warnf("redis: publish rx from %04X: %v", src, err)
	}
}

// Watch blocks, repeatedly BRPOP-ing the command list and dispatching
// each line to svc, until ctx is canceled. The gateway's main launches it
// as a background goroutine.
//
// Accepted line forms:
//
//	"CMD:<token>:<op>=<params>"        -> svc.ProcessCommandLine
//	"SEND:<dstHex>:<payloadHex>"       -> svc.Send
func (b *Bridge) Watch(ctx context.Context, svc *service.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		result, err := b.client.rdb.BRPop(ctx, 2*time.Second, b.keys.Command).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			b.log.Warnf("redis: BRPOP %s: %v", b.keys.Command, err)
			continue
		}
		if len(result) != 2 {
			continue
		}
		b.dispatch(svc, result[1])
	}
}

func (b *Bridge) dispatch(svc *service.Service, line string) {
	switch {
	case strings.HasPrefix(line, "CMD:"):
		if !svc.ProcessCommandLine(line) {
			b.log.Warnf("redis: command rejected: %s", line)
		}
	case strings.HasPrefix(line, "SEND:"):
		b.dispatchSend(svc, strings.TrimPrefix(line, "SEND:"))
	default:
		b.log.Warnf("redis: unrecognized command line: %s", line)
	}
}

func (b *Bridge) dispatchSend(svc *service.Service, rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		b.log.Warnf("redis: malformed SEND line: %s", rest)
		return
	}
	dst64, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		b.log.Warnf("redis: bad destination %q: %v", parts[0], err)
		return
	}
	payload, err := hex.DecodeString(parts[1])
	if err != nil {
		b.log.Warnf("redis: bad payload hex: %v", err)
		return
	}
	result, seq := svc.Send(uint16(dst64), payload)
	if result != service.SendOK {
		b.log.Warnf("redis: send to %04X rejected: %v", dst64, result)
		return
	}
	b.log.Infof("redis: queued send to %04X as seq=%d", dst64, seq)
}
