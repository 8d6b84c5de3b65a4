// Package mqtt is an optional bridge that republishes de-duplicated LoRa
// payloads to an MQTT broker and accepts outbound send requests from a
// subscribed topic.
package mqtt

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/librescoot/lora-gateway/pkg/osal"
	"github.com/librescoot/lora-gateway/pkg/service"
)

// Config configures the broker connection and topic layout.
type Config struct {
	Broker    string // e.g. "tcp://localhost:1883"
	ClientID  string
	Username  string
	Password  string
	RxTopic   string // payloads are published here, suffixed by source address
	SendTopic string // outbound send requests are subscribed here
}

// Default topics: a stable root with a per-message source-address suffix.
const (
	DefaultRxTopic   = "lora/rx"
	DefaultSendTopic = "lora/send"
)

// Bridge owns a paho client and republishes to/from a Service.
type Bridge struct {
	conn paho.Client
	cfg  Config
	log  osal.Logger
}

// Connect dials the broker with a 10s handshake timeout.
func Connect(cfg Config, log osal.Logger) (*Bridge, error) {
	if log == nil {
		log = osal.NopLogger{}
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	conn := paho.NewClient(opts)
	token := conn.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return &Bridge{conn: conn, cfg: cfg, log: log}, nil
}

func (b *Bridge) Close() {
	b.conn.Disconnect(250)
}

// OnRx is a service.OnRx suitable for Service.Init: it publishes the
// hex-encoded payload to "<RxTopic>/<src>" at QoS 1, not retained.
func (b *Bridge) OnRx(src uint16, payload []byte) {
	topic := fmt.Sprintf("%s/%04X", b.cfg.RxTopic, src)
	token := b.conn.Publish(topic, 1, false, hex.EncodeToString(payload))
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Warnf("mqtt: publish %s: %v", topic, err)
	}
}

// Subscribe wires SendTopic so inbound MQTT messages of the form
// "<dstHex>:<payloadHex>" are forwarded to svc.Send.
func (b *Bridge) Subscribe(svc *service.Service) error {
	handler := func(_ paho.Client, m paho.Message) {
		b.handleSend(svc, string(m.Payload()))
	}
	token := b.conn.Subscribe(b.cfg.SendTopic, 1, handler)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("mqtt: subscribe %s: timed out", b.cfg.SendTopic)
	}
	return token.Error()
}

func (b *Bridge) handleSend(svc *service.Service, line string) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		b.log.Warnf("mqtt: malformed send payload: %s", line)
		return
	}
	dst64, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		b.log.Warnf("mqtt: bad destination %q: %v", parts[0], err)
		return
	}
	payload, err := hex.DecodeString(parts[1])
	if err != nil {
		b.log.Warnf("mqtt: bad payload hex: %v", err)
		return
	}
	if result, seq := svc.Send(uint16(dst64), payload); result != service.SendOK {
		b.log.Warnf("mqtt: send to %04X rejected: %v", dst64, result)
	} else {
		b.log.Infof("mqtt: queued send to %04X as seq=%d", dst64, seq)
	}
}
