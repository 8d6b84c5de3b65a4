// Command lora-gateway is the host process that wires the platform
// adapters, config persistence, and optional telemetry bridges into a
// running Service and pumps it with a cooperative tick loop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/lora-gateway/pkg/config"
	"github.com/librescoot/lora-gateway/pkg/driver"
	"github.com/librescoot/lora-gateway/pkg/osal"
	"github.com/librescoot/lora-gateway/pkg/platform/bugstport"
	"github.com/librescoot/lora-gateway/pkg/platform/gpio"
	"github.com/librescoot/lora-gateway/pkg/platform/serialport"
	"github.com/librescoot/lora-gateway/pkg/port"
	"github.com/librescoot/lora-gateway/pkg/service"
	"github.com/librescoot/lora-gateway/pkg/telemetry/mqtt"
	tred "github.com/librescoot/lora-gateway/pkg/telemetry/redis"
)

var bootstrapPath = flag.String("config", "/etc/lora-gateway/gateway.toml", "Bootstrap TOML config path")

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting LoRa gateway")

	boot, err := config.LoadBootstrap(*bootstrapPath)
	if err != nil {
		log.Printf("Bootstrap config %s not loadable (%v), using built-in defaults", *bootstrapPath, err)
		boot = config.DefaultBootstrap()
	}
	log.Printf("Device: %s  Backend: %s  Target baud: %d", boot.Device, boot.Backend, boot.TargetBaud)

	transport, err := openTransport(boot)
	if err != nil {
		log.Fatalf("open transport: %v", err)
	}
	defer transport.Close()

	pins, err := gpio.Open(boot.ModePin, boot.AuxPin, boot.ResetPin)
	if err != nil {
		log.Fatalf("open gpio: %v", err)
	}

	clock := osal.NewSystemClock()
	stdLog := osal.NewStdLogger(nil)

	p := port.New(transport, pins, pins, clock, port.WithReset(pins), port.WithLogger(stdLog))
	drv := driver.New(p, clock, stdLog)

	svcOpts := []service.Option{service.WithTargetBaud(boot.TargetBaud), service.WithLogger(stdLog)}
	if boot.StuckMillis > 0 {
		svcOpts = append(svcOpts, service.WithStuckThreshold(time.Duration(boot.StuckMillis)*time.Millisecond))
	}
	svc := service.New(drv, clock, svcOpts...)
	store := config.NewFileStore(boot.RecordPath)

	redisBridge, err := maybeConnectRedis(boot, stdLog)
	if err != nil {
		log.Printf("redis telemetry disabled: %v", err)
	}
	mqttBridge, err := maybeConnectMQTT(boot, stdLog)
	if err != nil {
		log.Printf("mqtt telemetry disabled: %v", err)
	}

	onRx := func(src uint16, payload []byte) {
		log.Printf("rx from %04X: %d bytes", src, len(payload))
		if redisBridge != nil {
			redisBridge.OnRx(src, payload)
		}
		if mqttBridge != nil {
			mqttBridge.OnRx(src, payload)
		}
	}
	onEvent := func(e service.Event) {
		log.Printf("event: %s seq=%d", e.Kind, e.Seq)
		if redisBridge != nil {
			redisBridge.OnEvent(e)
		}
	}

	if !svc.Init(store, store, onRx, onEvent) {
		log.Printf("initial driver bring-up failed, service tick will keep retrying")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if redisBridge != nil {
		go redisBridge.Watch(ctx, svc)
	}
	if mqttBridge != nil {
		if err := mqttBridge.Subscribe(svc); err != nil {
			log.Printf("mqtt subscribe failed: %v", err)
		}
		defer mqttBridge.Close()
	}

	runLoop(ctx, svc, boot.TickMillis)

	log.Printf("Shutting down...")
}

func runLoop(ctx context.Context, svc *service.Service, tickMillis int) {
	if tickMillis <= 0 {
		tickMillis = 5
	}
	ticker := time.NewTicker(time.Duration(tickMillis) * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			svc.Tick()
		case <-sigCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func openTransport(boot config.Bootstrap) (port.Transport, error) {
	switch boot.Backend {
	case "bugst":
		return bugstport.Open(boot.Device, driver.ConfigBaud)
	default:
		return serialport.Open(boot.Device, driver.ConfigBaud)
	}
}

func maybeConnectRedis(boot config.Bootstrap, logger osal.Logger) (*tred.Bridge, error) {
	if !boot.Redis.Enabled {
		return nil, nil
	}
	client, err := tred.New(boot.Redis.Addr, boot.Redis.Password, boot.Redis.DB)
	if err != nil {
		return nil, err
	}
	keys := tred.DefaultKeys
	if boot.Redis.EventsKey != "" {
		keys.Events = boot.Redis.EventsKey
	}
	if boot.Redis.InboxKey != "" {
		keys.Inbox = boot.Redis.InboxKey
	}
	if boot.Redis.CommandKey != "" {
		keys.Command = boot.Redis.CommandKey
	}
	return tred.NewBridge(client, keys, logger), nil
}

func maybeConnectMQTT(boot config.Bootstrap, logger osal.Logger) (*mqtt.Bridge, error) {
	if !boot.MQTT.Enabled {
		return nil, nil
	}
	cfg := mqtt.Config{
		Broker:    boot.MQTT.Broker,
		ClientID:  boot.MQTT.ClientID,
		Username:  boot.MQTT.Username,
		Password:  boot.MQTT.Password,
		RxTopic:   mqtt.DefaultRxTopic,
		SendTopic: mqtt.DefaultSendTopic,
	}
	if boot.MQTT.Topic != "" {
		cfg.RxTopic = boot.MQTT.Topic
	}
	return mqtt.Connect(cfg, logger)
}
