package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/chatty/internal/config"
	"github.com/nugget/chatty/internal/events"
)

// StatsSource supplies the values published as sensor states.
type StatsSource interface {
	Uptime() time.Duration
	ActiveSessions() int
	PendingTasks() int
}

// publisher is the subset of *autopaho.ConnectionManager used here.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// ErrNotConnected is returned by Command before Start has connected.
var ErrNotConnected = errors.New("mqtt not connected")

var deviceName = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Publisher owns the broker connection. It sends device commands for
// the device_command tool, announces itself to Home Assistant via MQTT
// discovery and periodically publishes sensor states.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger

	cm publisher
}

// New creates a Publisher; Start connects it.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID),
		stats:      stats,
		logger:     logger,
	}
}

// Start connects and runs the state loop until ctx is cancelled. The
// connection manager reconnects on its own; each (re-)connect publishes
// discovery and an "online" availability message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "chatty-" + p.instanceID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: clientID},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm, ok := p.cm.(*autopaho.ConnectionManager)
	if !ok || cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Command publishes a command for a device to
// <prefix>/devices/<device>/set as JSON {"command": ..., "args": ...}.
func (p *Publisher) Command(ctx context.Context, device, command string, args map[string]any) (string, error) {
	if p.cm == nil {
		return "", ErrNotConnected
	}
	if !deviceName.MatchString(device) {
		return "", fmt.Errorf("invalid device name %q", device)
	}

	payload, err := json.Marshal(map[string]any{"command": command, "args": args})
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}
	topic := p.cfg.TopicPrefix + "/devices/" + device + "/set"
	if _, err := p.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1}); err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Info("device command published", "device", device, "command", command, "topic", topic)
	return topic, nil
}

// Relay republishes bus events to <prefix>/events/<kind> until ctx is
// cancelled, so other home automation can react to fired tasks.
func (p *Publisher) Relay(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(64)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if p.cm == nil || (e.Source != events.SourceScheduler && e.Kind != events.KindTurnComplete) {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			topic := p.cfg.TopicPrefix + "/events/" + e.Kind
			if _, err := p.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload}); err != nil {
				p.logger.Debug("mqtt event relay failed", "topic", topic, "error", err)
			}
		}
	}
}

func (p *Publisher) baseTopic() string { return p.cfg.TopicPrefix + "/" + p.instanceID }

func (p *Publisher) availabilityTopic() string { return p.baseTopic() + "/availability" }

func (p *Publisher) stateTopic(entity string) string { return p.baseTopic() + "/" + entity + "/state" }

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/chatty_" + p.instanceID + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensors() []sensorDef {
	sensor := func(entity, name, icon, stateClass, category string) sensorDef {
		return sensorDef{entity: entity, config: SensorConfig{
			Name:              name,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
			StateClass:        stateClass,
			EntityCategory:    category,
		}}
	}
	return []sensorDef{
		sensor("uptime", "Uptime", "mdi:clock-outline", "", "diagnostic"),
		sensor("active_sessions", "Active Sessions", "mdi:chat-processing", "measurement", ""),
		sensor("pending_tasks", "Pending Tasks", "mdi:calendar-clock", "measurement", ""),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm publisher) {
	for _, s := range p.sensors() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		topic := p.discoveryTopic(s.entity)
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm publisher, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil || p.stats == nil {
		return
	}
	states := map[string]string{
		"uptime":          p.stats.Uptime().Truncate(time.Second).String(),
		"active_sessions": strconv.Itoa(p.stats.ActiveSessions()),
		"pending_tasks":   strconv.Itoa(p.stats.PendingTasks()),
	}
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}
