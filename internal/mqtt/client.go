package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/snapvault/backend/internal/backup"
	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/models"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Publisher pushes pipeline state to an MQTT broker in a Home Assistant
// friendly shape: a retained status topic, JSON progress, and discovery
// configs announced on connect so the entities show up without manual setup.
type Publisher struct {
	cfg    config.MQTTConfig
	client paho.Client
}

func New(cfg config.MQTTConfig) (*Publisher, error) {
	p := &Publisher{cfg: cfg}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetWill(p.topic("availability"), "offline", 1, true).
		SetOnConnectHandler(func(c paho.Client) {
			log.Println("MQTT: connected to broker")
			p.publishDiscovery()
			p.publishRetained("availability", "online")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s:%d", cfg.Broker, cfg.Port)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return p, nil
}

// Close announces offline and disconnects.
func (p *Publisher) Close() {
	p.publishRetained("availability", "offline")
	p.client.Disconnect(250)
}

// PublishStatus publishes the service state (idle, scanning, backing_up or a
// terminal session status). Retained so a restarted dashboard sees the last
// known state.
func (p *Publisher) PublishStatus(status string) {
	p.publishRetained("status", status)
}

// PublishProgress publishes a progress snapshot plus a couple of flat topics
// for simple sensor templates.
func (p *Publisher) PublishProgress(progress backup.Progress) {
	payload, err := json.Marshal(progress)
	if err != nil {
		log.Printf("MQTT: failed to encode progress: %v", err)
		return
	}
	p.publish("progress", string(payload))
	p.publish("current_file", progress.CurrentFile)

	var percent float64
	if progress.TotalBytes > 0 {
		percent = float64(progress.TransferredBytes) / float64(progress.TotalBytes) * 100
	}
	p.publish("percentage", fmt.Sprintf("%.1f", percent))
	p.publish("files", fmt.Sprintf("%d/%d", progress.CompletedFiles, progress.TotalFiles))
}

// PublishSessionComplete publishes the finished session summary, retained.
func (p *Publisher) PublishSessionComplete(session *models.BackupSession) {
	payload, err := json.Marshal(session)
	if err != nil {
		log.Printf("MQTT: failed to encode session summary: %v", err)
		return
	}
	p.publishRetained("last_session", string(payload))
}

// PublishError publishes the error message and flips status to failed.
func (p *Publisher) PublishError(message string) {
	p.publish("error", message)
	p.publishRetained("status", models.SessionStatusFailed)
}

func (p *Publisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

func (p *Publisher) publish(suffix, payload string) {
	p.send(p.topic(suffix), payload, false)
}

func (p *Publisher) publishRetained(suffix, payload string) {
	p.send(p.topic(suffix), payload, true)
}

func (p *Publisher) send(topic, payload string, retained bool) {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("MQTT: publish to %s timed out", topic)
		return
	}
	if token.Error() != nil {
		log.Printf("MQTT: publish to %s failed: %v", topic, token.Error())
	}
}

// publishDiscovery announces Home Assistant MQTT discovery configs for the
// status, progress and last-session sensors.
func (p *Publisher) publishDiscovery() {
	device := map[string]interface{}{
		"identifiers":  []string{p.cfg.ClientID},
		"name":         "SnapVault",
		"manufacturer": "SnapVault",
		"model":        "SD Card Backup Service",
	}

	sensors := []struct {
		id    string
		name  string
		topic string
		extra map[string]interface{}
	}{
		{"status", "Backup Status", p.topic("status"), nil},
		{"percentage", "Backup Progress", p.topic("percentage"),
			map[string]interface{}{"unit_of_measurement": "%"}},
		{"current_file", "Current File", p.topic("current_file"), nil},
		{"files", "Backup Files", p.topic("files"), nil},
		{"last_session", "Last Backup Session", p.topic("last_session"),
			map[string]interface{}{"value_template": "{{ value_json.status }}", "json_attributes_topic": p.topic("last_session")}},
	}

	for _, s := range sensors {
		cfg := map[string]interface{}{
			"name":               s.name,
			"unique_id":          p.cfg.ClientID + "_" + s.id,
			"state_topic":        s.topic,
			"availability_topic": p.topic("availability"),
			"device":             device,
		}
		for k, v := range s.extra {
			cfg[k] = v
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		topic := fmt.Sprintf("%s/sensor/%s/%s/config", p.cfg.DiscoveryPrefix, p.cfg.ClientID, s.id)
		p.send(topic, string(payload), true)
	}
}
