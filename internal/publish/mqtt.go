package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const mqttConnectTimeout = 5 * time.Second

// mqttTransport publishes payloads to a broker topic. The topic is a
// template resolved per send so time variables stay fresh.
type mqttTransport struct {
	client        mqtt.Client
	topicTemplate string
	vars          Vars
	qos           byte
}

func newMQTTTransport(settings Settings, vars Vars) (*mqttTransport, error) {
	broker := settings.String("broker", "")
	if broker == "" {
		return nil, errors.New("mqtt destination requires a broker")
	}
	port := settings.Int("port", 1883)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", broker, port)).
		SetClientID("infernode-" + uuid.NewString()[:8]).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true)
	if user := settings.String("username", ""); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(settings.String("password", ""))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &mqttTransport{
		client:        client,
		topicTemplate: settings.String("topic", "infernode/{pipeline_id}/results"),
		vars:          vars,
		qos:           byte(settings.Int("qos", 0)),
	}, nil
}

func (m *mqttTransport) Type() string { return "mqtt" }

func (m *mqttTransport) Send(payload Payload) error {
	if !m.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	topic := m.vars.Substitute(m.topicTemplate)
	token := m.client.Publish(topic, m.qos, false, body)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (m *mqttTransport) Close() error {
	m.client.Disconnect(250)
	return nil
}
