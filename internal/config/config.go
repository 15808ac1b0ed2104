// Package config holds the node config document: network credentials,
// broker and upload target, polling interval and the assigned identity.
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/juju/errors"
	"github.com/temoto/metercam/helpers"
)

const (
	DefaultMqttPort   = 1883
	DefaultInterval   = 10000 // milliseconds
	DefaultServerPort = 8000
	DefaultServerPath = "/"
	DefaultTopicRoot  = "esp32"
)

// Document field names are the on-disk keys, both HCL and JSON.
// `uuid` is the only field ever rewritten by the node.
type Document struct { //nolint:maligned
	UUID         string `hcl:"uuid" json:"uuid"`
	Description  string `hcl:"description" json:"description"`
	WifiSSID     string `hcl:"wifi_ssid" json:"wifi_ssid"`
	WifiPassword string `hcl:"wifi_password" json:"wifi_password"` // secret
	MqttServer   string `hcl:"mqtt_server" json:"mqtt_server"`
	MqttUsername string `hcl:"mqtt_username" json:"mqtt_username"`
	MqttPassword string `hcl:"mqtt_password" json:"mqtt_password"` // secret
	MqttPort     int    `hcl:"mqtt_port" json:"mqtt_port"`
	MqttTopic    string `hcl:"mqtt_topic_root" json:"mqtt_topic_root,omitempty"`
	Interval     int    `hcl:"interval" json:"interval"`
	ServerName   string `hcl:"server_name" json:"server_name"`
	ServerPath   string `hcl:"server_path" json:"server_path"`
	ServerPort   int    `hcl:"server_port" json:"server_port"`
}

func NewDocument() *Document {
	return &Document{
		MqttPort:   DefaultMqttPort,
		MqttTopic:  DefaultTopicRoot,
		Interval:   DefaultInterval,
		ServerPath: DefaultServerPath,
		ServerPort: DefaultServerPort,
	}
}

// Validate checks fields required before any network activity.
func (d *Document) Validate() error {
	err := validation.ValidateStruct(d,
		validation.Field(&d.WifiSSID, validation.Required),
		validation.Field(&d.WifiPassword, validation.Required),
		validation.Field(&d.MqttServer, validation.Required),
		validation.Field(&d.MqttPort, validation.Required, validation.Max(65535)),
		validation.Field(&d.Interval, validation.Min(1)),
		validation.Field(&d.ServerPort, validation.Min(0), validation.Max(65535)),
	)
	return errors.Annotate(err, "config")
}

func (d *Document) PollInterval() time.Duration {
	return helpers.MillisecondDefault(d.Interval, DefaultInterval*time.Millisecond)
}

func (d *Document) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", d.MqttServer, d.MqttPort)
}

func (d *Document) TopicSubscribe() string { return d.topicRoot() + "/#" }
func (d *Document) TopicExchange() string  { return d.topicRoot() + "/uuid_exchange" }

func (d *Document) topicRoot() string {
	root := strings.TrimRight(d.MqttTopic, "/")
	if root == "" {
		return DefaultTopicRoot
	}
	return root
}

// String is safe for logs, secrets are masked.
func (d *Document) String() string {
	return fmt.Sprintf("uuid=%q description=%q wifi_ssid=%q wifi_password=%s mqtt=%s@%s:%d/%s mqtt_password=%s interval=%dms server=%s:%d%s",
		d.UUID, d.Description, d.WifiSSID, mask(d.WifiPassword),
		d.MqttUsername, d.MqttServer, d.MqttPort, d.topicRoot(), mask(d.MqttPassword),
		d.Interval, d.ServerName, d.ServerPort, d.ServerPath)
}

func mask(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	return "(set)"
}
