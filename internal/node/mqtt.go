package node

import (
	"github.com/temoto/metercam/internal/config"
	"github.com/temoto/metercam/internal/tele"
	"github.com/temoto/metercam/log2"
)

// MqttTransport builds paho transport from config document.
func MqttTransport(log *log2.Log) TransportFactory {
	return func(doc *config.Document, clientID string) (tele.Transporter, error) {
		return tele.NewMqtt(tele.Options{
			Log:        log,
			BrokerURL:  doc.BrokerURL(),
			ClientID:   clientID,
			Username:   doc.MqttUsername,
			Password:   doc.MqttPassword,
			Subscribe:  doc.TopicSubscribe(),
			RetryDelay: tele.DefaultRetryDelay,
		})
	}
}
