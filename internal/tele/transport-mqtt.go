package tele

import (
	"context"
	"net/url"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/metercam/helpers"
	"github.com/temoto/metercam/log2"
)

// SetLibraryLog routes paho diagnostics to log.
// paho loggers are package globals, call once from main.
func SetLibraryLog(log *log2.Log, debug bool) {
	mqttLog := log.Clone(log2.LInfo)
	mqttLog.SetPrefix("mqtt: ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if debug {
		mqtt.DEBUG = mqttLog.Clone(log2.LDebug)
	}
}

const disconnectQuiesceMs = 250

type transportMqtt struct {
	log     *log2.Log
	opt     Options
	m       mqtt.Client
	inbox   chan Message
	backoff *helpers.Backoff
}

// NewMqtt validates options and prepares client. No network IO here.
func NewMqtt(opt Options) (Transporter, error) {
	opt.setDefaults()
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker=%s", opt.BrokerURL)
	}
	if opt.ClientID == "" {
		return nil, errors.NotValidf("mqtt client id empty")
	}
	self := &transportMqtt{
		log:     opt.Log,
		opt:     opt,
		inbox:   make(chan Message, opt.InboxSize),
		backoff: helpers.NewFixedBackoff(opt.RetryDelay),
	}

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(opt.NetworkTimeout).
		SetConnectionLostHandler(self.connectLostHandler).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(opt.Keepalive).
		SetOrderMatters(true).
		SetPingTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout)
	if opt.Username != "" {
		mopt.SetUsername(opt.Username)
		mopt.SetPassword(opt.Password)
	}
	self.m = mqtt.NewClient(mopt)
	return self, nil
}

func (self *transportMqtt) Connect(ctx context.Context) error {
	if self.IsConnected() {
		return nil
	}
	for {
		self.log.Debugf("tele connect broker=%s client=%s", self.opt.BrokerURL, self.opt.ClientID)
		err := self.tokenWait(self.m.Connect(), "connect")
		if err == nil {
			// without subscription identity response is never seen, so it's a failed attempt
			if err = self.subscribe(); err != nil {
				self.m.Disconnect(disconnectQuiesceMs)
			}
		}
		if err == nil {
			self.backoff.Success()
			self.log.Infof("tele connected broker=%s", self.opt.BrokerURL)
			return nil
		}
		delay := self.backoff.Failure()
		self.log.Errorf("tele connect broker=%s err=%v retry in %s", self.opt.BrokerURL, err, delay)
		if err := self.backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

func (self *transportMqtt) IsConnected() bool { return self.m.IsConnectionOpen() }

func (self *transportMqtt) Publish(topic string, payload []byte) error {
	if !self.IsConnected() {
		return errors.Annotatef(ErrDisconnected, "publish topic=%s", topic)
	}
	self.log.Debugf("tele publish topic=%s payload=%s", topic, payload)
	return self.tokenWait(self.m.Publish(topic, 0, false, payload), "publish "+topic)
}

func (self *transportMqtt) Poll(fun MessageFunc) int {
	n := 0
	for {
		select {
		case msg := <-self.inbox:
			n++
			if !fun(msg.Topic, msg.Payload) {
				self.log.Debugf("tele message topic=%s ignored", msg.Topic)
			}
		default:
			return n
		}
	}
}

func (self *transportMqtt) Close() {
	if self.m.IsConnected() {
		self.m.Disconnect(disconnectQuiesceMs)
	}
}

const subackFailure = 0x80

func (self *transportMqtt) subscribe() error {
	if self.opt.Subscribe == "" {
		return nil
	}
	tag := "subscribe " + self.opt.Subscribe
	token := self.m.Subscribe(self.opt.Subscribe, 0, self.messageHandler)
	if err := self.tokenWait(token, tag); err != nil {
		return err
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subackFailure {
				err := errors.Errorf("tele %s rejected by broker topic=%s", tag, topic)
				self.log.Error(err)
				return err
			}
		}
	}
	self.log.Infof("tele subscribed topic=%s", self.opt.Subscribe)
	return nil
}

// runs on paho goroutine
func (self *transportMqtt) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	select {
	case self.inbox <- Message{Topic: msg.Topic(), Payload: payload}:
	default:
		self.log.Errorf("tele inbox full, dropped topic=%s payload=%s", msg.Topic(), payload)
	}
}

func (self *transportMqtt) connectLostHandler(_ mqtt.Client, err error) {
	self.log.Errorf("tele connection lost err=%v", err)
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.opt.NetworkTimeout) {
		err := errors.Timeoutf("tele %s", tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "tele %s", tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	return nil
}
