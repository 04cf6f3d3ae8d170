/*
Package mqtt binds a bridge to an MQTT broker.

The connection subscribes to every request topic the bridge serves, hands
arriving envelopes to the bridge and publishes the reply on the request
topic prefixed with _response/. Asynchronous messages from the bridge
(telemetry samples, discovery broadcast replies) are published through the
same connection.
*/
package mqtt

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/core/logger"
	"github.com/relabs-tech/dab-bridge/dab"
)

// responsePrefix is prepended to a request topic to form the reply topic.
const responsePrefix = "_response/"

// ResponseTopic returns the topic a reply to the given request topic is
// published on.
func ResponseTopic(topic string) string {
	return responsePrefix + topic
}

// Conn is one bridge's connection to an MQTT broker.
type Conn struct {
	client paho.Client
	bridge *dab.Bridge
	rlog   *logrus.Entry
}

// Builder is a builder helper for the Conn
type Builder struct {
	// BrokerURL is the broker address, e.g. tcp://localhost:1883. Mandatory.
	BrokerURL string
	// ClientID is the MQTT client identifier. Mandatory.
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
	// Bridge receives the request envelopes. Mandatory.
	Bridge *dab.Bridge
}

// NewConn creates the connection. It does not connect yet; call Connect().
func NewConn(b *Builder) *Conn {
	if len(b.BrokerURL) == 0 {
		panic("BrokerURL is missing")
	}
	if len(b.ClientID) == 0 {
		panic("ClientID is missing")
	}
	if b.Bridge == nil {
		panic("Bridge is missing")
	}

	c := &Conn{
		bridge: b.Bridge,
		rlog:   logger.Default().WithField("clientId", b.ClientID),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(b.BrokerURL)
	opts.SetClientID(b.ClientID)
	if len(b.Username) > 0 {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	// resubscribe on every (re)connect
	opts.SetOnConnectHandler(func(client paho.Client) {
		c.rlog.Infoln("connected to broker", b.BrokerURL)
		c.subscribe()
	})
	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		c.rlog.WithError(err).Warnln("connection to broker lost")
	})

	c.client = paho.NewClient(opts)
	b.Bridge.SetPublishCallback(c.publishEnvelope)
	return c
}

// Connect connects to the broker and subscribes to the bridge's topics.
func (c *Conn) Connect() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker.
func (c *Conn) Close() {
	c.client.Disconnect(250)
}

func (c *Conn) subscribe() {
	for _, topic := range c.bridge.GetTopics() {
		token := c.client.Subscribe(topic, 1, c.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.rlog.WithError(err).Errorln("cannot subscribe to", topic)
			continue
		}
		c.rlog.Debugln("subscribed to", topic)
	}
}

// handleMessage parses one arriving request, routes it through the bridge
// and publishes the reply. A missing topic field in the payload is filled
// in from the MQTT topic the message arrived on.
func (c *Conn) handleMessage(_ paho.Client, msg paho.Message) {
	_, rlog := logger.ContextWithLogger(nil)
	rlog.Debugln("request on", msg.Topic())

	env, err := element.Parse(msg.Payload())
	if err != nil {
		rlog.WithError(err).Warnln("invalid request payload on", msg.Topic())
		env = element.NewObject()
	}
	if !env.Has("topic") {
		env.Set("topic", msg.Topic())
	}

	reply := c.bridge.Dispatch(env)
	c.publishRaw(ResponseTopic(msg.Topic()), reply.JSON())
}

// publishEnvelope is the bridge's publish callback.
func (c *Conn) publishEnvelope(env *element.Element) {
	topic, payload := publishTarget(env)
	c.publishRaw(topic, payload)
}

// publishTarget maps a published envelope to an MQTT topic and payload.
// Telemetry envelopes of the form {"topic":T,"payload":P} publish P on T;
// anything else (the discovery broadcast replies) is published verbatim on
// the discovery response topic.
func publishTarget(env *element.Element) (string, []byte) {
	if env.Has("topic") {
		topicElem, _ := env.Get("topic")
		if topic, err := topicElem.AsString(); err == nil {
			payload, perr := env.Get("payload")
			if perr != nil {
				payload = element.New(nil)
			}
			return topic, payload.JSON()
		}
	}
	return ResponseTopic(dab.TopicDiscovery), env.JSON()
}

func (c *Conn) publishRaw(topic string, payload []byte) {
	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.rlog.WithError(err).Errorln("cannot publish on", topic)
	}
}
