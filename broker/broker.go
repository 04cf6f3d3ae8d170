/*
Package broker provides an embedded MQTT broker for self-contained bridge
deployments, so that services do not need an external broker.

The broker enforces the DAB topic namespace: clients may only subscribe to
request topics (dab/...), reply topics (_response/dab/...) and telemetry
topics below dab/. Everything else is refused.
*/
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/dab-bridge/core/logger"
)

// Broker is an embedded MQTT broker for DAB traffic.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Addr is the listen address. Defaults to ":1883" (or ":8883" with TLS).
	Addr string
	// CACertFile, CertFile and KeyFile enable mutual TLS when all three are
	// set. Without them the broker listens on plain TCP.
	CACertFile string
	CertFile   string
	KeyFile    string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln      net.Listener
	service gmqtt.Server
	rlog    *logrus.Entry
}

// NewBroker returns a new broker. The broker will not actually run until
// you call Run()
func NewBroker(bb *Builder) *Broker {
	rlog := logger.Default().WithField("component", "broker")

	useTLS := len(bb.CACertFile) > 0 || len(bb.CertFile) > 0 || len(bb.KeyFile) > 0
	addr := bb.Addr
	if len(addr) == 0 {
		if useTLS {
			addr = ":8883"
		} else {
			addr = ":1883"
		}
	}

	var ln net.Listener
	var err error
	if useTLS {
		if len(bb.CACertFile) == 0 {
			panic("ca-cert file missing")
		}
		if len(bb.CertFile) == 0 {
			panic("cert file missing")
		}
		if len(bb.KeyFile) == 0 {
			panic("key file missing")
		}
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		caCert, _ := os.ReadFile(bb.CACertFile)
		caCertPool := x509.NewCertPool()
		ok := caCertPool.AppendCertsFromPEM(caCert)
		rlog.Debugln("ca certs loaded =", ok)

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		ln, err = tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			panic(err)
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			panic(err)
		}
	}

	rlog.Infoln("broker listening on", addr)
	return &Broker{
		p: &plugin{
			ln:   ln,
			rlog: rlog,
		},
	}
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM and
// shuts down gracefully.
func (b *Broker) Run() {

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	b.p.rlog.Infoln("broker started")
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	b.p.rlog.Infoln("broker stopped")
}

// PublishMessageQ1 publishes an MQTT message with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.rlog.Debugf("publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// allowedTopic is the DAB namespace policy for subscriptions.
func allowedTopic(name string) bool {
	return strings.HasPrefix(name, "dab/") ||
		strings.HasPrefix(name, "_response/dab/")
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.rlog.Debugln("load dab broker plugin")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "dab broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper logs connecting clients
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		p.rlog.Infoln("connect", client.OptionsReader().ClientID())
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces the DAB topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !allowedTopic(topic.Name) {
			p.rlog.Warnln("subscribe", client.OptionsReader().ClientID(), topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		p.rlog.Debugln("subscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper logs DAB request traffic
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if strings.HasPrefix(msg.Topic(), "dab/") {
			p.rlog.Debugln("message arrived", client.OptionsReader().ClientID(), msg.Topic())
		}
		return arrived(ctx, client, msg)
	}
}
