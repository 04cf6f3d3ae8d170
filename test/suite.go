// Package test contains the end-to-end integration suite of the bridge.
//
// The suite starts a containerized MQTT broker and drives the full path:
// MQTT request in, bridge dispatch, MQTT reply out, telemetry publishes.
// It needs Docker and is opt-in; set INTEGRATION=1 to run it.
package test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/dab"
	"github.com/relabs-tech/dab-bridge/devices/virtual"
	"github.com/relabs-tech/dab-bridge/mqtt"
)

// IntegrationEnabled reports whether the suite should run.
func IntegrationEnabled() bool {
	return os.Getenv("INTEGRATION") == "1"
}

type IntegrationTestSuite struct {
	suite.Suite

	mosquittoContainer testcontainers.Container
	brokerURL          string

	bridge   *dab.Bridge
	conn     *mqtt.Conn
	operator paho.Client

	mu       sync.Mutex
	received map[string][]*element.Element
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err)
	s.mosquittoContainer = container

	host, err := container.Host(ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(ctx, "1883")
	s.Require().NoError(err)
	s.brokerURL = fmt.Sprintf("tcp://%s:%s", host, port.Port())

	// the bridge under test with one emulated device
	s.bridge = dab.NewBridge(virtual.Factory())
	_, err = s.bridge.MakeDeviceInstance("tv1", "192.168.1.20")
	s.Require().NoError(err)

	s.conn = mqtt.NewConn(&mqtt.Builder{
		BrokerURL: s.brokerURL,
		ClientID:  "bridge-under-test",
		Bridge:    s.bridge,
	})
	s.Require().NoError(s.conn.Connect())

	// the operator client driving the bridge
	s.received = map[string][]*element.Element{}
	opts := paho.NewClientOptions().
		AddBroker(s.brokerURL).
		SetClientID("operator")
	s.operator = paho.NewClient(opts)
	token := s.operator.Connect()
	token.Wait()
	s.Require().NoError(token.Error())
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.operator != nil {
		s.operator.Disconnect(250)
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.mosquittoContainer != nil {
		s.mosquittoContainer.Terminate(context.Background())
	}
}

// subscribe collects every message arriving on topic into received.
func (s *IntegrationTestSuite) subscribe(topic string) {
	token := s.operator.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		env, err := element.Parse(msg.Payload())
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received[msg.Topic()] = append(s.received[msg.Topic()], env)
		s.mu.Unlock()
	})
	token.Wait()
	s.Require().NoError(token.Error())
}

func (s *IntegrationTestSuite) publish(topic, payload string) {
	token := s.operator.Publish(topic, 1, false, payload)
	token.Wait()
	s.Require().NoError(token.Error())
}

// waitFor polls until at least count messages arrived on topic.
func (s *IntegrationTestSuite) waitFor(topic string, count int, timeout time.Duration) []*element.Element {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		msgs := s.received[topic]
		s.mu.Unlock()
		if len(msgs) >= count {
			return msgs
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[topic]
}
