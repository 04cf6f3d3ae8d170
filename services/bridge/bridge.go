// The bridge service exposes one or more emulated devices over MQTT.
//
// It connects to an external broker (or starts an embedded one), builds a
// bridge with a virtual device per configured deviceId and serves the HTTP
// status API. Settings persistence, S3 image storage and a Kafka telemetry
// sink are enabled when configured.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/dab-bridge/api"
	"github.com/relabs-tech/dab-bridge/broker"
	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/core/logger"
	"github.com/relabs-tech/dab-bridge/dab"
	"github.com/relabs-tech/dab-bridge/devices/virtual"
	"github.com/relabs-tech/dab-bridge/imagestore"
	"github.com/relabs-tech/dab-bridge/mqtt"
	"github.com/relabs-tech/dab-bridge/sink"
	"github.com/relabs-tech/dab-bridge/store"
)

// Service holds the configuration for this service
//
// use BROKER_URL="tcp://localhost:1883" DEVICE_IDS="tv1=192.168.1.20"
type Service struct {
	BrokerURL      string `env:"BROKER_URL,default=tcp://localhost:1883" description:"the MQTT broker to connect to"`
	EmbeddedBroker bool   `env:"EMBEDDED_BROKER,default=false" description:"run an embedded broker instead of connecting to an external one"`
	BrokerAddr     string `env:"BROKER_ADDR,optional" description:"listen address of the embedded broker"`
	ClientID       string `env:"CLIENT_ID,default=dab-bridge" description:"the MQTT client id"`
	DeviceIDs      string `env:"DEVICE_IDS,default=device1" description:"comma separated deviceId=ipAddress pairs; a bare deviceId runs in on-device mode"`
	HTTPAddr       string `env:"HTTP_ADDR,default=:8080" description:"listen address of the status API"`
	Postgres       string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB for settings persistence"`
	KafkaBrokers   string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers for the telemetry sink"`
	KafkaTopic     string `env:"KAFKA_TOPIC,default=dab-telemetry" description:"the Kafka topic for the telemetry sink"`

	Images imagestore.S3Configuration
}

func main() {
	logger.InitLogger(logrus.DebugLevel)
	rlog := logger.Default()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	var db *store.DB
	if len(service.Postgres) > 0 {
		db = store.MustOpen(service.Postgres, "dab")
		defer db.Close()
	}

	var images *imagestore.S3
	if len(service.Images.AWSBucketName) > 0 {
		var err error
		images, err = imagestore.NewS3(service.Images)
		if err != nil {
			panic(err)
		}
	}

	bridge := dab.NewBridge(deviceFactory(db, images))
	bridge.SetValidator(dab.NewValidator())
	defer bridge.Close()

	for _, entry := range strings.Split(service.DeviceIDs, ",") {
		deviceID, ipAddress, hasAddr := strings.Cut(strings.TrimSpace(entry), "=")
		if len(deviceID) == 0 {
			continue
		}
		var err error
		if hasAddr {
			_, err = bridge.MakeDeviceInstance(deviceID, ipAddress)
		} else {
			_, err = bridge.MakeDeviceInstance(deviceID)
		}
		if err != nil {
			panic(err)
		}
		rlog.Infoln("device registered:", deviceID)
	}

	if service.EmbeddedBroker {
		go broker.NewBroker(&broker.Builder{Addr: service.BrokerAddr}).Run()
	}

	conn := mqtt.NewConn(&mqtt.Builder{
		BrokerURL: service.BrokerURL,
		ClientID:  service.ClientID,
		Bridge:    bridge,
	})
	if len(service.KafkaBrokers) > 0 {
		kafkaSink := sink.NewKafka(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaSink.Close()
		mqttPublish := bridgePublish(bridge)
		bridge.SetPublishCallback(sink.Tee(mqttPublish, kafkaSink.Publish))
	}
	if err := conn.Connect(); err != nil {
		panic(err)
	}
	defer conn.Close()

	router := mux.NewRouter()
	api.NewAPI(&api.Builder{Router: router, Bridge: bridge})
	go func() {
		rlog.Infoln("status api listening on", service.HTTPAddr)
		if err := http.ListenAndServe(service.HTTPAddr, router); err != nil {
			rlog.WithError(err).Fatalln("status api failed")
		}
	}()

	rlog.Infoln("bridge running")
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	rlog.Infoln("shutting down")
}

// deviceFactory builds the virtual device factory with the configured
// collaborators.
func deviceFactory(db *store.DB, images *imagestore.S3) dab.Factory {
	base := virtual.Factory()
	return dab.Factory{
		IsCompatible: base.IsCompatible,
		New: func(deviceID string, args ...string) (dab.Device, error) {
			var opts []virtual.Option
			if db != nil {
				opts = append(opts, virtual.WithSettingsStore(store.NewSettings(db, deviceID)))
			}
			if images != nil {
				opts = append(opts, virtual.WithImageStore(images))
			}
			ipAddress := "127.0.0.1"
			if len(args) > 0 {
				ipAddress = args[0]
			}
			return virtual.New(deviceID, ipAddress, opts...), nil
		},
	}
}

// bridgePublish returns the publish callback the MQTT connection installed
// on the bridge, so that it can be composed with additional sinks.
func bridgePublish(bridge *dab.Bridge) func(*element.Element) {
	return bridge.PublishCallback()
}
