package dab

import (
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/core/logger"
)

// Device is one addressable implementation of the DAB operation set. The
// bridge owns devices and routes envelopes to them by deviceId.
type Device interface {
	// Dispatch handles one request envelope and returns the reply. Errors
	// never escape; they are shaped into {"status":...,"error":...} replies.
	Dispatch(env *element.Element) *element.Element
	// Topics returns the request topics this device serves.
	Topics() []string
	// SetPublishCallback installs the sink for asynchronous messages
	// (telemetry samples, discovery broadcast replies). The callback must be
	// safe for concurrent use.
	SetPublishCallback(fn func(*element.Element))
	// Close stops the device's telemetry worker and waits for it.
	Close()
}

// Sampler produces one device-telemetry payload.
type Sampler func() (*element.Element, error)

// AppSampler produces one telemetry payload for the given application.
type AppSampler func(appID string) (*element.Element, error)

// protocolVersion is the DAB protocol version this runtime implements.
const protocolVersion = "2.0"

// Client is the device client base. It owns the per-device dispatch table,
// provides the built-in operations (operations/list, version, discovery,
// telemetry start/stop) and runs the telemetry scheduler. Concrete devices
// are built by installing handlers with Handle and samplers with
// SetDeviceTelemetry / SetAppTelemetry.
type Client struct {
	deviceID  string
	ipAddress string

	ops map[string]*operation

	publishMu sync.RWMutex
	publishCb func(*element.Element)

	samplerMu     sync.RWMutex
	deviceSampler Sampler
	appSampler    AppSampler

	sched *scheduler
	rlog  *logrus.Entry
}

// NewClient creates a device client for the given deviceId and ipAddress
// with the full DAB 2.0 dispatch table. Only operations/list and version
// start out advertised. The telemetry start/stop operations have built-in
// handlers but stay unadvertised until a sampler is installed; every other
// operation starts out as a stub failing with ErrNotImplemented.
// dab/discovery is served but never advertised.
func NewClient(deviceID, ipAddress string) *Client {
	c := &Client{
		deviceID:  deviceID,
		ipAddress: ipAddress,
		ops:       make(map[string]*operation, len(catalog)+1),
		rlog:      logger.Default().WithField("deviceId", deviceID),
	}

	for _, entry := range catalog {
		op := &operation{
			topic:    c.topicFor(entry.suffix),
			fixed:    entry.fixed,
			optional: entry.optional,
			handler:  unsupported,
		}
		switch entry.suffix {
		case OpOperationsList:
			op.handler = c.opList
			op.implemented = true
		case OpVersion:
			op.handler = c.version
			op.implemented = true
		case OpDeviceTelemetryStart:
			op.handler = c.deviceTelemetryStart
		case OpDeviceTelemetryStop:
			op.handler = c.deviceTelemetryStop
		case OpAppTelemetryStart:
			op.handler = c.appTelemetryStart
		case OpAppTelemetryStop:
			op.handler = c.appTelemetryStop
		}
		c.ops[op.topic] = op
	}
	c.ops[TopicDiscovery] = &operation{
		topic:   TopicDiscovery,
		handler: c.discovery,
	}

	c.sched = newScheduler(c.publish, c.rlog)
	return c
}

func unsupported(Args) (*element.Element, error) {
	return nil, ErrNotImplemented
}

func (c *Client) topicFor(suffix string) string {
	return "dab/" + c.deviceID + "/" + suffix
}

// DeviceID returns the deviceId this client serves.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// IPAddress returns the address reported by discovery.
func (c *Client) IPAddress() string {
	return c.ipAddress
}

// Handle overrides the stub for the given topic suffix and marks the
// operation as implemented, so that operations/list advertises it. The
// suffix must be part of the operation catalog; anything else is a
// programmer error and panics.
func (c *Client) Handle(suffix string, h HandlerFunc) *Client {
	op, ok := c.ops[c.topicFor(suffix)]
	if !ok {
		panic("dab: unknown operation " + suffix)
	}
	op.handler = h
	op.implemented = true
	return c
}

// SetDeviceTelemetry installs the device-telemetry sampler and advertises
// the device-telemetry start/stop operations.
func (c *Client) SetDeviceTelemetry(s Sampler) *Client {
	c.samplerMu.Lock()
	c.deviceSampler = s
	c.samplerMu.Unlock()
	c.ops[c.topicFor(OpDeviceTelemetryStart)].implemented = true
	c.ops[c.topicFor(OpDeviceTelemetryStop)].implemented = true
	return c
}

// SetAppTelemetry installs the per-application telemetry sampler and
// advertises the app-telemetry start/stop operations.
func (c *Client) SetAppTelemetry(s AppSampler) *Client {
	c.samplerMu.Lock()
	c.appSampler = s
	c.samplerMu.Unlock()
	c.ops[c.topicFor(OpAppTelemetryStart)].implemented = true
	c.ops[c.topicFor(OpAppTelemetryStop)].implemented = true
	return c
}

// SetPublishCallback implements Device.
func (c *Client) SetPublishCallback(fn func(*element.Element)) {
	c.publishMu.Lock()
	c.publishCb = fn
	c.publishMu.Unlock()
}

// publish hands an envelope to the publish callback, if one is installed.
func (c *Client) publish(env *element.Element) {
	c.publishMu.RLock()
	fn := c.publishCb
	c.publishMu.RUnlock()
	if fn == nil {
		c.rlog.Warnln("publish without callback, dropping message")
		return
	}
	fn(env)
}

// Topics implements Device: every advertised request topic of this device.
func (c *Client) Topics() []string {
	topics := make([]string, 0, len(c.ops))
	for topic, op := range c.ops {
		if op.implemented {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// Close implements Device. It stops the telemetry worker and waits for an
// in-flight sampler to finish.
func (c *Client) Close() {
	c.sched.shutdown()
}

// Dispatch implements Device. It looks the envelope's topic up in the
// dispatch table, extracts parameters, invokes the handler and shapes the
// reply. An unknown topic yields the empty reply; every reply carries a
// status field, 200 unless the handler set one or failed.
func (c *Client) Dispatch(env *element.Element) (rsp *element.Element) {
	defer func() {
		if r := recover(); r != nil {
			c.rlog.Errorln("dispatch panic:", r)
			rsp = errorReply(400, "unable to parse request")
		}
	}()

	topicElem, err := env.Get("topic")
	if err != nil {
		return errorReply(400, "unable to parse request")
	}
	topic, err := topicElem.AsString()
	if err != nil {
		return errorReply(400, "unable to parse request")
	}

	rsp = element.New(nil)
	if op, ok := c.ops[topic]; ok {
		var opErr error
		rsp, opErr = op.invoke(env)
		if opErr != nil {
			if derr, ok := opErr.(*Error); ok {
				return errorReply(derr.Code, derr.Message)
			}
			return errorReply(400, "unable to parse request")
		}
	}
	if !rsp.Has("status") {
		rsp.Set("status", 200)
	}
	return rsp
}

// errorReply shapes a protocol error into a reply object.
func errorReply(code int64, message string) *element.Element {
	return element.NewObject().Set("status", code).Set("error", message)
}

// ------------------------------------------------------------- built-ins

// opList returns the advertised operations with the dab/<deviceId>/ prefix
// trimmed, in lexicographic topic order.
func (c *Client) opList(Args) (*element.Element, error) {
	prefix := "dab/" + c.deviceID + "/"
	rsp := element.NewObject()
	list := rsp.At("operations")
	for _, topic := range c.Topics() {
		list.Append(strings.TrimPrefix(topic, prefix))
	}
	return rsp, nil
}

func (c *Client) version(Args) (*element.Element, error) {
	rsp := element.NewObject()
	rsp.At("versions").Append(protocolVersion)
	return rsp, nil
}

func (c *Client) discovery(Args) (*element.Element, error) {
	return element.NewObject().Set("ip", c.ipAddress).Set("deviceId", c.deviceID), nil
}

func (c *Client) deviceTelemetryStart(args Args) (*element.Element, error) {
	durationMs := args.Int(0)
	c.samplerMu.RLock()
	sampler := c.deviceSampler
	c.samplerMu.RUnlock()
	if sampler == nil {
		return nil, Errorf(400, "device telemetry not supported")
	}
	c.sched.add(millis(durationMs), "", c.topicFor("device-telemetry/metrics"), func() (*element.Element, error) {
		return sampler()
	})
	return element.NewObject().Set("duration", durationMs), nil
}

func (c *Client) deviceTelemetryStop(Args) (*element.Element, error) {
	c.sched.remove("")
	return nil, nil
}

func (c *Client) appTelemetryStart(args Args) (*element.Element, error) {
	appID := args.String(0)
	durationMs := args.Int(1)
	c.samplerMu.RLock()
	sampler := c.appSampler
	c.samplerMu.RUnlock()
	if sampler == nil {
		return nil, Errorf(400, "app telemetry not supported")
	}
	c.sched.add(millis(durationMs), appID, c.topicFor("app-telemetry/metrics/"+appID), func() (*element.Element, error) {
		return sampler(appID)
	})
	return element.NewObject().Set("duration", durationMs), nil
}

func (c *Client) appTelemetryStop(args Args) (*element.Element, error) {
	c.sched.remove(args.String(0))
	return nil, nil
}
