package dab

import (
	"sort"
	"strings"
	"sync"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/core/logger"
)

// Factory describes one device-client class the bridge can instantiate.
// IsCompatible is probed with the first construction argument (by
// convention the device's ip address); the first compatible factory wins.
type Factory struct {
	IsCompatible func(arg string) bool
	New          func(deviceID string, args ...string) (Device, error)
}

// Bridge multiplexes request envelopes over a named collection of device
// instances. Topics of the form dab/<deviceId>/<operation> route to the
// instance registered under deviceId; dab/discovery is broadcast to all.
type Bridge struct {
	factories []Factory

	mu        sync.RWMutex
	instances map[string]Device

	publishMu sync.RWMutex
	publishCb func(*element.Element)

	validator *Validator
}

// NewBridge creates a bridge with the given device-client factories, tried
// in order by MakeDeviceInstance.
func NewBridge(factories ...Factory) *Bridge {
	if len(factories) == 0 {
		panic("dab: bridge needs at least one device factory")
	}
	return &Bridge{
		factories: factories,
		instances: make(map[string]Device),
	}
}

// SetValidator installs an optional request-envelope validator. Envelopes
// failing validation are rejected with a 400 reply before routing.
func (b *Bridge) SetValidator(v *Validator) {
	b.validator = v
}

// MakeDeviceInstance constructs a device for deviceId. With no args the
// first factory is used unconditionally ("on-device mode"); otherwise the
// factories' IsCompatible is probed with args[0] in order. A second
// instance under the same deviceId replaces the first, which is closed.
func (b *Bridge) MakeDeviceInstance(deviceID string, args ...string) (Device, error) {
	var dev Device
	var err error
	if len(args) == 0 {
		dev, err = b.factories[0].New(deviceID)
	} else {
		for _, f := range b.factories {
			if f.IsCompatible != nil && f.IsCompatible(args[0]) {
				dev, err = f.New(deviceID, args...)
				break
			}
		}
		if dev == nil && err == nil {
			return nil, Errorf(400, "no compatible devices found")
		}
	}
	if err != nil {
		return nil, err
	}

	b.publishMu.RLock()
	cb := b.publishCb
	b.publishMu.RUnlock()
	if cb != nil {
		dev.SetPublishCallback(cb)
	}

	b.mu.Lock()
	old := b.instances[deviceID]
	b.instances[deviceID] = dev
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return dev, nil
}

// deviceIDs returns the registered ids in lexicographic order.
func (b *Bridge) deviceIDs() []string {
	ids := make([]string, 0, len(b.instances))
	for id := range b.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeviceIDs returns the registered deviceIds in lexicographic order.
func (b *Bridge) DeviceIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deviceIDs()
}

// Device returns the instance registered under deviceId, or nil.
func (b *Bridge) Device(deviceID string) Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.instances[deviceID]
}

// Dispatch routes one request envelope and returns the reply. For
// dab/discovery the first device's reply is returned directly and every
// further device's reply is handed to the publish callback. Errors are
// shaped into 400 replies; they never escape.
func (b *Bridge) Dispatch(env *element.Element) *element.Element {
	_, rlog := logger.ContextWithLogger(nil)

	if b.validator != nil {
		if err := b.validator.Validate(env); err != nil {
			if derr, ok := err.(*Error); ok {
				return errorReply(derr.Code, derr.Message)
			}
			return errorReply(400, "unable to parse request")
		}
	}

	if !env.Has("topic") {
		return errorReply(400, "no topic found")
	}
	topicElem, _ := env.Get("topic")
	topic, err := topicElem.AsString()
	if err != nil {
		return errorReply(400, "topic is malformed")
	}

	if topic == TopicDiscovery {
		b.mu.RLock()
		ids := b.deviceIDs()
		devices := make([]Device, len(ids))
		for i, id := range ids {
			devices[i] = b.instances[id]
		}
		b.mu.RUnlock()

		if len(devices) == 0 {
			return errorReply(400, "no devices registered")
		}
		for _, dev := range devices[1:] {
			reply := dev.Dispatch(env)
			b.publishMu.RLock()
			cb := b.publishCb
			b.publishMu.RUnlock()
			if cb != nil {
				cb(reply)
			} else {
				rlog.Warnln("discovery broadcast without publish callback")
			}
		}
		return devices[0].Dispatch(env)
	}

	if !strings.HasPrefix(topic, "dab/") {
		return errorReply(400, "topic is malformed")
	}
	rest := topic[len("dab/"):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return errorReply(400, "topic is malformed")
	}
	deviceID := rest[:slash]

	b.mu.RLock()
	dev := b.instances[deviceID]
	b.mu.RUnlock()
	if dev == nil {
		return errorReply(400, "deviceId does not exist")
	}
	rlog.Debugln("dispatching", topic)
	return dev.Dispatch(env)
}

// GetTopics returns the request topics of every device plus dab/discovery,
// for transport subscription.
func (b *Bridge) GetTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var topics []string
	for _, id := range b.deviceIDs() {
		topics = append(topics, b.instances[id].Topics()...)
	}
	topics = append(topics, TopicDiscovery)
	return topics
}

// SetPublishCallback installs the asynchronous message sink and propagates
// it to every device. The callback must be safe for concurrent use.
func (b *Bridge) SetPublishCallback(fn func(*element.Element)) {
	b.publishMu.Lock()
	b.publishCb = fn
	b.publishMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, dev := range b.instances {
		dev.SetPublishCallback(fn)
	}
}

// PublishCallback returns the currently installed publish callback, nil if
// none is set. Mains use it to compose the transport callback with
// additional sinks.
func (b *Bridge) PublishCallback() func(*element.Element) {
	b.publishMu.RLock()
	defer b.publishMu.RUnlock()
	return b.publishCb
}

// Close closes every device instance.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, dev := range b.instances {
		dev.Close()
		delete(b.instances, id)
	}
}
