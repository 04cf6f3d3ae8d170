package dab

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dab-bridge/core/element"
)

// testFactory builds bare clients; compatible controls IsCompatible.
func testFactory(compatible func(string) bool) Factory {
	return Factory{
		IsCompatible: compatible,
		New: func(deviceID string, args ...string) (Device, error) {
			ipAddress := "10.0.0.1"
			if len(args) > 0 {
				ipAddress = args[0]
			}
			return NewClient(deviceID, ipAddress), nil
		},
	}
}

func anyAddress(string) bool { return true }

func TestMakeDeviceInstanceOnDeviceMode(t *testing.T) {
	b := NewBridge(testFactory(func(string) bool { return false }))
	defer b.Close()

	// without args the first factory is used unconditionally
	dev, err := b.MakeDeviceInstance("local")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, []string{"local"}, b.DeviceIDs())
}

func TestMakeDeviceInstanceCompatibilityOrder(t *testing.T) {
	made := ""
	first := Factory{
		IsCompatible: func(arg string) bool { return strings.HasPrefix(arg, "192.") },
		New: func(deviceID string, args ...string) (Device, error) {
			made = "first"
			return NewClient(deviceID, args[0]), nil
		},
	}
	second := Factory{
		IsCompatible: anyAddress,
		New: func(deviceID string, args ...string) (Device, error) {
			made = "second"
			return NewClient(deviceID, args[0]), nil
		},
	}
	b := NewBridge(first, second)
	defer b.Close()

	_, err := b.MakeDeviceInstance("a", "192.168.1.20")
	require.NoError(t, err)
	assert.Equal(t, "first", made)

	_, err = b.MakeDeviceInstance("b", "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "second", made)
}

func TestMakeDeviceInstanceNoCompatibleDevice(t *testing.T) {
	b := NewBridge(testFactory(func(string) bool { return false }))
	defer b.Close()

	_, err := b.MakeDeviceInstance("x", "somewhere")
	require.Error(t, err)
	derr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, int64(400), derr.Code)
	assert.Equal(t, "no compatible devices found", derr.Message)
}

func TestBridgeDispatchRouting(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()
	_, err := b.MakeDeviceInstance("tv1", "192.168.1.20")
	require.NoError(t, err)

	reply := b.Dispatch(makeEnv("dab/tv1/version", nil))
	assert.Equal(t, `{"status":200,"versions":["2.0"]}`, reply.String())
}

func TestBridgeDispatchErrors(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()
	_, err := b.MakeDeviceInstance("tv1", "192.168.1.20")
	require.NoError(t, err)

	reply := b.Dispatch(element.NewObject().Set("payload", map[string]any{}))
	assert.Equal(t, `{"error":"no topic found","status":400}`, reply.String())

	reply = b.Dispatch(makeEnv("dab/unknowndevice/version", nil))
	assert.Equal(t, `{"error":"deviceId does not exist","status":400}`, reply.String())

	reply = b.Dispatch(makeEnv("nodab/tv1/version", nil))
	assert.Equal(t, `{"error":"topic is malformed","status":400}`, reply.String())

	reply = b.Dispatch(makeEnv("dab/justonesegment", nil))
	assert.Equal(t, `{"error":"topic is malformed","status":400}`, reply.String())

	reply = b.Dispatch(element.NewObject().Set("topic", 17))
	assert.Equal(t, `{"error":"topic is malformed","status":400}`, reply.String())
}

func TestDiscoveryBroadcast(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()
	for _, id := range []string{"a", "b", "c"} {
		_, err := b.MakeDeviceInstance(id, "10.0.0."+id)
		require.NoError(t, err)
	}

	rec := &publishRecorder{}
	b.SetPublishCallback(rec.publish)

	reply := b.Dispatch(makeEnv("dab/discovery", nil))

	// the first device in iteration order answers directly
	v, err := reply.Get("deviceId")
	require.NoError(t, err)
	id, _ := v.AsString()
	assert.Equal(t, "a", id)
	assert.Equal(t, int64(200), status(t, reply))

	// the other two answer through the publish callback
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.envelopes, 2)
	var broadcastIDs []string
	for _, env := range rec.envelopes {
		v, err := env.Get("deviceId")
		require.NoError(t, err)
		id, _ := v.AsString()
		broadcastIDs = append(broadcastIDs, id)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, broadcastIDs)
}

func TestDiscoveryOnEmptyBridge(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()

	reply := b.Dispatch(makeEnv("dab/discovery", nil))
	assert.Equal(t, int64(400), status(t, reply))
}

func TestGetTopics(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()
	_, err := b.MakeDeviceInstance("a", "10.0.0.1")
	require.NoError(t, err)
	_, err = b.MakeDeviceInstance("b", "10.0.0.2")
	require.NoError(t, err)

	topics := b.GetTopics()
	assert.Contains(t, topics, "dab/a/operations/list")
	assert.Contains(t, topics, "dab/a/version")
	assert.Contains(t, topics, "dab/b/operations/list")
	assert.Contains(t, topics, "dab/b/version")
	assert.Equal(t, TopicDiscovery, topics[len(topics)-1])
}

func TestSetPublishCallbackPropagates(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()
	dev, err := b.MakeDeviceInstance("tv1", "192.168.1.20")
	require.NoError(t, err)

	rec := &publishRecorder{}
	b.SetPublishCallback(rec.publish)

	c := dev.(*Client)
	c.publish(element.NewObject().Set("topic", "x"))
	assert.Equal(t, 1, rec.countOnTopic("x"))

	// devices created after the callback was set inherit it
	dev2, err := b.MakeDeviceInstance("tv2", "192.168.1.21")
	require.NoError(t, err)
	dev2.(*Client).publish(element.NewObject().Set("topic", "y"))
	assert.Equal(t, 1, rec.countOnTopic("y"))
}

func TestDuplicateDeviceIDLastWriteWins(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()

	_, err := b.MakeDeviceInstance("tv1", "10.0.0.1")
	require.NoError(t, err)
	_, err = b.MakeDeviceInstance("tv1", "10.0.0.2")
	require.NoError(t, err)

	assert.Equal(t, []string{"tv1"}, b.DeviceIDs())
	reply := b.Dispatch(makeEnv("dab/discovery", nil))
	v, err := reply.Get("ip")
	require.NoError(t, err)
	ip, _ := v.AsString()
	assert.Equal(t, "10.0.0.2", ip)
}

func TestBridgeWithValidator(t *testing.T) {
	b := NewBridge(testFactory(anyAddress))
	defer b.Close()
	b.SetValidator(NewValidator())
	_, err := b.MakeDeviceInstance("tv1", "192.168.1.20")
	require.NoError(t, err)

	reply := b.Dispatch(makeEnv("dab/tv1/version", nil))
	assert.Equal(t, int64(200), status(t, reply))

	// a non-string topic is refused by the schema
	reply = b.Dispatch(element.NewObject().Set("topic", 17))
	assert.Equal(t, int64(400), status(t, reply))
}
