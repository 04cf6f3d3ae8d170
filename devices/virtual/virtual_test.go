package virtual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/dab"
)

func request(t *testing.T, d *Device, topic string, payload map[string]any) *element.Element {
	t.Helper()
	env := element.NewObject().Set("topic", topic)
	if payload != nil {
		env.Set("payload", payload)
	}
	return d.Dispatch(env)
}

func replyStatus(t *testing.T, reply *element.Element) int64 {
	t.Helper()
	v, err := reply.Get("status")
	require.NoError(t, err)
	code, err := v.AsInt()
	require.NoError(t, err)
	return code
}

func TestIsCompatible(t *testing.T) {
	assert.True(t, IsCompatible("192.168.1.20"))
	assert.True(t, IsCompatible("::1"))
	assert.False(t, IsCompatible("not-an-address"))
	assert.False(t, IsCompatible(""))
}

func TestApplicationLifecycle(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/applications/get-state", map[string]any{"appId": "netflix"})
	assert.Equal(t, `{"state":"STOPPED","status":200}`, reply.String())

	reply = request(t, d, "dab/tv1/applications/launch", map[string]any{"appId": "netflix"})
	assert.Equal(t, int64(200), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/applications/get-state", map[string]any{"appId": "netflix"})
	assert.Equal(t, `{"state":"FOREGROUND","status":200}`, reply.String())

	// launching another app pushes the first to the background
	request(t, d, "dab/tv1/applications/launch", map[string]any{"appId": "youtube"})
	reply = request(t, d, "dab/tv1/applications/get-state", map[string]any{"appId": "netflix"})
	assert.Equal(t, `{"state":"BACKGROUND","status":200}`, reply.String())

	reply = request(t, d, "dab/tv1/applications/exit", map[string]any{"appId": "youtube"})
	assert.Equal(t, `{"state":"STOPPED","status":200}`, reply.String())

	reply = request(t, d, "dab/tv1/applications/exit",
		map[string]any{"appId": "netflix", "background": true})
	assert.Equal(t, `{"state":"BACKGROUND","status":200}`, reply.String())
}

func TestLaunchUnknownApplication(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/applications/launch", map[string]any{"appId": "doom"})
	assert.Equal(t, int64(404), replyStatus(t, reply))
}

func TestApplicationList(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/applications/list", nil)
	require.Equal(t, int64(200), replyStatus(t, reply))
	apps, err := reply.Get("applications")
	require.NoError(t, err)
	assert.Equal(t, 4, apps.Len())
	first, err := apps.GetIndex(0)
	require.NoError(t, err)
	assert.True(t, first.Has("appId"))
}

func TestSystemRestartStopsApplications(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	request(t, d, "dab/tv1/applications/launch", map[string]any{"appId": "netflix"})
	reply := request(t, d, "dab/tv1/system/restart", nil)
	assert.Equal(t, int64(200), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/applications/get-state", map[string]any{"appId": "netflix"})
	assert.Equal(t, `{"state":"STOPPED","status":200}`, reply.String())
}

func TestSettings(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/system/settings/get", nil)
	require.Equal(t, int64(200), replyStatus(t, reply))
	v, err := reply.Get("language")
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "en-US", s)

	reply = request(t, d, "dab/tv1/system/settings/set", map[string]any{"language": "de-DE"})
	require.Equal(t, int64(200), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/system/settings/get", nil)
	v, err = reply.Get("language")
	require.NoError(t, err)
	s, _ = v.AsString()
	assert.Equal(t, "de-DE", s)

	// unknown settings are refused
	reply = request(t, d, "dab/tv1/system/settings/set", map[string]any{"bogus": 1})
	assert.Equal(t, int64(400), replyStatus(t, reply))
}

func TestKeyInput(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/input/key/list", nil)
	require.Equal(t, int64(200), replyStatus(t, reply))
	codes, err := reply.Get("keyCodes")
	require.NoError(t, err)
	assert.Equal(t, len(keyCodes), codes.Len())

	reply = request(t, d, "dab/tv1/input/key-press", map[string]any{"keyCode": "KEY_OK"})
	assert.Equal(t, int64(200), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/input/key-press", map[string]any{"keyCode": "KEY_BOGUS"})
	assert.Equal(t, int64(400), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/input/long-key-press",
		map[string]any{"keyCode": "KEY_OK", "durationMs": 500})
	assert.Equal(t, int64(200), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/input/long-key-press",
		map[string]any{"keyCode": "KEY_OK", "durationMs": -1})
	assert.Equal(t, int64(400), replyStatus(t, reply))
}

func TestVoice(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/voice/list", nil)
	require.Equal(t, int64(200), replyStatus(t, reply))
	systems, err := reply.Get("voiceSystems")
	require.NoError(t, err)
	assert.Equal(t, 2, systems.Len())

	reply = request(t, d, "dab/tv1/voice/set",
		map[string]any{"voiceSystem": map[string]any{"name": "alexa", "enabled": true}})
	assert.Equal(t, int64(200), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/voice/set",
		map[string]any{"voiceSystem": map[string]any{"name": "cortana", "enabled": true}})
	assert.Equal(t, int64(400), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/voice/send-text",
		map[string]any{"requestText": "play some jazz", "voiceSystem": "alexa"})
	assert.Equal(t, int64(200), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/voice/send-text",
		map[string]any{"requestText": "play some jazz", "voiceSystem": "cortana"})
	assert.Equal(t, int64(400), replyStatus(t, reply))

	reply = request(t, d, "dab/tv1/voice/send-audio",
		map[string]any{"fileLocation": "/tmp/clip.wav"})
	assert.Equal(t, int64(200), replyStatus(t, reply))
}

func TestDeviceInfo(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/device/info", nil)
	require.Equal(t, int64(200), replyStatus(t, reply))
	ifaces, err := reply.Get("networkInterfaces")
	require.NoError(t, err)
	iface, err := ifaces.GetIndex(0)
	require.NoError(t, err)
	v, err := iface.Get("ipAddress")
	require.NoError(t, err)
	ip, _ := v.AsString()
	assert.Equal(t, "192.168.1.20", ip)
}

func TestHealthCheck(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/health-check/get", nil)
	assert.Equal(t, `{"healthy":true,"status":200}`, reply.String())
}

func TestOperationsListAdvertisesHandlers(t *testing.T) {
	d := New("tv1", "192.168.1.20")
	defer d.Close()

	reply := request(t, d, "dab/tv1/operations/list", nil)
	require.Equal(t, int64(200), replyStatus(t, reply))
	ops, err := reply.Get("operations")
	require.NoError(t, err)

	var names []string
	for _, v := range ops.Values() {
		s, err := v.AsString()
		require.NoError(t, err)
		names = append(names, s)
	}
	assert.Contains(t, names, dab.OpApplicationsLaunch)
	assert.Contains(t, names, dab.OpDeviceTelemetryStart)
	assert.Contains(t, names, dab.OpVoiceSendText)
	// no image store configured, output/image stays unadvertised
	assert.NotContains(t, names, dab.OpOutputImage)
}

func TestFactorySelectsByAddress(t *testing.T) {
	f := Factory()
	assert.True(t, f.IsCompatible("192.168.1.20"))
	assert.False(t, f.IsCompatible("hostname"))

	dev, err := f.New("tv1", "192.168.1.20")
	require.NoError(t, err)
	defer dev.Close()
}
