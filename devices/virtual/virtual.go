/*
Package virtual provides an emulated media device implementing the DAB
operation set.

The device keeps its application and settings state in memory. It is the
reference implementation for writing real device adapters, the default
device class of the bridge service, and the workhorse of the protocol test
suites. Settings can optionally be persisted through a store.Settings
accessor. output/image is served only when an S3 image store is configured;
without one it stays an unadvertised stub that replies 501.
*/
package virtual

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"

	"github.com/relabs-tech/dab-bridge/core/element"
	"github.com/relabs-tech/dab-bridge/dab"
	"github.com/relabs-tech/dab-bridge/imagestore"
	"github.com/relabs-tech/dab-bridge/store"
)

// application lifecycle states
const (
	StateStopped    = "STOPPED"
	StateForeground = "FOREGROUND"
	StateBackground = "BACKGROUND"
)

// the key codes the emulated remote control understands
var keyCodes = []string{
	"KEY_POWER", "KEY_HOME", "KEY_BACK", "KEY_MENU", "KEY_OK",
	"KEY_UP", "KEY_DOWN", "KEY_LEFT", "KEY_RIGHT",
	"KEY_VOLUME_UP", "KEY_VOLUME_DOWN", "KEY_MUTE",
	"KEY_CHANNEL_UP", "KEY_CHANNEL_DOWN", "KEY_EXIT",
	"KEY_PLAY", "KEY_PAUSE", "KEY_STOP",
}

// Device is the emulated device. It embeds the client base and installs
// handlers for every operation.
type Device struct {
	*dab.Client

	mu       sync.Mutex
	apps     map[string]string // appId -> state
	settings map[string]*element.Element
	voice    map[string]bool // voice system -> enabled

	persisted *store.Settings
	images    *imagestore.S3
}

// Option configures optional collaborators of the device.
type Option func(*Device)

// WithSettingsStore persists settings through the given accessor.
func WithSettingsStore(s *store.Settings) Option {
	return func(d *Device) {
		d.persisted = s
	}
}

// WithImageStore backs output/image with the given S3 store.
func WithImageStore(s *imagestore.S3) Option {
	return func(d *Device) {
		d.images = s
	}
}

// IsCompatible reports whether this device class can serve the given
// address. The emulated device accepts any parseable IP address.
func IsCompatible(ipAddress string) bool {
	return net.ParseIP(ipAddress) != nil
}

// Factory returns the dab.Factory for this device class with the given
// options applied to every instance.
func Factory(opts ...Option) dab.Factory {
	return dab.Factory{
		IsCompatible: IsCompatible,
		New: func(deviceID string, args ...string) (dab.Device, error) {
			ipAddress := "127.0.0.1"
			if len(args) > 0 {
				ipAddress = args[0]
			}
			return New(deviceID, ipAddress, opts...), nil
		},
	}
}

// New creates an emulated device for the given deviceId and ipAddress.
func New(deviceID, ipAddress string, opts ...Option) *Device {
	d := &Device{
		Client: dab.NewClient(deviceID, ipAddress),
		apps: map[string]string{
			"netflix":     StateStopped,
			"youtube":     StateStopped,
			"primevideo":  StateStopped,
			"settingsapp": StateStopped,
		},
		settings: map[string]*element.Element{
			"language":         element.New("en-US"),
			"outputResolution": element.New("1080p"),
			"memc":             element.New(false),
			"cec":              element.New(true),
		},
		voice: map[string]bool{
			"alexa":           false,
			"googleAssistant": false,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.persisted != nil {
		d.loadSettings()
	}

	d.Handle(dab.OpApplicationsList, d.appList)
	d.Handle(dab.OpApplicationsLaunch, d.appLaunch)
	d.Handle(dab.OpApplicationsLaunchWithContent, d.appLaunchWithContent)
	d.Handle(dab.OpApplicationsGetState, d.appGetState)
	d.Handle(dab.OpApplicationsExit, d.appExit)
	d.Handle(dab.OpDeviceInfo, d.deviceInfo)
	d.Handle(dab.OpSystemRestart, d.systemRestart)
	d.Handle(dab.OpSystemSettingsList, d.settingsList)
	d.Handle(dab.OpSystemSettingsGet, d.settingsGet)
	d.Handle(dab.OpSystemSettingsSet, d.settingsSet)
	d.Handle(dab.OpInputKeyList, d.keyList)
	d.Handle(dab.OpInputKeyPress, d.keyPress)
	d.Handle(dab.OpInputLongKeyPress, d.longKeyPress)
	d.Handle(dab.OpHealthCheckGet, d.healthCheck)
	d.Handle(dab.OpVoiceList, d.voiceList)
	d.Handle(dab.OpVoiceSet, d.voiceSet)
	d.Handle(dab.OpVoiceSendAudio, d.voiceSendAudio)
	d.Handle(dab.OpVoiceSendText, d.voiceSendText)
	if d.images != nil {
		d.Handle(dab.OpOutputImage, d.outputImage)
	}
	d.SetDeviceTelemetry(d.deviceTelemetry)
	d.SetAppTelemetry(d.appTelemetry)

	return d
}

func (d *Device) loadSettings() {
	values, err := d.persisted.List()
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, raw := range values {
		if v, err := element.Parse(raw); err == nil {
			d.settings[key] = v
		}
	}
}

// ------------------------------------------------------------ applications

func (d *Device) appList(dab.Args) (*element.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.apps))
	for id := range d.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rsp := element.NewObject()
	list := rsp.At("applications")
	for _, id := range ids {
		list.Append(element.NewObject().Set("appId", id))
	}
	return rsp, nil
}

func (d *Device) appLaunch(args dab.Args) (*element.Element, error) {
	return d.launch(args.String(0))
}

func (d *Device) appLaunchWithContent(args dab.Args) (*element.Element, error) {
	// contentId selects what the app shows; the emulation only tracks state
	return d.launch(args.String(0))
}

func (d *Device) launch(appID string) (*element.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.apps[appID]; !ok {
		return nil, dab.Errorf(404, "no such application \"%s\"", appID)
	}
	for id, state := range d.apps {
		if state == StateForeground {
			d.apps[id] = StateBackground
		}
	}
	d.apps[appID] = StateForeground
	return nil, nil
}

func (d *Device) appGetState(args dab.Args) (*element.Element, error) {
	appID := args.String(0)
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.apps[appID]
	if !ok {
		state = StateStopped
	}
	return element.NewObject().Set("state", state), nil
}

func (d *Device) appExit(args dab.Args) (*element.Element, error) {
	appID := args.String(0)
	background := args.Bool(1)
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.apps[appID]; !ok {
		return nil, dab.Errorf(404, "no such application \"%s\"", appID)
	}
	if background {
		d.apps[appID] = StateBackground
	} else {
		d.apps[appID] = StateStopped
	}
	return element.NewObject().Set("state", d.apps[appID]), nil
}

// ----------------------------------------------------------------- device

func (d *Device) deviceInfo(dab.Args) (*element.Element, error) {
	rsp := element.NewObject()
	rsp.Set("manufacturer", "relabs")
	rsp.Set("model", "virtual-device")
	rsp.Set("serialNumber", d.DeviceID())
	rsp.Set("chipset", "emulated")
	rsp.Set("firmwareVersion", "1.0.0")
	iface := element.NewObject().
		Set("connected", true).
		Set("interface", "ethernet").
		Set("ipAddress", d.IPAddress())
	rsp.At("networkInterfaces").Append(iface)
	return rsp, nil
}

func (d *Device) systemRestart(dab.Args) (*element.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.apps {
		d.apps[id] = StateStopped
	}
	return nil, nil
}

// ---------------------------------------------------------------- settings

func (d *Device) settingsList(dab.Args) (*element.Element, error) {
	rsp := element.NewObject()
	rsp.At("language").Append("en-US").Append("de-DE").Append("fr-FR")
	rsp.At("outputResolution").Append("720p").Append("1080p").Append("2160p")
	rsp.Set("memc", true)
	rsp.Set("cec", true)
	return rsp, nil
}

func (d *Device) settingsGet(dab.Args) (*element.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rsp := element.NewObject()
	for key, value := range d.settings {
		rsp.Set(key, value)
	}
	return rsp, nil
}

// settingsSet receives the whole envelope (the operation's fixed parameter
// is "*") and applies every payload field as a setting.
func (d *Device) settingsSet(args dab.Args) (*element.Element, error) {
	env := args.Element(0)
	payload, err := env.Get("payload")
	if err != nil {
		return nil, dab.Errorf(400, "missing settings payload")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rsp := element.NewObject()
	for _, key := range payload.Keys() {
		value, err := payload.Get(key)
		if err != nil {
			continue
		}
		if _, ok := d.settings[key]; !ok {
			return nil, dab.Errorf(400, "unknown setting \"%s\"", key)
		}
		d.settings[key] = value.Clone()
		rsp.Set(key, value)
		if d.persisted != nil {
			if err := d.persisted.Write(key, json.RawMessage(value.JSON())); err != nil {
				return nil, dab.Errorf(500, "cannot persist setting \"%s\"", key)
			}
		}
	}
	return rsp, nil
}

// ------------------------------------------------------------------- input

func (d *Device) keyList(dab.Args) (*element.Element, error) {
	rsp := element.NewObject()
	list := rsp.At("keyCodes")
	for _, code := range keyCodes {
		list.Append(code)
	}
	return rsp, nil
}

func (d *Device) keyPress(args dab.Args) (*element.Element, error) {
	keyCode := args.String(0)
	if !d.knownKey(keyCode) {
		return nil, dab.Errorf(400, "unsupported key code \"%s\"", keyCode)
	}
	return nil, nil
}

func (d *Device) longKeyPress(args dab.Args) (*element.Element, error) {
	keyCode := args.String(0)
	durationMs := args.Int(1)
	if !d.knownKey(keyCode) {
		return nil, dab.Errorf(400, "unsupported key code \"%s\"", keyCode)
	}
	if durationMs <= 0 {
		return nil, dab.Errorf(400, "durationMs must be positive")
	}
	return nil, nil
}

func (d *Device) knownKey(keyCode string) bool {
	for _, code := range keyCodes {
		if code == keyCode {
			return true
		}
	}
	return false
}

// ------------------------------------------------------------------ output

func (d *Device) outputImage(dab.Args) (*element.Element, error) {
	key := d.DeviceID() + "/" + uuid.NewString() + ".png"
	if err := d.images.Upload(key, emptyPNG, "image/png"); err != nil {
		return nil, dab.Errorf(500, "cannot store output image")
	}
	url, err := d.images.GetPreSignedURL(key, 15*time.Minute)
	if err != nil {
		return nil, dab.Errorf(500, "cannot store output image")
	}
	return element.NewObject().Set("outputImage", url), nil
}

// emptyPNG is a 1x1 transparent PNG, the emulated screen content.
var emptyPNG = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89, 0x00, 0x00, 0x00,
	0x0D, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9C, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82,
}

// ------------------------------------------------------------------ health

func (d *Device) healthCheck(dab.Args) (*element.Element, error) {
	return element.NewObject().Set("healthy", true), nil
}

// ------------------------------------------------------------------- voice

func (d *Device) voiceList(args dab.Args) (*element.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.voice))
	for name := range d.voice {
		names = append(names, name)
	}
	sort.Strings(names)

	rsp := element.NewObject()
	list := rsp.At("voiceSystems")
	for _, name := range names {
		list.Append(element.NewObject().Set("name", name).Set("enabled", d.voice[name]))
	}
	return rsp, nil
}

// voiceSet takes a voiceSystem object {"name":...,"enabled":...}
func (d *Device) voiceSet(args dab.Args) (*element.Element, error) {
	system := args.Element(0)
	name, err := system.Get("name")
	if err != nil {
		return nil, dab.Errorf(400, "voiceSystem requires a name")
	}
	nameStr, err := name.AsString()
	if err != nil {
		return nil, dab.Errorf(400, "voiceSystem requires a name")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.voice[nameStr]; !ok {
		return nil, dab.Errorf(400, "unknown voice system \"%s\"", nameStr)
	}
	enabled := false
	if e, err := system.Get("enabled"); err == nil {
		enabled, _ = e.AsBool()
	}
	d.voice[nameStr] = enabled
	return element.NewObject().Set("voiceSystem",
		element.NewObject().Set("name", nameStr).Set("enabled", enabled)), nil
}

func (d *Device) voiceSendAudio(args dab.Args) (*element.Element, error) {
	fileLocation := args.String(0)
	if len(fileLocation) == 0 {
		return nil, dab.Errorf(400, "fileLocation must not be empty")
	}
	if err := d.checkVoiceSystem(args.String(1)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Device) voiceSendText(args dab.Args) (*element.Element, error) {
	requestText := args.String(0)
	if len(requestText) == 0 {
		return nil, dab.Errorf(400, "requestText must not be empty")
	}
	if err := d.checkVoiceSystem(args.String(1)); err != nil {
		return nil, err
	}
	return nil, nil
}

// checkVoiceSystem accepts the empty string (the default system is used).
func (d *Device) checkVoiceSystem(name string) error {
	if len(name) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.voice[name]; !ok {
		return dab.Errorf(400, "unknown voice system \"%s\"", name)
	}
	return nil
}

// --------------------------------------------------------------- telemetry

// deviceTelemetry samples synthetic memory and cpu gauges.
func (d *Device) deviceTelemetry() (*element.Element, error) {
	return element.NewObject().
		Set("timestamp", time.Now().UnixMilli()).
		Set("memoryUsedKb", int64(128*1024)).
		Set("cpuPercent", int64(7)), nil
}

// appTelemetry samples one application's synthetic gauges.
func (d *Device) appTelemetry(appID string) (*element.Element, error) {
	d.mu.Lock()
	state, ok := d.apps[appID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such application %q", appID)
	}
	return element.NewObject().
		Set("timestamp", time.Now().UnixMilli()).
		Set("appId", appID).
		Set("state", state).
		Set("memoryUsedKb", int64(64*1024)), nil
}
