package dab

// catalogEntry describes one operation of the DAB 2.0 operation set: the
// topic suffix below dab/<deviceId>, and the names of its fixed and optional
// parameters.
type catalogEntry struct {
	suffix   string
	fixed    []string
	optional []string
}

// The DAB 2.0 operation catalog. The dispatch table of every device is
// built from this list; which entries a concrete device actually supports
// is decided by the handlers it installs.
var catalog = []catalogEntry{
	{OpOperationsList, nil, nil},
	{OpApplicationsList, nil, nil},
	{OpApplicationsLaunch, []string{"appId"}, []string{"parameters"}},
	{OpApplicationsLaunchWithContent, []string{"appId", "contentId"}, []string{"parameters"}},
	{OpApplicationsGetState, []string{"appId"}, nil},
	{OpApplicationsExit, []string{"appId"}, []string{"background"}},
	{OpDeviceInfo, nil, nil},
	{OpSystemRestart, nil, nil},
	{OpSystemSettingsList, nil, nil},
	{OpSystemSettingsGet, nil, nil},
	{OpSystemSettingsSet, []string{"*"}, nil},
	{OpInputKeyList, nil, nil},
	{OpInputKeyPress, []string{"keyCode"}, nil},
	{OpInputLongKeyPress, []string{"keyCode", "durationMs"}, nil},
	{OpOutputImage, nil, nil},
	{OpDeviceTelemetryStart, []string{"duration"}, nil},
	{OpDeviceTelemetryStop, nil, nil},
	{OpAppTelemetryStart, []string{"appId", "duration"}, nil},
	{OpAppTelemetryStop, []string{"appId"}, nil},
	{OpHealthCheckGet, nil, nil},
	{OpVoiceList, nil, nil},
	{OpVoiceSet, []string{"voiceSystem"}, nil},
	{OpVoiceSendAudio, []string{"fileLocation"}, []string{"voiceSystem"}},
	{OpVoiceSendText, []string{"requestText"}, []string{"voiceSystem"}},
	{OpVersion, nil, nil},
}

// Topic suffixes of the DAB 2.0 operation set.
const (
	OpOperationsList                = "operations/list"
	OpApplicationsList              = "applications/list"
	OpApplicationsLaunch            = "applications/launch"
	OpApplicationsLaunchWithContent = "applications/launch-with-content"
	OpApplicationsGetState          = "applications/get-state"
	OpApplicationsExit              = "applications/exit"
	OpDeviceInfo                    = "device/info"
	OpSystemRestart                 = "system/restart"
	OpSystemSettingsList            = "system/settings/list"
	OpSystemSettingsGet             = "system/settings/get"
	OpSystemSettingsSet             = "system/settings/set"
	OpInputKeyList                  = "input/key/list"
	OpInputKeyPress                 = "input/key-press"
	OpInputLongKeyPress             = "input/long-key-press"
	OpOutputImage                   = "output/image"
	OpDeviceTelemetryStart          = "device-telemetry/start"
	OpDeviceTelemetryStop           = "device-telemetry/stop"
	OpAppTelemetryStart             = "app-telemetry/start"
	OpAppTelemetryStop              = "app-telemetry/stop"
	OpHealthCheckGet                = "health-check/get"
	OpVoiceList                     = "voice/list"
	OpVoiceSet                      = "voice/set"
	OpVoiceSendAudio                = "voice/send-audio"
	OpVoiceSendText                 = "voice/send-text"
	OpVersion                       = "version"
)

// TopicDiscovery is the cross-device discovery pseudo-topic. It carries no
// deviceId segment.
const TopicDiscovery = "dab/discovery"
