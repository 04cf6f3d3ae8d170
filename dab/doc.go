// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package dab implements the Device Automation Bus bridge runtime

A DAB operator sends JSON requests on topics of the form
dab/<deviceId>/<operation>. The Bridge owns a named collection of device
instances, selects one by the deviceId segment of the topic and forwards the
request envelope. The Client is the device base every concrete device builds
on: it carries the per-device dispatch table, extracts named parameters from
the envelope, invokes the device's handler and shapes the reply, and it runs
the telemetry scheduler that publishes periodic samples until stopped.

The package depends on a transport only through the publish callback; the
mqtt package provides the MQTT binding, and replies of the synchronous
dispatch path travel back through the caller.
*/
package dab
