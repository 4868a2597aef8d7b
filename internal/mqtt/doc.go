// Package mqtt connects chatty to an MQTT broker. It carries the
// device_command tool's messages to devices, relays scheduler events,
// and registers chatty with Home Assistant as a device whose sensors
// report uptime, active sessions and pending tasks.
//
// Connection management, including reconnects, is handled by Eclipse
// Paho's autopaho. A retained will message flips the availability
// topic to "offline" if the process disappears.
package mqtt
