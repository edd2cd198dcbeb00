/*
Package main contains a command-line example for gxserialline.

The example shows how to:
  - configure a session from command-line flags or a YAML file
  - subscribe to the session events
  - open a port directly or find it with the handshake probe
  - send a message as a line
  - forward the events to an MQTT broker
  - list the serial ports with their USB details
*/
package main
