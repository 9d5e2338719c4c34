// Package mqtt publishes appliance state to a message bus and registers
// Home Assistant MQTT discovery descriptors for it.
//
// Values are modelled as a typed tree of [Node]s: a [Leaf] is a text
// value, a [Branch] maps names to child nodes. [Publisher.Publish]
// flattens a tree into one topic per leaf under the configured prefix.
//
// The transport is a [Broker]. [PahoBroker] uses Eclipse Paho v2's
// autopaho package for connection management with automatic
// reconnection; on every (re-)connect it publishes a retained birth
// message ("online") to the availability topic and re-subscribes to
// every registered topic filter, and a will message flips availability
// to "offline" on unexpected disconnects. [NATSBroker] carries the
// same topic model over NATS subjects for nats:// broker URIs.
package mqtt
