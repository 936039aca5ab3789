// Package broker owns the single connection between ErgoAlert and an
// MQTT broker reached over WebSocket.
//
// A [Session] parses the broker URL into an [Endpoint], opens a
// [Handle] through a pluggable [Transport], subscribes to the alert
// topic once the broker accepts the connection, and reports every
// lifecycle change as an [Event] to registered listeners. Connection
// loss and connect failures are terminal until the caller connects
// again: the session never reconnects on its own.
//
// Concrete transports live in the mqtt3 (Paho MQTT 3.1.1) and mqtt5
// (Paho v5 on gorilla/websocket) subpackages; brokertest provides a
// scripted fake for tests.
package broker
