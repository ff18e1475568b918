// Package telemetry publishes best-effort transfer lifecycle events to
// an MQTT broker, the Go analogue of the retrieval pack's monitor
// package (github.com/eclipse/paho.mqtt.golang), which decodes KISS
// frames off the wire and republishes them to a broker topic. Here the
// sender and receiver engines publish their own lifecycle events
// directly instead of a third process sniffing the wire. Publishing
// never fails the transfer: errors are swallowed, and a broker outage
// degrades to silent no-ops. Publish runs on the caller's goroutine and
// waits for the MQTT client to finish sending each event.
package telemetry

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Event is one transfer lifecycle notification.
type Event struct {
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	BlastStart uint32    `json:"blast_start,omitempty"`
	BlastEnd   uint32    `json:"blast_end,omitempty"`
	Message    string    `json:"message,omitempty"`
}

const (
	KindHandshakeComplete = "handshake_complete"
	KindBlastStarted      = "blast_started"
	KindBlastCompleted    = "blast_completed"
	KindTransferComplete  = "transfer_complete"
	KindFatalError        = "fatal_error"
)

// Publisher accepts lifecycle events. Implementations must not block
// the caller for long, and must never panic.
type Publisher interface {
	Publish(Event)
}

// NoOp discards every event; it is the default when telemetry is not
// configured.
type NoOp struct{}

// Publish implements Publisher.
func (NoOp) Publish(Event) {}

// Options configures a broker connection. The CLI layer rejects a
// flag group where some MQTT flag is set but Host, Port or Topic is
// missing; User and Pass may be empty. TLS has no CLI flag.
type Options struct {
	Host  string
	Port  int
	User  string
	Pass  string
	Topic string
	TLS   bool
}

// MQTT publishes each Event as JSON to a single broker topic.
type MQTT struct {
	client mqtt.Client
	topic  string
}

// NewMQTT connects to the broker described by opts and returns a
// ready Publisher.
func NewMQTT(opts Options) (*MQTT, error) {
	clientOpts := mqtt.NewClientOptions()
	addr := fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port)
	if opts.TLS {
		addr = fmt.Sprintf("ssl://%s:%d", opts.Host, opts.Port)
		clientOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	clientOpts.AddBroker(addr)
	clientOpts.SetUsername(opts.User)
	clientOpts.SetPassword(opts.Pass)
	clientOpts.SetClientID(fmt.Sprintf("blastxfer-%d", time.Now().UnixNano()))

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &MQTT{client: client, topic: opts.Topic}, nil
}

// Publish implements Publisher. Marshal or publish failures are
// swallowed: telemetry is best-effort and never transfer-fatal.
func (m *MQTT) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	token.Wait()
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
