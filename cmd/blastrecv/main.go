// Command blastrecv listens on a UDP port and receives one blast
// transfer at a time, optionally publishing lifecycle telemetry and
// serving a read-only HTTP status endpoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"blastxfer/internal/receiver"
	"blastxfer/internal/statusserver"
	"blastxfer/internal/telemetry"
	"blastxfer/internal/transport"
)

// pollStatus republishes the engine's snapshot to the status server
// every 500ms until stop is closed.
func pollStatus(eng *receiver.Engine, status *statusserver.Server, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := eng.Snapshot()
			status.Update(statusserver.Snapshot{
				State:             snap.State,
				Filename:          snap.Filename,
				TotalRecords:      snap.TotalRecords,
				RecordsReceived:   snap.RecordsReceived,
				BlastsReceived:    snap.BlastsReceived,
				DatagramsReceived: snap.DatagramsReceived,
			})
		}
	}
}

type mqttFlags struct {
	broker string
	port   int
	user   string
	pass   string
	topic  string
}

func (m mqttFlags) anySet() bool {
	return m.broker != "" || m.port != 0 || m.user != "" || m.pass != "" || m.topic != ""
}

func (m mqttFlags) allSet() bool {
	return m.broker != "" && m.port != 0 && m.topic != ""
}

func main() {
	log.SetFlags(log.LstdFlags)

	var (
		statusAddr = flag.String("status-addr", "", "address to serve GET /status on, e.g. :8081 (disabled if empty)")
		mf         mqttFlags
	)
	flag.StringVar(&mf.broker, "mqtt-broker", "", "MQTT broker host for telemetry publishing")
	flag.IntVar(&mf.port, "mqtt-port", 0, "MQTT broker port")
	flag.StringVar(&mf.user, "mqtt-user", "", "MQTT username")
	flag.StringVar(&mf.pass, "mqtt-pass", "", "MQTT password")
	flag.StringVar(&mf.topic, "mqtt-topic", "", "MQTT topic to publish lifecycle events to")
	flag.Parse()

	if mf.anySet() && !mf.allSet() {
		log.Fatalf("Invalid arguments: -mqtt-broker, -mqtt-port, and -mqtt-topic must all be set together.")
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s <port>\n", os.Args[0])
		os.Exit(1)
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid port %q: %v\n", args[0], err)
		os.Exit(1)
	}

	var pub telemetry.Publisher = telemetry.NoOp{}
	if mf.allSet() {
		m, err := telemetry.NewMQTT(telemetry.Options{
			Host: mf.broker, Port: mf.port, User: mf.user, Pass: mf.pass, Topic: mf.topic,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect telemetry: %v\n", err)
			os.Exit(1)
		}
		pub = m
	}

	var status *statusserver.Server
	if *statusAddr != "" {
		status = statusserver.New(os.Stdout)
		go func() {
			if err := status.ListenAndServe(*statusAddr); err != nil {
				log.Printf("status server stopped: %v", err)
			}
		}()
	}

	t, err := transport.ListenUDP(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen on port %d: %v\n", port, err)
		os.Exit(1)
	}
	defer t.Close()
	log.Printf("Receiver listening on port %d", port)

	eng := receiver.New(t, receiver.Config{})
	eng.Telemetry = pub

	if status != nil {
		stop := make(chan struct{})
		defer close(stop)
		go pollStatus(eng, status, stop)
	}

	outPath, stats, err := eng.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Transfer failed: %v\n", err)
		os.Exit(1)
	}

	log.Printf("File written successfully to: %s", outPath)
	log.Printf("--- Stats ---")
	log.Printf("Blasts received: %d", stats.BlastsReceived)
	log.Printf("REC_MISS sent: %d", stats.RecMissSent)
	log.Printf("Datagrams received: %d", stats.DatagramsReceived)
	log.Printf("Elapsed: %s", stats.Elapsed)

	if status != nil {
		status.Close()
	}
}
