// Command blastsend transfers a file to a blastrecv listener, or, in
// -watch-dir mode, transfers every file that appears in a directory.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"blastxfer/internal/garbler"
	"blastxfer/internal/record"
	"blastxfer/internal/sender"
	"blastxfer/internal/telemetry"
	"blastxfer/internal/transport"
	"blastxfer/internal/watch"
)

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
		recordSizeFlag = flag.Int("record-size", 512, "record size in bytes (256, 512, or 1024)")
		blastSizeFlag  = flag.Int("blast-size", 1000, "records per blast (200-10000)")
		lossRateFlag   = flag.Float64("loss-rate", 0.0, "simulated fraction of DATA datagrams dropped (0.0-1.0)")
		watchDir       = flag.String("watch-dir", "", "directory to monitor for files to send (receiver_ip and receiver_port are still required; filename is ignored)")
		watchRetries   = flag.Int("watch-retries", 0, "retries per file in -watch-dir mode before giving up")
		mf             mqttFlags
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
	if *watchDir != "" {
		if len(args) < 2 {
			log.Fatalf("Usage in -watch-dir mode: %s -watch-dir <dir> <receiver_ip> <receiver_port> [filename]", os.Args[0])
		}
		// filename, if present, is ignored: each watched file supplies its own.
		runWatchMode(*watchDir, *watchRetries, args[0], args[1], *recordSizeFlag, *blastSizeFlag, *lossRateFlag, mf)
		return
	}

	if len(args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <receiver_ip> <receiver_port> <filename> [record_size=512] [blast_size=1000] [loss_rate=0.0]\n", os.Args[0])
		os.Exit(1)
	}

	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid receiver_port %q: %v\n", args[1], err)
		os.Exit(1)
	}
	filename := args[2]
	recordSize := *recordSizeFlag
	blastSize := *blastSizeFlag
	lossRate := *lossRateFlag
	if len(args) > 3 {
		recordSize, err = strconv.Atoi(args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid record_size %q: %v\n", args[3], err)
			os.Exit(1)
		}
	}
	if len(args) > 4 {
		blastSize, err = strconv.Atoi(args[4])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid blast_size %q: %v\n", args[4], err)
			os.Exit(1)
		}
	}
	if len(args) > 5 {
		lossRate, err = strconv.ParseFloat(args[5], 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid loss_rate %q: %v\n", args[5], err)
			os.Exit(1)
		}
	}

	if err := validateTransferArgs(recordSize, blastSize, lossRate); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		os.Exit(1)
	}

	pub, err := buildTelemetry(mf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect telemetry: %v\n", err)
		os.Exit(1)
	}

	if err := sendOne(host, port, filename, recordSize, blastSize, lossRate, pub); err != nil {
		fmt.Fprintf(os.Stderr, "Transfer failed: %v\n", err)
		os.Exit(1)
	}
}

func validateTransferArgs(recordSize, blastSize int, lossRate float64) error {
	switch recordSize {
	case 256, 512, 1024:
	default:
		return fmt.Errorf("record_size must be 256, 512, or 1024, got %d", recordSize)
	}
	if blastSize < 200 || blastSize > 10000 {
		return fmt.Errorf("blast_size must be in [200,10000], got %d", blastSize)
	}
	if lossRate < 0.0 || lossRate > 1.0 {
		return fmt.Errorf("loss_rate must be in [0.0,1.0], got %f", lossRate)
	}
	return nil
}

func buildTelemetry(mf mqttFlags) (telemetry.Publisher, error) {
	if !mf.allSet() {
		return telemetry.NoOp{}, nil
	}
	pub, err := telemetry.NewMQTT(telemetry.Options{
		Host: mf.broker, Port: mf.port, User: mf.user, Pass: mf.pass, Topic: mf.topic,
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func sendOne(host string, port int, filename string, recordSize, blastSize int, lossRate float64, pub telemetry.Publisher) error {
	src, err := record.NewFileSource(filename, recordSize)
	if err != nil {
		return err
	}

	t, err := transport.DialUDP(host, port)
	if err != nil {
		return err
	}
	defer t.Close()

	var g garbler.Garbler = garbler.None{}
	if lossRate > 0 {
		g = garbler.NewRate(lossRate, seedFromFilename(filename))
	}

	eng := sender.New(t, src, sender.Config{
		RecordSize: recordSize,
		BlastSize:  uint32(blastSize),
		Filename:   filepath.Base(filename),
	})
	eng.Garbler = g
	eng.Telemetry = pub

	stats, err := eng.Run()
	if err != nil {
		return err
	}

	log.Printf("--- Stats ---")
	log.Printf("Total datagrams sent: %d", stats.TotalDatagramsSent)
	log.Printf("Data datagrams sent: %d", stats.DataDatagramsSent)
	log.Printf("Data datagrams dropped: %d", stats.DataDatagramsDropped)
	log.Printf("Retransmitted data datagrams: %d", stats.RetransmittedDataDatagrams)
	log.Printf("Blasts initiated: %d", stats.BlastsInitiated)
	log.Printf("Elapsed: %s", stats.Elapsed)
	log.Printf("Throughput: %.3f Mbps", stats.ThroughputMbps(src.FileSize()))
	return nil
}

func runWatchMode(dir string, retries int, host, portStr string, recordSize, blastSize int, lossRate float64, mf mqttFlags) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("Invalid receiver_port %q: %v", portStr, err)
	}
	if err := validateTransferArgs(recordSize, blastSize, lossRate); err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}
	pub, err := buildTelemetry(mf)
	if err != nil {
		log.Fatalf("Failed to connect telemetry: %v", err)
	}

	q, err := watch.NewQueue(dir, true)
	if err != nil {
		log.Fatalf("Error watching directory %s: %v", dir, err)
	}
	defer q.Close()
	log.Printf("Monitoring directory: %s", dir)

	go func() {
		for err := range q.Errors() {
			log.Printf("Watcher error: %v", err)
		}
	}()

	for file := range q.Files() {
		log.Printf("=== Starting transfer for file: %s ===", file)
		var sendErr error
		for attempt := 0; attempt <= retries; attempt++ {
			sendErr = sendOne(host, port, file, recordSize, blastSize, lossRate, pub)
			if sendErr == nil {
				log.Printf("Successfully sent file: %s", file)
				break
			}
			log.Printf("Error sending file %s: %v (attempt %d/%d)", file, sendErr, attempt+1, retries+1)
		}
		if sendErr != nil {
			log.Printf("Giving up on file: %s", file)
		}
		log.Printf("=== Completed transfer for file: %s ===", file)
	}
}

func seedFromFilename(name string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range name {
		h ^= int64(c)
		h *= 1099511628211
	}
	return h
}
