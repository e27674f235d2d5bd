// Command feed-replay replays captured mutation traffic from a PCAP file
// into a running mapcluster server. UDP payloads matching the port filter are
// re-sent verbatim, paced by their capture timestamps, so a field capture can
// be reproduced against a local server for tuning work.
//
// Usage:
//
//	go run ./cmd/tools/feed-replay -pcap capture.pcap -target localhost:2477
//
// The reader is the pure-Go pcap file decoder, so no libpcap is needed; live
// capture is out of scope for this tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// udpPayload extracts the UDP payload from a decoded packet when it matches
// the destination port filter. A port of 0 accepts any UDP packet.
func udpPayload(packet gopacket.Packet, port int) ([]byte, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if port != 0 && int(udp.DstPort) != port {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}

// replayFile streams one pass over the capture. Pacing reproduces the
// capture's inter-packet gaps divided by speed; speed 0 sends flat out.
func replayFile(ctx context.Context, path string, port int, conn *net.UDPConn, speed float64) (sent, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open PCAP file: %w", err)
	}
	defer f.Close()

	handle, err := pcapgo.NewReader(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read PCAP header: %w", err)
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())

	var captureStart time.Time
	var wallStart time.Time

	for {
		select {
		case <-ctx.Done():
			return sent, skipped, ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				// End of capture.
				return sent, skipped, nil
			}

			payload, ok := udpPayload(packet, port)
			if !ok {
				skipped++
				continue
			}

			if speed > 0 {
				ts := packet.Metadata().Timestamp
				if captureStart.IsZero() {
					captureStart = ts
					wallStart = time.Now()
				} else {
					target := wallStart.Add(time.Duration(float64(ts.Sub(captureStart)) / speed))
					if wait := time.Until(target); wait > 0 {
						select {
						case <-ctx.Done():
							return sent, skipped, ctx.Err()
						case <-time.After(wait):
						}
					}
				}
			}

			if _, err := conn.Write(payload); err != nil {
				log.Printf("failed to send packet %d: %v", sent+1, err)
				continue
			}
			sent++

			if sent%5000 == 0 {
				log.Printf("replayed %d packets (%d skipped by filter)", sent, skipped)
			}
		}
	}
}

func main() {
	pcapFile := flag.String("pcap", "", "PCAP file to replay (required)")
	target := flag.String("target", "localhost:2477", "UDP address of the mapcluster feed listener")
	port := flag.Int("port", 2477, "Replay only packets captured with this UDP destination port (0: any)")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0: no pacing)")
	loop := flag.Bool("loop", false, "Restart from the beginning when the capture ends")
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("Error: -pcap flag is required")
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("failed to resolve target address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("failed to open UDP socket: %v", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Replaying %s to %s (port filter %d, speed %.1fx)", *pcapFile, *target, *port, *speed)

	pass := 0
	totalSent := 0
	start := time.Now()
	for {
		pass++
		sent, skipped, err := replayFile(ctx, *pcapFile, *port, conn, *speed)
		totalSent += sent
		if err != nil {
			if err == context.Canceled {
				break
			}
			log.Fatalf("replay failed: %v", err)
		}
		log.Printf("pass %d complete: %d packets sent, %d skipped", pass, sent, skipped)
		if !*loop || ctx.Err() != nil {
			break
		}
	}

	log.Printf("Replay finished: %d packets in %v", totalSent, time.Since(start).Round(time.Millisecond))
}
