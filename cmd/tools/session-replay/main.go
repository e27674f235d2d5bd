// Command session-replay re-feeds a recorded session into a running
// mapcluster server. Mutation events are sent over UDP exactly as they were
// captured, paced by their recorded timestamps; delta and pass events are
// skipped, since a live server regenerates both.
//
// Usage:
//
//	go run ./cmd/tools/session-replay -session sessions/<name> -speed 4
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/mapcluster/internal/recorder"
)

func main() {
	session := flag.String("session", "", "Path to a recorded session directory (required)")
	target := flag.String("target", "localhost:2477", "UDP address of the mapcluster feed listener")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0: no pacing)")
	from := flag.Uint64("from", 0, "Skip events with a sequence number below this")
	flag.Parse()

	if *session == "" {
		log.Fatal("Error: -session flag is required")
	}

	replayer, err := recorder.OpenSession(nil, *session)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer replayer.Close()

	header := replayer.Header()
	span := "interrupted"
	if !header.EndedAt.IsZero() {
		span = header.EndedAt.Sub(header.StartedAt).Round(time.Second).String()
	}
	log.Printf("Session %s: %d events in %d chunks, %s", header.Name, header.Events, header.Chunks, span)

	if *from > 0 {
		if err := replayer.Seek(*from); err != nil {
			log.Fatalf("Failed to seek to seq %d: %v", *from, err)
		}
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

	var sent, skipped int
	var captureStart, wallStart time.Time
	start := time.Now()

	for {
		if ctx.Err() != nil {
			log.Printf("Interrupted after %d mutations", sent)
			return
		}

		ev, err := replayer.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read event: %v", err)
		}

		if ev.Kind != recorder.EventMutation {
			skipped++
			continue
		}

		if *speed > 0 {
			if captureStart.IsZero() {
				captureStart = ev.At
				wallStart = time.Now()
			} else {
				targetAt := wallStart.Add(time.Duration(float64(ev.At.Sub(captureStart)) / *speed))
				if wait := time.Until(targetAt); wait > 0 {
					select {
					case <-ctx.Done():
						log.Printf("Interrupted after %d mutations", sent)
						return
					case <-time.After(wait):
					}
				}
			}
		}

		// Event data is the mutation JSON exactly as it arrived; one event,
		// one datagram.
		if _, err := conn.Write(ev.Data); err != nil {
			log.Printf("failed to send event %d: %v", ev.Seq, err)
			continue
		}
		sent++

		if sent%1000 == 0 {
			log.Printf("replayed %d mutations", sent)
		}
	}

	log.Printf("Replay complete: %d mutations sent, %d delta/pass events skipped, took %v",
		sent, skipped, time.Since(start).Round(time.Millisecond))
}
