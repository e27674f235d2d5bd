// Command loadgen drives a running mapcluster server with a synthetic UDP
// mutation feed: it grows the marker population to a target size, then churns
// it with moves and remove/re-add cycles at a steady rate. Useful for sizing
// pass latency and watching supersession behaviour under load.
//
// Usage:
//
//	go run ./cmd/tools/loadgen -target localhost:2477 -points 500 -rate 50
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/mapcluster/internal/feed"
	"github.com/banshee-data/mapcluster/internal/geo"
)

// parseCenter parses a "lat,lng" pair.
func parseCenter(s string) (geo.LatLng, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.LatLng{}, fmt.Errorf("expected lat,lng, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.LatLng{}, fmt.Errorf("invalid latitude %q: %w", parts[0], err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.LatLng{}, fmt.Errorf("invalid longitude %q: %w", parts[1], err)
	}
	return geo.LatLng{Lat: lat, Lng: lng}, nil
}

// generator produces the mutation stream. Until the population reaches the
// target it only adds; after that each step removes, moves, or re-adds so the
// population hovers at the target while the engine keeps seeing edits.
type generator struct {
	rng    *rand.Rand
	center geo.LatLng
	spread float64
	churn  float64
	target int

	nextID int
	live   []string
}

func newGenerator(seed int64, center geo.LatLng, spread, churn float64, target int) *generator {
	return &generator{
		rng:    rand.New(rand.NewSource(seed)),
		center: center,
		spread: spread,
		churn:  churn,
		target: target,
	}
}

func (g *generator) randomPos() (lat, lng float64) {
	lat = g.center.Lat + (g.rng.Float64()-0.5)*g.spread
	lng = g.center.Lng + (g.rng.Float64()-0.5)*g.spread
	return
}

// next returns one mutation. The ID sequence is monotonic so a server-side
// trace can tell fresh adds from moves of existing markers.
func (g *generator) next() feed.Mutation {
	if len(g.live) < g.target {
		id := fmt.Sprintf("load-%05d", g.nextID)
		g.nextID++
		g.live = append(g.live, id)
		lat, lng := g.randomPos()
		return feed.Mutation{Op: "add", ID: id, Lat: lat, Lng: lng, Label: id}
	}

	if g.rng.Float64() < g.churn {
		// Remove a random live marker; the population dips below target so
		// the next step re-adds.
		i := g.rng.Intn(len(g.live))
		id := g.live[i]
		g.live[i] = g.live[len(g.live)-1]
		g.live = g.live[:len(g.live)-1]
		return feed.Mutation{Op: "remove", ID: id}
	}

	// Move an existing marker: an add with a live ID upserts in place.
	id := g.live[g.rng.Intn(len(g.live))]
	lat, lng := g.randomPos()
	return feed.Mutation{Op: "add", ID: id, Lat: lat, Lng: lng, Label: id}
}

func main() {
	target := flag.String("target", "localhost:2477", "UDP address of the mapcluster feed listener")
	points := flag.Int("points", 500, "Target marker population")
	centerStr := flag.String("center", "51.5074,-0.1278", "Center of the synthetic area (lat,lng)")
	spread := flag.Float64("spread", 0.1, "Extent of the synthetic area in degrees")
	rate := flag.Float64("rate", 20, "Mutations per second")
	churn := flag.Float64("churn", 0.2, "Fraction of steady-state mutations that are removes")
	batch := flag.Int("batch", 10, "Mutations per datagram (1 sends single-object payloads)")
	duration := flag.Duration("duration", 0, "Stop after this long (0: run until interrupted)")
	seed := flag.Int64("seed", 1, "RNG seed")
	flag.Parse()

	if *rate <= 0 {
		log.Fatal("rate must be positive")
	}
	if *batch < 1 {
		log.Fatal("batch must be at least 1")
	}
	center, err := parseCenter(*centerStr)
	if err != nil {
		log.Fatalf("invalid -center: %v", err)
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
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	gen := newGenerator(*seed, center, *spread, *churn, *points)

	// One tick per datagram; the batch size scales throughput without
	// tightening the tick interval.
	interval := time.Duration(float64(*batch) / *rate * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Sending %.0f mutations/sec to %s (population %d, churn %.0f%%, batch %d)",
		*rate, *target, *points, *churn*100, *batch)

	var sent, datagrams int64
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Done: %d mutations in %d datagrams", sent, datagrams)
			return
		case <-ticker.C:
			muts := make([]feed.Mutation, *batch)
			for i := range muts {
				muts[i] = gen.next()
			}

			var payload []byte
			if *batch == 1 {
				payload, err = json.Marshal(muts[0])
			} else {
				payload, err = json.Marshal(muts)
			}
			if err != nil {
				log.Fatalf("failed to marshal mutations: %v", err)
			}

			if _, err := conn.Write(payload); err != nil {
				log.Printf("failed to send datagram: %v", err)
				continue
			}
			sent += int64(*batch)
			datagrams++

			if time.Since(lastLog) >= 10*time.Second {
				log.Printf("sent %d mutations (%d datagrams), population %d", sent, datagrams, len(gen.live))
				lastLog = time.Now()
			}
		}
	}
}
