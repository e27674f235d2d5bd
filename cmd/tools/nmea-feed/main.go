// Command nmea-feed bridges a GPS receiver to a mapcluster server: position
// sentences read from a serial port become updates to a single moving marker,
// posted over the REST API. Fixes that arrive too quickly or barely move are
// dropped so a stationary receiver does not spam the engine with recomputes.
//
// Dev mode replaces the receiver with a scripted sentence loop so the bridge
// can be exercised without hardware:
//
//	go run ./cmd/tools/nmea-feed -dev -server http://localhost:8080
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/mapcluster/internal/geo"
	"github.com/banshee-data/mapcluster/internal/httputil"
	"github.com/banshee-data/mapcluster/internal/nmea"
	"github.com/banshee-data/mapcluster/internal/serialmux"
)

// devScript is the sentence loop for -dev: a short walk near Greenwich with
// a status sentence mixed in. Consecutive fixes are ~25m apart.
var devScript = []byte("$GNGGA,120000,5130.300,N,00007.600,W,1,08,0.9,20.0,M,47.0,M,,*78\r\n" +
	"$GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39\r\n" +
	"$GNGGA,120001,5130.312,N,00007.588,W,1,08,0.9,20.0,M,47.0,M,,*79\r\n" +
	"$GNGGA,120002,5130.324,N,00007.576,W,1,08,0.9,20.0,M,47.0,M,,*7E\r\n")

// markerPoster turns fixes into marker upserts against the server. It is the
// serial feed's PositionSink.
type markerPoster struct {
	client    httputil.HTTPClient
	serverURL string
	markerID  string
	label     string
	protected bool
	interval  time.Duration
	minMove   float64

	mu       sync.Mutex
	lastPos  geo.LatLng
	lastPost time.Time
	posted   int
}

// UpdatePosition posts the fix unless it is too soon after the last post or
// the receiver has not moved far enough to matter.
func (mp *markerPoster) UpdatePosition(fix nmea.Fix) error {
	pos := geo.LatLng{Lat: fix.Lat, Lng: fix.Lng}

	mp.mu.Lock()
	if !mp.lastPost.IsZero() {
		if time.Since(mp.lastPost) < mp.interval {
			mp.mu.Unlock()
			return nil
		}
		if geo.DistanceMeters(mp.lastPos, pos) < mp.minMove {
			mp.mu.Unlock()
			return nil
		}
	}
	mp.lastPost = time.Now()
	mp.lastPos = pos
	mp.posted++
	n := mp.posted
	mp.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"id":        mp.markerID,
		"lat":       fix.Lat,
		"lng":       fix.Lng,
		"label":     mp.label,
		"protected": mp.protected,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal marker update: %w", err)
	}

	resp, err := mp.client.Post(mp.serverURL+"/api/markers", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post marker update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server rejected marker update: %s", resp.Status)
	}

	log.Printf("posted fix %d: (%.5f, %.5f)", n, fix.Lat, fix.Lng)
	return nil
}

// Posted returns the number of updates sent so far.
func (mp *markerPoster) Posted() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.posted
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Base URL of the mapcluster server")
	serialPort := flag.String("serial", "/dev/ttyUSB0", "Serial port the receiver is attached to (ignored in dev mode)")
	baud := flag.Int("baud", 9600, "Serial baud rate")
	markerID := flag.String("id", "gps-1", "Marker ID to keep updated")
	label := flag.String("label", "field unit", "Marker label")
	protected := flag.Bool("protected", true, "Mark the marker protected so it never merges into a cluster")
	interval := flag.Duration("interval", time.Second, "Minimum time between posts")
	minMove := flag.Float64("min-move", 5, "Minimum movement in meters before a new post")
	devMode := flag.Bool("dev", false, "Use a scripted sentence loop instead of a serial port")
	flag.Parse()

	var m serialmux.SerialMuxInterface
	source := *serialPort
	if *devMode {
		m = serialmux.NewMockSerialMux(devScript)
		source = "dev script"
	} else {
		mux, err := serialmux.NewRealSerialMux(*serialPort, serialmux.PortOptions{BaudRate: *baud})
		if err != nil {
			log.Fatalf("failed to open serial port: %v", err)
		}
		if err := mux.Initialize(); err != nil {
			log.Printf("receiver init commands failed (non-PMTK receiver?): %v", err)
		}
		m = mux
	}
	defer m.Close()

	sink := &markerPoster{
		client:    httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second}),
		serverURL: strings.TrimRight(*server, "/"),
		markerID:  *markerID,
		label:     *label,
		protected: *protected,
		interval:  *interval,
		minMove:   *minMove,
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Monitor owns all reads on the port; subscribers get copies of each line.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("serial monitor stopped: %v", err)
		}
		log.Print("serial monitor done")
	}()

	// subscribe to serial lines and route them through the sentence handlers
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := m.Subscribe()
		defer m.Unsubscribe(id)
		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if err := serialmux.HandleEvent(sink, payload); err != nil {
					log.Printf("error handling sentence: %v", err)
				}
			case <-ctx.Done():
				log.Print("sentence routing stopped")
				return
			}
		}
	}()

	log.Printf("Feeding fixes from %s to %s as marker %q", source, *server, *markerID)
	wg.Wait()
	log.Printf("Sent %d marker updates", sink.Posted())
}
