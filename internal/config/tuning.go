package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath points at the canonical defaults file shipped with
// the repository. Every fallback baked into the Get accessors below
// mirrors a value in that file.
const DefaultConfigPath = "config/tuning.defaults.json"

// maxConfigBytes caps how much of a tuning file we are willing to read.
const maxConfigBytes = 1 << 20

// TuningConfig carries every runtime-tunable knob as an optional field.
// Pointers distinguish "absent" from a zero value, and the JSON schema
// matches the /api/params payload so the same file works for startup
// configuration and runtime inspection.
type TuningConfig struct {
	// Clustering params
	MinClusterSize       *int     `json:"min_cluster_size,omitempty"`
	MaxZoom              *float64 `json:"max_zoom,omitempty"`
	ThresholdScaleWide   *float64 `json:"threshold_scale_wide,omitempty"`
	ThresholdScaleDetail *float64 `json:"threshold_scale_detail,omitempty"`
	DetailZoomCutover    *float64 `json:"detail_zoom_cutover,omitempty"`
	RetainOffscreen      *bool    `json:"retain_offscreen,omitempty"`
	Identity             *string  `json:"identity,omitempty"` // "id" or "coord"

	// Cell-size tiers, in screen points
	CellSizeClose *float64 `json:"cell_size_close,omitempty"`
	CellSizeNear  *float64 `json:"cell_size_near,omitempty"`
	CellSizeMid   *float64 `json:"cell_size_mid,omitempty"`
	CellSizeFar   *float64 `json:"cell_size_far,omitempty"`

	// Pass journal params
	JournalEnabled *bool   `json:"journal_enabled,omitempty"`
	FlushInterval  *string `json:"flush_interval,omitempty"` // duration string like "30s"

	// Marker feed params
	FeedListenAddr *string `json:"feed_listen_addr,omitempty"`
	FeedBufferSize *int    `json:"feed_buffer_size,omitempty"`
	StatsInterval  *string `json:"stats_interval,omitempty"` // duration string like "60s"

	// Session recorder params
	RecorderDir       *string `json:"recorder_dir,omitempty"`
	RecorderChunkSize *int    `json:"recorder_chunk_size,omitempty"`

	// Delta stream params
	WSSendBuffer *int    `json:"ws_send_buffer,omitempty"`
	NATSURL      *string `json:"nats_url,omitempty"` // empty disables publishing
	NATSSubject  *string `json:"nats_subject,omitempty"`
}

// EmptyTuningConfig returns a config with nothing set, so every
// accessor falls through to its default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig reads and validates a tuning file. Only .json files
// are accepted, and anything over a megabyte is rejected before it
// reaches the parser. Fields missing from the file stay nil, so a
// partial file overrides just the values it names.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("tuning config must be a .json file, got %q", ext)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open tuning config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read tuning config: %w", err)
	}
	if len(data) > maxConfigBytes {
		return nil, fmt.Errorf("tuning config larger than %d bytes", maxConfigBytes)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse tuning config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning config: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig locates the canonical defaults file by walking
// from the working directory toward the filesystem root, which lets
// tests in nested packages load it without fixture copies. Panics when
// the file cannot be found.
func MustLoadDefaultConfig() *TuningConfig {
	dir := "."
	for i := 0; i < 6; i++ {
		cfg, err := LoadTuningConfig(filepath.Join(dir, DefaultConfigPath))
		if err == nil {
			return cfg
		}
		dir = filepath.Join(dir, "..")
	}
	panic("cannot find " + DefaultConfigPath + " above the working directory")
}

// Effective returns a copy with every field filled in from its Get
// accessor, making the defaults explicit. The result round-trips:
// saving and reloading it yields the same effective values.
func (c *TuningConfig) Effective() *TuningConfig {
	return &TuningConfig{
		MinClusterSize:       ptr(c.GetMinClusterSize()),
		MaxZoom:              ptr(c.GetMaxZoom()),
		ThresholdScaleWide:   ptr(c.GetThresholdScaleWide()),
		ThresholdScaleDetail: ptr(c.GetThresholdScaleDetail()),
		DetailZoomCutover:    ptr(c.GetDetailZoomCutover()),
		RetainOffscreen:      ptr(c.GetRetainOffscreen()),
		Identity:             ptr(c.GetIdentity()),
		CellSizeClose:        ptr(c.GetCellSizeClose()),
		CellSizeNear:         ptr(c.GetCellSizeNear()),
		CellSizeMid:          ptr(c.GetCellSizeMid()),
		CellSizeFar:          ptr(c.GetCellSizeFar()),
		JournalEnabled:       ptr(c.GetJournalEnabled()),
		FlushInterval:        ptr(c.GetFlushInterval().String()),
		FeedListenAddr:       ptr(c.GetFeedListenAddr()),
		FeedBufferSize:       ptr(c.GetFeedBufferSize()),
		StatsInterval:        ptr(c.GetStatsInterval().String()),
		RecorderDir:          ptr(c.GetRecorderDir()),
		RecorderChunkSize:    ptr(c.GetRecorderChunkSize()),
		WSSendBuffer:         ptr(c.GetWSSendBuffer()),
		NATSURL:              ptr(c.GetNATSURL()),
		NATSSubject:          ptr(c.GetNATSSubject()),
	}
}

// Validate rejects values that would misconfigure the engine. Nil
// fields are skipped since they fall back to defaults.
func (c *TuningConfig) Validate() error {
	if c.MinClusterSize != nil && *c.MinClusterSize < 1 {
		return fmt.Errorf("min_cluster_size must be at least 1, got %d", *c.MinClusterSize)
	}

	if c.Identity != nil {
		switch *c.Identity {
		case "id", "coord":
		default:
			return fmt.Errorf("identity must be \"id\" or \"coord\", got %q", *c.Identity)
		}
	}

	for name, v := range map[string]*float64{
		"max_zoom":               c.MaxZoom,
		"threshold_scale_wide":   c.ThresholdScaleWide,
		"threshold_scale_detail": c.ThresholdScaleDetail,
		"cell_size_close":        c.CellSizeClose,
		"cell_size_near":         c.CellSizeNear,
		"cell_size_mid":          c.CellSizeMid,
		"cell_size_far":          c.CellSizeFar,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	if c.DetailZoomCutover != nil && *c.DetailZoomCutover < 0 {
		return fmt.Errorf("detail_zoom_cutover must be non-negative, got %f", *c.DetailZoomCutover)
	}

	for name, v := range map[string]*int{
		"feed_buffer_size":    c.FeedBufferSize,
		"recorder_chunk_size": c.RecorderChunkSize,
		"ws_send_buffer":      c.WSSendBuffer,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}

	for name, v := range map[string]*string{
		"flush_interval": c.FlushInterval,
		"stats_interval": c.StatsInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("%s %q: %w", name, *v, err)
			}
		}
	}

	return nil
}

// ptr is a convenience for building configs from literal values.
func ptr[T any](v T) *T { return &v }

// orDefault returns *p, or fallback when the field was absent.
func orDefault[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

// stringOr treats an empty string the same as an absent field.
func stringOr(p *string, fallback string) string {
	if p == nil || *p == "" {
		return fallback
	}
	return *p
}

// durationOr parses *p, falling back on absence or a malformed value.
func durationOr(p *string, fallback time.Duration) time.Duration {
	if p == nil || *p == "" {
		return fallback
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return fallback
	}
	return d
}

// The Get accessors resolve each field against its baked-in default,
// keeping the fallback values in one place.

func (c *TuningConfig) GetMinClusterSize() int { return orDefault(c.MinClusterSize, 2) }

// GetMaxZoom reports the zoom level past which clustering is suspended
// and raw points are served as-is.
func (c *TuningConfig) GetMaxZoom() float64 { return orDefault(c.MaxZoom, 19) }

// GetThresholdScaleWide is the ground resolution in meters per screen
// point at zoom 0; it halves with each zoom level.
func (c *TuningConfig) GetThresholdScaleWide() float64 {
	return orDefault(c.ThresholdScaleWide, 156543.03)
}

func (c *TuningConfig) GetThresholdScaleDetail() float64 {
	return orDefault(c.ThresholdScaleDetail, 78271.52)
}

func (c *TuningConfig) GetDetailZoomCutover() float64 { return orDefault(c.DetailZoomCutover, 16) }

// GetRetainOffscreen reports whether items outside the viewport stay in
// the visible set rather than being dropped on pan.
func (c *TuningConfig) GetRetainOffscreen() bool { return orDefault(c.RetainOffscreen, true) }

func (c *TuningConfig) GetIdentity() string { return stringOr(c.Identity, "id") }

func (c *TuningConfig) GetCellSizeClose() float64 { return orDefault(c.CellSizeClose, 16) }
func (c *TuningConfig) GetCellSizeNear() float64  { return orDefault(c.CellSizeNear, 32) }
func (c *TuningConfig) GetCellSizeMid() float64   { return orDefault(c.CellSizeMid, 64) }
func (c *TuningConfig) GetCellSizeFar() float64   { return orDefault(c.CellSizeFar, 88) }

func (c *TuningConfig) GetJournalEnabled() bool { return orDefault(c.JournalEnabled, true) }

func (c *TuningConfig) GetFlushInterval() time.Duration {
	return durationOr(c.FlushInterval, 30*time.Second)
}

func (c *TuningConfig) GetFeedListenAddr() string { return stringOr(c.FeedListenAddr, ":2477") }

func (c *TuningConfig) GetFeedBufferSize() int { return orDefault(c.FeedBufferSize, 65536) }

func (c *TuningConfig) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, 60*time.Second)
}

func (c *TuningConfig) GetRecorderDir() string { return stringOr(c.RecorderDir, "sessions") }

func (c *TuningConfig) GetRecorderChunkSize() int { return orDefault(c.RecorderChunkSize, 4096) }

func (c *TuningConfig) GetWSSendBuffer() int { return orDefault(c.WSSendBuffer, 64) }

// GetNATSURL returns the broker URL for delta publishing; empty means
// publishing is disabled.
func (c *TuningConfig) GetNATSURL() string { return orDefault(c.NATSURL, "") }

func (c *TuningConfig) GetNATSSubject() string {
	return stringOr(c.NATSSubject, "mapcluster.deltas")
}
