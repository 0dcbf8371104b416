// Package model defines the shared configuration and value types of the autopilot:
// frames, detection boxes, motion commands and the tuning knobs that drive them.
package model

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the root structure loaded from configs/config.yml.
// Every field has a default; the file and the environment only override.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Detector DetectorConfig `yaml:"detector"`
	Decision DecisionConfig `yaml:"decision"`
	Maneuver ManeuverConfig `yaml:"maneuver"`
	Control  ControlConfig  `yaml:"control"`
	Link     LinkConfig     `yaml:"link"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
}

// SourceConfig describes the camera stream.
type SourceConfig struct {
	URL         string `yaml:"url"`          // rtsp://... or a device index
	ResizeWidth int    `yaml:"resize_width"` // working width, aspect preserved
	ReadRetryMs int    `yaml:"read_retry_ms"`
}

// DetectorConfig holds the inference parameters handed to the Detector.
type DetectorConfig struct {
	ModelPath string  `yaml:"model_path"`
	Backend   string  `yaml:"backend"` // cpu or cuda
	ImgSize   int     `yaml:"img_size"`
	ConfMin   float64 `yaml:"conf_min"`
	IoUNMS    float64 `yaml:"iou_nms"`
	Classes   string  `yaml:"classes"` // "all" or comma separated class ids
	TargetFPS int     `yaml:"target_fps"`
	FrameSkip int     `yaml:"frame_skip"`
}

// DecisionConfig holds the geometric thresholds of the obstacle classifier.
// All fractions are relative to the frame dimensions.
type DecisionConfig struct {
	CenterDeadband float64 `yaml:"center_deadband"`
	MidArea        float64 `yaml:"mid_area"`
	NearArea       float64 `yaml:"near_area"`
	NearHeight     float64 `yaml:"near_height"`
	BottomNear     float64 `yaml:"bottom_near"`
	TargetDistCm   int     `yaml:"target_dist_cm"`
}

// ManeuverConfig holds the timings of the avoidance sequence.
type ManeuverConfig struct {
	TurnDeg             int     `yaml:"turn_deg"`
	TurnMsPerDeg        int     `yaml:"turn_ms_per_deg"`
	AvoidTurnExtraMs    int     `yaml:"avoid_turn_extra_ms"`
	StopMs              int     `yaml:"stop_ms"`
	BackMs              int     `yaml:"back_ms"`
	ForwardAfterAvoidMs int     `yaml:"forward_after_avoid_ms"`
	RecoverFwdMs        int     `yaml:"recover_fwd_ms"`
	SteerCooldownMs     int     `yaml:"steer_cooldown_ms"`
	PostAvoidCooldownMs int     `yaml:"post_avoid_cooldown_ms"`
	ClearBrakeMs        int     `yaml:"clear_brake_ms"`
	PollMs              int     `yaml:"poll_ms"`
	PreemptMargin       float64 `yaml:"preempt_margin"`
}

// ControlConfig tunes the control loop itself.
type ControlConfig struct {
	ClearHoldMs     int    `yaml:"clear_hold_ms"`
	IdleCommand     string `yaml:"idle_command"`
	DebugVision     bool   `yaml:"debug_vision"`
	IdleWaitMs      int    `yaml:"idle_wait_ms"`
	ErrorDelayMs    int    `yaml:"error_delay_ms"`
	StatsIntervalMs int    `yaml:"stats_interval_ms"`
}

// LinkConfig selects and configures the command transport.
type LinkConfig struct {
	Kind             string `yaml:"kind"` // websocket or serial
	URL              string `yaml:"url"`
	SerialDevice     string `yaml:"serial_device"`
	SerialBaud       int    `yaml:"serial_baud"`
	ConnectRetryMs   int    `yaml:"connect_retry_ms"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	WriteTimeoutMs   int    `yaml:"write_timeout_ms"`
}

// RelayConfig configures the command relay hub.
type RelayConfig struct {
	Addr        string           `yaml:"addr"`
	Path        string           `yaml:"path"`
	HeartbeatMs int              `yaml:"heartbeat_ms"`
	Stream      StreamConfig     `yaml:"stream"`
	Autopilot   SupervisorConfig `yaml:"autopilot"`
}

// StreamConfig drives the ffmpeg MPEG-TS feed served to viewers. The camera
// is source.url.
type StreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	Transport  string `yaml:"transport"` // rtsp transport, udp or tcp
	Resolution string `yaml:"resolution"`
	Bitrate    string `yaml:"bitrate"`
	FPS        int    `yaml:"fps"`
	RestartMs  int    `yaml:"restart_ms"`
}

// SupervisorConfig describes the autopilot process the relay keeps alive
// while the control room has clients. An empty command disables it.
type SupervisorConfig struct {
	Command   []string `yaml:"command"`
	Autostart bool     `yaml:"autostart"`
	RestartMs int      `yaml:"restart_ms"`
}

// LogConfig toggles debug output.
type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// Link kinds.
const (
	LinkWebSocket = "websocket"
	LinkSerial    = "serial"
)

// Ms converts a millisecond config value to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{ResizeWidth: 480, ReadRetryMs: 4},
		Detector: DetectorConfig{
			ModelPath: "yolov8n.onnx",
			Backend:   "cpu",
			ImgSize:   320,
			ConfMin:   0.35,
			IoUNMS:    0.45,
			Classes:   "all",
			TargetFPS: 30,
			FrameSkip: 1,
		},
		Decision: DecisionConfig{
			CenterDeadband: 0.15,
			MidArea:        0.10,
			NearArea:       0.18,
			NearHeight:     0.40,
			BottomNear:     0.82,
			TargetDistCm:   30,
		},
		Maneuver: ManeuverConfig{
			TurnDeg:             25,
			TurnMsPerDeg:        12,
			StopMs:              50,
			BackMs:              160,
			ForwardAfterAvoidMs: 5000,
			RecoverFwdMs:        140,
			SteerCooldownMs:     120,
			PostAvoidCooldownMs: 200,
			ClearBrakeMs:        120,
			PollMs:              15,
			PreemptMargin:       0.05,
		},
		Control: ControlConfig{
			ClearHoldMs:     160,
			IdleCommand:     "S",
			IdleWaitMs:      1,
			ErrorDelayMs:    4,
			StatsIntervalMs: 10000,
		},
		Link: LinkConfig{
			Kind:             LinkWebSocket,
			SerialBaud:       9600,
			ConnectRetryMs:   1000,
			ReconnectDelayMs: 500,
			WriteTimeoutMs:   1000,
		},
		Relay: RelayConfig{
			Addr:        ":3000",
			Path:        "/auto-control",
			HeartbeatMs: 20000,
			Stream: StreamConfig{
				Enabled:    true,
				Path:       "/stream",
				Transport:  "udp",
				Resolution: "640x480",
				Bitrate:    "800k",
				FPS:        30,
				RestartMs:  2000,
			},
			Autopilot: SupervisorConfig{Autostart: true, RestartMs: 1000},
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (skipped when path is empty), optional .env files and the process environment.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if len(envFiles) > 0 {
		// godotenv never overrides variables already set in the environment
		if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the AI_* knobs and endpoint variables.
func (c *Config) applyEnv() {
	c.Source.URL = getEnv("RTSP_URL", c.Source.URL)
	c.Source.ResizeWidth = getEnvInt("AI_RESIZE_W", c.Source.ResizeWidth)

	c.Detector.ModelPath = getEnv("AI_MODEL", c.Detector.ModelPath)
	c.Detector.ImgSize = getEnvInt("AI_IMG_SIZE", c.Detector.ImgSize)
	c.Detector.ConfMin = getEnvFloat("AI_CONF_MIN", c.Detector.ConfMin)
	c.Detector.IoUNMS = getEnvFloat("AI_IOU_NMS", c.Detector.IoUNMS)
	c.Detector.Classes = getEnv("AI_CLASSES", c.Detector.Classes)
	c.Detector.TargetFPS = getEnvInt("AI_TARGET_FPS", c.Detector.TargetFPS)
	c.Detector.FrameSkip = getEnvInt("AI_FRAME_SKIP", c.Detector.FrameSkip)

	c.Decision.CenterDeadband = getEnvFloat("AI_CENTER_DEADBAND", c.Decision.CenterDeadband)
	c.Decision.MidArea = getEnvFloat("AI_MID_AREA", c.Decision.MidArea)
	c.Decision.NearArea = getEnvFloat("AI_NEAR_AREA", c.Decision.NearArea)
	c.Decision.NearHeight = getEnvFloat("AI_NEAR_HEIGHT_N", c.Decision.NearHeight)
	c.Decision.BottomNear = getEnvFloat("AI_BOTTOM_NEAR", c.Decision.BottomNear)
	c.Decision.TargetDistCm = getEnvInt("AI_TARGET_DIST_CM", c.Decision.TargetDistCm)

	c.Maneuver.TurnDeg = getEnvInt("AI_TURN_DEG", c.Maneuver.TurnDeg)
	c.Maneuver.TurnMsPerDeg = getEnvInt("AI_TURN_MS_PER_DEG", c.Maneuver.TurnMsPerDeg)
	c.Maneuver.AvoidTurnExtraMs = getEnvInt("AI_AVOID_TURN_EXTRA_MS", c.Maneuver.AvoidTurnExtraMs)
	c.Maneuver.StopMs = getEnvInt("AI_STOP_MS", c.Maneuver.StopMs)
	c.Maneuver.BackMs = getEnvInt("AI_BACK_MS", c.Maneuver.BackMs)
	c.Maneuver.ForwardAfterAvoidMs = getEnvInt("AI_FORWARD_AFTER_AVOID_MS", c.Maneuver.ForwardAfterAvoidMs)
	c.Maneuver.RecoverFwdMs = getEnvInt("AI_RECOVER_FWD_MS", c.Maneuver.RecoverFwdMs)
	c.Maneuver.SteerCooldownMs = getEnvInt("AI_STEER_COOLDOWN_MS", c.Maneuver.SteerCooldownMs)
	c.Maneuver.PostAvoidCooldownMs = getEnvInt("AI_POST_AVOID_COOLDOWN_MS", c.Maneuver.PostAvoidCooldownMs)
	c.Maneuver.ClearBrakeMs = getEnvInt("AI_CLEAR_BRAKE_MS", c.Maneuver.ClearBrakeMs)

	c.Control.ClearHoldMs = getEnvInt("AI_CLEAR_HOLD_MS", c.Control.ClearHoldMs)
	c.Control.IdleCommand = strings.ToUpper(strings.TrimSpace(getEnv("AI_NO_OBJECT", c.Control.IdleCommand)))
	c.Control.DebugVision = getEnvBool("AI_DEBUG_VISION", c.Control.DebugVision)

	if v := os.Getenv("AUTOPILOT_WS_URL"); v != "" {
		c.Link.URL = v
	} else if host := os.Getenv("NGROK_PUBLIC_URL"); host != "" {
		c.Link.URL = "wss://" + bareHost(host) + "/auto-control"
	}

	c.Relay.Stream.Transport = strings.ToLower(getEnv("CAMERA_TRANSPORT", c.Relay.Stream.Transport))
	c.Relay.Stream.Resolution = getEnv("CAMERA_RES", c.Relay.Stream.Resolution)
	c.Relay.Stream.Bitrate = getEnv("CAMERA_BITRATE", c.Relay.Stream.Bitrate)
	c.Relay.Stream.FPS = getEnvInt("CAMERA_FPS", c.Relay.Stream.FPS)
}

// bareHost strips the scheme and trailing slashes from a public URL.
func bareHost(u string) string {
	for _, p := range []string{"https://", "http://", "wss://", "ws://"} {
		u = strings.TrimPrefix(u, p)
	}
	return strings.TrimRight(u, "/")
}

// Validate rejects configurations the control loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Source.ResizeWidth >= 0, "source.resize_width must be >= 0")
	check(c.Detector.ImgSize > 0, "detector.img_size must be > 0")
	check(c.Detector.ConfMin >= 0 && c.Detector.ConfMin <= 1, "detector.conf_min out of range: %v", c.Detector.ConfMin)
	check(c.Detector.IoUNMS > 0 && c.Detector.IoUNMS <= 1, "detector.iou_nms out of range: %v", c.Detector.IoUNMS)
	check(c.Detector.FrameSkip >= 1, "detector.frame_skip must be >= 1")
	check(c.Detector.TargetFPS >= 0, "detector.target_fps must be >= 0")
	check(c.Decision.CenterDeadband >= 0 && c.Decision.CenterDeadband <= 0.5, "decision.center_deadband out of range: %v", c.Decision.CenterDeadband)
	for name, v := range map[string]float64{
		"mid_area":    c.Decision.MidArea,
		"near_area":   c.Decision.NearArea,
		"near_height": c.Decision.NearHeight,
		"bottom_near": c.Decision.BottomNear,
	} {
		check(v >= 0 && v <= 1, "decision.%s out of range: %v", name, v)
	}
	check(c.Maneuver.PollMs > 0, "maneuver.poll_ms must be > 0")
	check(c.Maneuver.TurnDeg >= 0 && c.Maneuver.TurnMsPerDeg >= 0, "maneuver turn timing must be >= 0")
	check(c.Maneuver.StopMs >= 0 && c.Maneuver.BackMs >= 0 && c.Maneuver.ForwardAfterAvoidMs >= 0, "maneuver durations must be >= 0")
	for name, v := range map[string]int{
		"maneuver.clear_brake_ms":         c.Maneuver.ClearBrakeMs,
		"maneuver.post_avoid_cooldown_ms": c.Maneuver.PostAvoidCooldownMs,
		"maneuver.steer_cooldown_ms":      c.Maneuver.SteerCooldownMs,
		"control.clear_hold_ms":           c.Control.ClearHoldMs,
		"link.reconnect_delay_ms":         c.Link.ReconnectDelayMs,
	} {
		check(v >= 0, "%s must be >= 0, got %d", name, v)
	}
	check(c.Control.IdleWaitMs > 0, "control.idle_wait_ms must be > 0")
	if _, err := ParseCommand(c.Control.IdleCommand); err != nil {
		errs = append(errs, fmt.Errorf("control.idle_command: %w", err))
	}
	switch c.Link.Kind {
	case LinkWebSocket, LinkSerial:
	default:
		errs = append(errs, fmt.Errorf("link.kind must be %q or %q, got %q", LinkWebSocket, LinkSerial, c.Link.Kind))
	}
	check(c.Link.ConnectRetryMs > 0, "link.connect_retry_ms must be > 0")
	if c.Relay.Stream.Enabled {
		switch c.Relay.Stream.Transport {
		case "udp", "tcp":
		default:
			errs = append(errs, fmt.Errorf("relay.stream.transport must be udp or tcp, got %q", c.Relay.Stream.Transport))
		}
		check(c.Relay.Stream.FPS > 0, "relay.stream.fps must be > 0")
	}
	return errors.Join(errs...)
}

// TurnDuration is the time spent turning away from an obstacle.
func (m ManeuverConfig) TurnDuration() time.Duration {
	return Ms(m.TurnDeg*m.TurnMsPerDeg + m.AvoidTurnExtraMs)
}

// ClassIDs returns the class filter, nil meaning every class.
// A list that does not parse falls back to every class.
func (d DetectorConfig) ClassIDs() []int {
	s := strings.TrimSpace(strings.ToLower(d.Classes))
	if s == "" || s == "all" {
		return nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

// IdleCmd returns the parsed idle command.
func (c ControlConfig) IdleCmd() Command {
	cmd, err := ParseCommand(c.IdleCommand)
	if err != nil {
		return Stop
	}
	return cmd
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
