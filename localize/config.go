package localize

import "time"

// Config represents the full configuration file.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Map       MapConfig       `yaml:"map" json:"map"`
	Matcher   MatcherConfig   `yaml:"matcher" json:"matcher"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Pose      PoseConfig      `yaml:"pose" json:"pose"`
	Fusion    FusionConfig    `yaml:"fusion" json:"fusion"`
	Extractor ExtractorConfig `yaml:"extractor" json:"extractor"`
	Loop      LoopConfig      `yaml:"loop" json:"loop"`
	Frames    FramesConfig    `yaml:"frames" json:"frames"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	State     StateConfig     `yaml:"state" json:"state"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	FrameTopic    string `yaml:"frameTopic,omitempty" json:"frameTopic,omitempty"`
}

// CameraConfig holds the fixed calibration of the live camera.
type CameraConfig struct {
	Fx         float64    `yaml:"fx" json:"fx" validate:"gt=0"`
	Fy         float64    `yaml:"fy" json:"fy" validate:"gt=0"`
	Cx         float64    `yaml:"cx" json:"cx"`
	Cy         float64    `yaml:"cy" json:"cy"`
	Distortion Distortion `yaml:"distortion" json:"distortion"`
}

// Intrinsics builds the camera model.
func (c CameraConfig) Intrinsics() (CameraIntrinsics, error) {
	return NewCameraIntrinsics(c.Fx, c.Fy, c.Cx, c.Cy, c.Distortion)
}

// MapConfig locates the map project and its descriptor cache.
type MapConfig struct {
	Project   string      `yaml:"project" json:"project" validate:"required"`
	ImageRoot string      `yaml:"imageRoot,omitempty" json:"imageRoot,omitempty"`
	Cache     CacheConfig `yaml:"cache" json:"cache"`
}

// LoopConfig controls the periodic localization loop.
type LoopConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`
}

// FramesConfig enables the local frame sources.
type FramesConfig struct {
	Directory string `yaml:"directory,omitempty" json:"directory,omitempty"`
}

// HTTPConfig controls the HTTP server.
type HTTPConfig struct {
	Addr         string `yaml:"addr" json:"addr"`
	MaxFrameSize int64  `yaml:"maxFrameSize" json:"maxFrameSize" validate:"gte=0"`
}

// StateConfig controls state persistence.
type StateConfig struct {
	HistoryPath string `yaml:"historyPath,omitempty" json:"historyPath,omitempty"`
}

// LogConfig selects the logger flavor.
type LogConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Env   string `yaml:"env" json:"env" validate:"omitempty,oneof=production development"`
}

// DefaultConfig returns a configuration with every default filled in. The
// map project still has to be set.
func DefaultConfig() *Config {
	cam := DefaultCameraIntrinsics()
	return &Config{
		MQTT: MQTTConfig{
			PublishPrefix: DefaultPublishPrefix,
			ClientID:      "maplocalizer",
			FrameTopic:    "maplocalizer/frames",
		},
		Camera: CameraConfig{
			Fx: cam.Fx, Fy: cam.Fy, Cx: cam.Cx, Cy: cam.Cy,
			Distortion: cam.Distortion,
		},
		Map:       MapConfig{Cache: DefaultCacheConfig()},
		Matcher:   DefaultMatcherConfig(),
		Search:    DefaultSearchConfig(),
		Pose:      DefaultPoseConfig(),
		Fusion:    DefaultFusionConfig(),
		Extractor: DefaultExtractorConfig(),
		Loop:      LoopConfig{Interval: 100 * time.Millisecond},
		HTTP:      HTTPConfig{Addr: ":4040", MaxFrameSize: 16 << 20},
		Log:       LogConfig{Level: "info", Env: "production"},
	}
}
