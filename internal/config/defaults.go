package config

const (
	defaultOutputDir             = "output"
	defaultDataDir               = "data"
	defaultLogDir                = "~/.local/share/conewatch/logs"
	defaultStateDir              = "~/.local/share/conewatch"
	defaultParamsFile            = "config/default_params.json"
	defaultBind                  = "127.0.0.1:8080"
	defaultPingIntervalSeconds   = 30
	defaultSubscriberBuffer      = 16
	defaultPollIntervalMillis    = 1000
	defaultPipelineBinary        = "./build/driverless"
	defaultPipelineWorkDir       = "."
	defaultPipelineTimeout       = 30
	defaultConcurrencyPolicy     = PolicyReject
	defaultServerURL             = "http://127.0.0.1:8080"
	defaultReconnectDelaySeconds = 2
	defaultMaxReconnectAttempts  = 5
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
	defaultHistoryLimit          = 500
	defaultNtfyTimeoutSeconds    = 10
)

// Concurrency policies for overlapping pipeline invocations.
const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"
)

var defaultArtifacts = []string{
	"detected_cones.json",
	"detected_cones.png",
	"odometry_matches.png",
	"original_image.png",
}

var defaultRequiredParamKeys = []string{
	"colorDetection",
	"coneDetection",
	"odometry",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir:  defaultOutputDir,
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			StateDir:   defaultStateDir,
			ParamsFile: defaultParamsFile,
		},
		Server: Server{
			Bind:                defaultBind,
			PingIntervalSeconds: defaultPingIntervalSeconds,
			SubscriberBuffer:    defaultSubscriberBuffer,
		},
		Watch: Watch{
			PollIntervalMillis: defaultPollIntervalMillis,
			Artifacts:          append([]string(nil), defaultArtifacts...),
			FSNotify:           true,
		},
		Pipeline: Pipeline{
			Binary:         defaultPipelineBinary,
			WorkDir:        defaultPipelineWorkDir,
			TimeoutSeconds: defaultPipelineTimeout,
			Concurrency:    defaultConcurrencyPolicy,
			CrossProcess:   true,
		},
		Client: Client{
			ServerURL:             defaultServerURL,
			ReconnectDelaySeconds: defaultReconnectDelaySeconds,
			MaxReconnectAttempts:  defaultMaxReconnectAttempts,
		},
		Params: Params{
			RequiredKeys: append([]string(nil), defaultRequiredParamKeys...),
		},
		History: History{
			Enabled:    true,
			MaxRecords: defaultHistoryLimit,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
