package config

const (
	defaultWorkspaceDir   = "~/.local/share/shortform/workspace"
	defaultLibraryDir     = "~/videos"
	defaultLogDir         = "~/.local/share/shortform/logs"
	defaultLogRetention   = 60
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
	defaultPollInterval   = 5
	defaultErrorRetry     = 10
	defaultHeartbeatEvery = 15
	defaultHeartbeatDead  = 120
	defaultMaxConcurrent  = 2

	defaultScriptBaseURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultScriptModel          = "google/gemini-3-flash-preview"
	defaultScriptReferer        = "https://github.com/shortform/shortform"
	defaultScriptTitle          = "Shortform Script Writer"
	defaultScriptTimeoutSeconds = 60

	defaultSpeechBaseURL        = "https://api.elevenlabs.io/v1"
	defaultSpeechVoice          = "onyx"
	defaultSpeechFormat         = "mp3"
	defaultSpeechTimeoutSeconds = 120

	defaultVisualsBaseURL        = "https://image.pollinations.ai/prompt"
	defaultVisualsModel          = "flux"
	defaultVisualsWidth          = 1080
	defaultVisualsHeight         = 1920
	defaultVisualsTimeoutSeconds = 90

	defaultComposeResolution     = "1080x1920"
	defaultComposeFPS            = 30
	defaultComposeTimeoutSeconds = 900

	defaultPublishCategoryID     = "22"
	defaultPublishPrivacyStatus  = "private"
	defaultPublishTimeoutSeconds = 600

	defaultNotifyRequestTimeout = 10
	defaultNotifyDedupWindow    = 600
)

var defaultRetry = Retry{
	MaxAttempts:      4,
	BaseDelaySeconds: 2,
	Multiplier:       2.0,
	MaxDelaySeconds:  60,
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceDir: defaultWorkspaceDir,
			LibraryDir:   defaultLibraryDir,
			LogDir:       defaultLogDir,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetry,
			HeartbeatInterval:  defaultHeartbeatEvery,
			HeartbeatTimeout:   defaultHeartbeatDead,
			MaxConcurrentJobs:  defaultMaxConcurrent,
		},
		Script: Script{
			BaseURL:        defaultScriptBaseURL,
			Model:          defaultScriptModel,
			Referer:        defaultScriptReferer,
			Title:          defaultScriptTitle,
			TimeoutSeconds: defaultScriptTimeoutSeconds,
		},
		Speech: Speech{
			BaseURL:        defaultSpeechBaseURL,
			Voice:          defaultSpeechVoice,
			Format:         defaultSpeechFormat,
			TimeoutSeconds: defaultSpeechTimeoutSeconds,
		},
		Visuals: Visuals{
			BaseURL:        defaultVisualsBaseURL,
			Model:          defaultVisualsModel,
			Width:          defaultVisualsWidth,
			Height:         defaultVisualsHeight,
			TimeoutSeconds: defaultVisualsTimeoutSeconds,
		},
		Compose: Compose{
			Resolution:     defaultComposeResolution,
			FPS:            defaultComposeFPS,
			TimeoutSeconds: defaultComposeTimeoutSeconds,
		},
		Publish: Publish{
			CategoryID:     defaultPublishCategoryID,
			PrivacyStatus:  defaultPublishPrivacyStatus,
			TimeoutSeconds: defaultPublishTimeoutSeconds,
		},
		Notifications: Notifications{
			RequestTimeout:     defaultNotifyRequestTimeout,
			JobComplete:        true,
			JobFailed:          true,
			QueueDrained:       true,
			DedupWindowSeconds: defaultNotifyDedupWindow,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetention,
		},
	}
}
