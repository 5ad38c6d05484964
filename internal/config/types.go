package config

// Config is the root configuration for ChatFlow.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Engine   EngineConfig   `yaml:"engine,omitempty"`
	Bot      BotConfig      `yaml:"bot,omitempty"`
	ImageGen ImageGenConfig `yaml:"imageGen,omitempty"`
	Notify   NotifyConfig   `yaml:"notify,omitempty"`
	Store    StoreConfig    `yaml:"store,omitempty"`
	Bridge   *BridgeConfig  `yaml:"bridge,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
}

// EngineConfig tunes the dispatch and coalescing engine.
type EngineConfig struct {
	// ConcurrencyInSession caps how many contexts from one session may be
	// processing at the same time.
	ConcurrencyInSession int `yaml:"concurrencyInSession,omitempty"`
	// WorkerPoolSize is the shared worker budget across all sessions.
	WorkerPoolSize int `yaml:"workerPoolSize,omitempty"`
	// EmptyReplyRetryCount is how many extra generation attempts are made
	// when the bot yields an empty reply. Zero disables retries; nil means
	// the default (2).
	EmptyReplyRetryCount *int `yaml:"emptyReplyRetryCount,omitempty"`
	GachaDefaultCount    int  `yaml:"gachaDefaultCount,omitempty"`
	GachaMaxCount        int  `yaml:"gachaMaxCount,omitempty"`
	// ImageGraceSeconds is how long a lone image waits for a text or
	// image-create command before falling through to image recognition.
	// Observed values in the wild are 3-10s; the default is 10.
	ImageGraceSeconds int `yaml:"imageGraceSeconds,omitempty"`

	SingleChatPrefix      []string `yaml:"singleChatPrefix,omitempty"`
	SingleChatReplyPrefix string   `yaml:"singleChatReplyPrefix,omitempty"`
	SingleChatReplySuffix string   `yaml:"singleChatReplySuffix,omitempty"`
	GroupChatPrefix       []string `yaml:"groupChatPrefix,omitempty"`
	GroupChatKeyword      []string `yaml:"groupChatKeyword,omitempty"`
	GroupChatReplyPrefix  string   `yaml:"groupChatReplyPrefix,omitempty"`
	GroupChatReplySuffix  string   `yaml:"groupChatReplySuffix,omitempty"`
	GroupNameWhiteList    []string `yaml:"groupNameWhiteList,omitempty"`
	// GroupNameKeywordWhiteList admits any group whose name contains one
	// of these keywords.
	GroupNameKeywordWhiteList []string `yaml:"groupNameKeywordWhiteList,omitempty"`
	GroupChatInOneSession     []string `yaml:"groupChatInOneSession,omitempty"`
	GroupAtOff                bool     `yaml:"groupAtOff,omitempty"`
	NickNameBlackList         []string `yaml:"nickNameBlackList,omitempty"`
	ImageCreatePrefix         []string `yaml:"imageCreatePrefix,omitempty"`
	GachaPrefix               []string `yaml:"gachaPrefix,omitempty"`
	// TriggerBySelf allows the bot's own messages to be processed;
	// defaults to true.
	TriggerBySelf    *bool `yaml:"triggerBySelf,omitempty"`
	AlwaysReplyVoice bool  `yaml:"alwaysReplyVoice,omitempty"`
}

// BotConfig points at the reply-generation collaborator.
type BotConfig struct {
	APIBase        string `yaml:"apiBase,omitempty"`
	APIKey         string `yaml:"apiKey,omitempty"`
	Model          string `yaml:"model,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// ImageGenConfig points at the image-generation collaborator. An empty
// Model disables the image-create and gacha coalescing windows.
type ImageGenConfig struct {
	APIBase   string `yaml:"apiBase,omitempty"`
	APIKey    string `yaml:"apiKey,omitempty"`
	Model     string `yaml:"model,omitempty"`
	ImageSize string `yaml:"imageSize,omitempty"`
}

// NotifyConfig configures the error-notification webhook.
type NotifyConfig struct {
	WebhookURL       string   `yaml:"webhookUrl,omitempty"`
	Mentions         []string `yaml:"mentions,omitempty"`
	RateLimitSeconds int      `yaml:"rateLimitSeconds,omitempty"`
}

// StoreConfig configures the request log database.
type StoreConfig struct {
	// Path to the SQLite file; empty uses <data>/chatflow.db,
	// ":memory:" keeps the log in memory.
	Path string `yaml:"path,omitempty"`
	// Disabled turns off request logging entirely.
	Disabled bool `yaml:"disabled,omitempty"`
}

// BridgeConfig configures the WebSocket bridge channel.
type BridgeConfig struct {
	Listen string `yaml:"listen,omitempty"`
	Path   string `yaml:"path,omitempty"`
	Token  string `yaml:"token,omitempty"`
}
