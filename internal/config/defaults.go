package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.classchat",
			LogLevel: "info",
		},
		Server: ServerConfig{
			BaseURL:               "http://127.0.0.1:8080",
			RequestTimeoutSeconds: 15,
		},
		Auth: AuthConfig{
			TokenFile: "~/.classchat/token",
		},
		Send: SendConfig{
			ReconcileTimeoutMS: 5000,
		},
		History: HistoryConfig{
			PageSize: 40,
		},
		Typing: TypingConfig{
			ThrottleMS: 2000,
			ExpiryMS:   4000,
		},
		Uploads: UploadsConfig{
			MaxSizeMB:   50,
			Concurrency: 3,
		},
		Cache: CacheConfig{
			Enabled: true,
			DBPath:  "~/.classchat/cache.db",
		},
		Realtime: RealtimeConfig{
			Transport:     "websocket",
			SubjectPrefix: "classchat.conversation",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9091",
		},
	}
}
