package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:         "~/.chessbuddy",
			LogLevel:        "info",
			DefaultLanguage: "hinglish",
			DefaultProvider: "groq",
			AnswerMode:      "classify",
			AuditLog:        true,
		},
		Providers: map[string]ProviderConfig{
			"groq": {
				Enabled:         true,
				APIBase:         "https://api.groq.com/openai/v1",
				APIKey:          "${GROQ_API_KEY}",
				DefaultModel:    "llama-3.1-8b-instant",
				RateLimitPerMin: 30,
				TimeoutSeconds:  30,
			},
		},
		Generation: GenerationConfig{
			MaxTokens:   500,
			Temperature: 0.2,
		},
		Embedding: EmbeddingConfig{
			APIBase: "${CHESSBUDDY_EMBEDDING_URL:-http://localhost:7997/v1}",
			APIKey:  "${CHESSBUDDY_EMBEDDING_KEY}",
			Model:   "distiluse-base-multilingual-cased-v1",
		},
		Knowledge: KnowledgeConfig{
			StoriesDir:       "~/.chessbuddy/stories",
			DBPath:           "~/.chessbuddy/index.db",
			ChunkSize:        500,
			ChunkOverlap:     100,
			TopK:             5,
			ScoreThreshold:   0.5,
			EmbedConcurrency: 4,
		},
		Normalizer: NormalizerConfig{
			Enabled:   true,
			MemoSize:  256,
			MaxLength: 200,
		},
		Cache: CacheConfig{
			Enabled:       true,
			TranscriptTTL: 86400,
			TranscriptMax: 50,
			ResponseTTL:   3600,
			ResponseMax:   256,
			VideoMax:      50,
		},
		Video: VideoConfig{
			TempDir:           "~/.chessbuddy/tmp",
			YtDlp:             "yt-dlp",
			CookieBrowsers:    []string{"chrome", "edge", "firefox"},
			SocketTimeout:     300,
			Retries:           3,
			MaxDuration:       3600,
			AnswerMaxChars:    18000,
			ExplainMaxChars:   15000,
			MaxConcurrentJobs: 2,
		},
		Transcription: TranscriptionConfig{
			Backend:  "api",
			APIBase:  "https://api.groq.com/openai/v1",
			APIKey:   "${GROQ_API_KEY}",
			Model:    "whisper-large-v3",
			Binary:   "whisper-cli",
			FFmpeg:   "ffmpeg",
			BeamSize: 5,
			VAD:      true,
			Timeout:  900,
		},
		Speech: SpeechConfig{
			Provider:     "openai",
			APIBase:      "https://api.openai.com/v1",
			APIKey:       "${OPENAI_API_KEY}",
			Model:        "tts-1",
			VoiceEnglish: "nova",
			VoiceHindi:   "shimmer",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "${TELEGRAM_BOT_TOKEN}",
				ParseMode: "Markdown",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		API: APIConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
	}
}
