package config

// Default returns the configuration used when no file overrides are present.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: "~/.local/share/autostage",
			LogDir:  "~/.local/share/autostage/logs",
		},
		Server: Server{
			Bind: "127.0.0.1:7070",
		},
		Upload: Upload{
			MaxUploadSize:         "4GB",
			MaxChunkSize:          "8MB",
			MaxAssemblingPerOwner: 4,
			SessionRetentionHours: 24,
			SweepIntervalSeconds:  300,
		},
		Pipeline: Pipeline{
			WorkerCount:            4,
			MaxRetries:             3,
			RetryBackoffSeconds:    5,
			RetryBackoffCapSeconds: 120,
			Stages:                 DefaultStages(),
		},
		Processor: Processor{
			RequestTimeout: 600,
		},
		ObjectStore: ObjectStore{
			Prefix: "artifacts/",
		},
		Monitoring: Monitoring{
			RequestTimeout: 10,
		},
		Errors: Errors{
			HistoryLimit:   200,
			RetentionHours: 72,
		},
		Logging: Logging{
			Format: "auto",
			Level:  "info",
		},
	}
}

// DefaultStages returns the built-in content-generation stage sequence.
// Weights sum to 100.
func DefaultStages() []Stage {
	return []Stage{
		{ID: "transcription", DisplayName: "Transcription", Weight: 25, EstimatedDurationSeconds: 180},
		{ID: "segmentation", DisplayName: "Segmentation", Weight: 20, EstimatedDurationSeconds: 90},
		{ID: "clips", DisplayName: "Clip Generation", Weight: 35, EstimatedDurationSeconds: 300},
		{ID: "social", DisplayName: "Social Content", Weight: 20, EstimatedDurationSeconds: 120},
	}
}
