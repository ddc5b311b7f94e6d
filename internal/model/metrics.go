package model

type Metrics struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	QueueDepth    QueueDepth      `yaml:"queue_depth"`
	Counters      MetricsCounters `yaml:"counters"`
	UpdatedAt     *string         `yaml:"updated_at"`
}

type QueueDepth struct {
	Debouncing int `yaml:"debouncing" json:"debouncing"`
	Queued     int `yaml:"queued" json:"queued"`
	Running    int `yaml:"running" json:"running"`
}

type MetricsCounters struct {
	EventsReceived      int `yaml:"events_received"`
	EventsCoalesced     int `yaml:"events_coalesced"`
	RunsDispatched      int `yaml:"runs_dispatched"`
	RunsCompleted       int `yaml:"runs_completed"`
	RunsTimedOut        int `yaml:"runs_timed_out"`
	RunsRetried         int `yaml:"runs_retried"`
	RunsFailed          int `yaml:"runs_failed"`
	RunsCancelled       int `yaml:"runs_cancelled"`
	BackpressureSheds   int `yaml:"backpressure_sheds"`
	FindingsStored      int `yaml:"findings_stored"`
	FindingsAutoFixed   int `yaml:"findings_auto_fixed"`
	FindingsEvicted     int `yaml:"findings_evicted"`
	PartitionsRecovered int `yaml:"partitions_recovered"`
	DeadLetters         int `yaml:"dead_letters"`
}
