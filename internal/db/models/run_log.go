package models

// SyncRunLog records one orchestrator run for the status API.
type SyncRunLog struct {
	ID        string `gorm:"primaryKey" json:"id"`
	RunID     string `gorm:"index" json:"run_id"`
	AccountID string `gorm:"index" json:"account_id"`
	Channel   string `gorm:"index" json:"channel"`
	StartedAt int64  `gorm:"index" json:"started_at"`
	Duration  int64  `json:"duration"` // milliseconds
	Pages     int    `json:"pages"`
	Items     int    `json:"items"`
	Error     string `json:"error,omitempty"`
}

// SyncRunStats holds aggregated statistics for run logs.
type SyncRunStats struct {
	TotalRuns    int64 `json:"total_runs"`
	SuccessCount int64 `json:"success_count"`
	ErrorCount   int64 `json:"error_count"`
}
