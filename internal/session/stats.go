package session

import "time"

// Stats carries per-session running averages over completed turns.
type Stats struct {
	TotalRequests int     `json:"total_requests"`
	AvgSTTSec     float64 `json:"avg_stt_time"`
	AvgChatSec    float64 `json:"avg_gpt_time"`
	AvgTTSSec     float64 `json:"avg_tts_time"`
	SessionStart  int64   `json:"session_start"`
}

func runningAvg(avg float64, count int, sample time.Duration) float64 {
	return (avg*float64(count) + sample.Seconds()) / float64(count+1)
}
