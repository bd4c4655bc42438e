package httpapi

import (
	"net/http"
	"time"

	"github.com/studysync/syncengine/internal/conflict"
	"github.com/studysync/syncengine/internal/service/syncservice"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion   string              `json:"apiVersion"`
	ServerTime   string              `json:"serverTime"`
	Strategies   []conflict.Strategy `json:"strategies"`
	RulesVersion int                 `json:"rulesVersion"`
	PageLimit    int                 `json:"pageLimit"`
	Priority     PriorityInfo        `json:"priority"`
	RateLimit    *RateLimitInfo      `json:"rateLimit,omitempty"`
	Hints        *SyncHints          `json:"hints,omitempty"`
}

// PriorityInfo lists the change feed's table tiers; unlisted tables are low
type PriorityInfo struct {
	High   []string `json:"high"`
	Medium []string `json:"medium"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// DefaultRateLimitConfig allows 600 requests a minute with bursts of 120
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommendedBatch"` // safe batch size
	BackoffMsOn429   int `json:"backoffMsOn429"`   // default backoff if Retry-After missing
}

// Info handles GET /info
// Returns server capabilities so clients can discover supported strategies
// without authenticating.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion:   "1.0",
		ServerTime:   time.Now().UTC().Format(time.RFC3339Nano),
		Strategies:   conflict.Strategies,
		RulesVersion: s.Sync.Engine.Rules().Version(),
		PageLimit:    s.Sync.PageLimit,
		Priority: PriorityInfo{
			High:   syncservice.HighPriorityTables,
			Medium: syncservice.MediumPriorityTables,
		},
		Hints: &SyncHints{
			RecommendedBatch: 100,
			BackoffMsOn429:   1500,
		},
	}
	if s.RateLimitConfig.MaxRequests > 0 {
		rl := s.RateLimitConfig
		info.RateLimit = &rl
	}

	writeJSON(w, http.StatusOK, info)
}
