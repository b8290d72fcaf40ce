package store

import "time"

// BoxRecord is the durable configuration of a box: everything needed to
// recreate it after a restart, minus live timer/progress state (that lives
// in the snapshot blob).
type BoxRecord struct {
	BoxID          int           `json:"box_id"`
	Categorie      string        `json:"categorie"`
	RoutesCount    int           `json:"routes_count"`
	HoldsCounts    []int         `json:"holds_counts"`
	TimerPresetSec int           `json:"timer_preset_sec"`
	Competitors    []RosterEntry `json:"competitors"`
	CreatedAt      time.Time     `json:"created_at"`
}

// RosterEntry is one competitor row from an uploaded start list.
type RosterEntry struct {
	Name string `json:"name"`
	Club string `json:"club,omitempty"`
}

// RankingRecord is a finalized per-category result set.
type RankingRecord struct {
	Categorie       string                `json:"categorie"`
	RouteCount      int                   `json:"route_count"`
	Scores          map[string][]*float64 `json:"scores"`
	Times           map[string][]*float64 `json:"times"`
	Clubs           map[string]string     `json:"clubs,omitempty"`
	UseTimeTiebreak bool                  `json:"use_time_tiebreak"`
	SavedAt         time.Time             `json:"saved_at"`
}
