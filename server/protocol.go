package main

import "time"

// Command type wire strings. These are the exact frames the judge remote,
// control panel and spectator pages send.
const (
	CmdInitRoute        = "INIT_ROUTE"
	CmdStartTimer       = "START_TIMER"
	CmdStopTimer        = "STOP_TIMER"
	CmdResumeTimer      = "RESUME_TIMER"
	CmdProgressUpdate   = "PROGRESS_UPDATE"
	CmdSubmitScore      = "SUBMIT_SCORE"
	CmdRegisterTime     = "REGISTER_TIME"
	CmdActiveClimber    = "ACTIVE_CLIMBER"
	CmdSetTimeCriterion = "SET_TIME_CRITERION"
	CmdTimerSync        = "TIMER_SYNC"
	CmdRequestState     = "REQUEST_STATE"
	CmdResetBox         = "RESET_BOX"
	CmdPing             = "PING"
	CmdPong             = "PONG"
)

// Event type wire strings. Command echoes reuse the command name; the rest
// are server-originated frames.
const (
	EvtStateSnapshot       = "STATE_SNAPSHOT"
	EvtPublicStateSnapshot = "PUBLIC_STATE_SNAPSHOT"
	EvtBoxStatusUpdate     = "BOX_STATUS_UPDATE"
	EvtBoxFlowUpdate       = "BOX_FLOW_UPDATE"
	EvtBoxRankingUpdate    = "BOX_RANKING_UPDATE"
	EvtCmdResult           = "CMD_RESULT"
)

// Dispatcher result statuses.
const (
	StatusOK      = "ok"
	StatusIgnored = "ignored"
	StatusError   = "error"
)

// Ignore/error reasons surfaced to clients.
const (
	ReasonStale           = "stale"
	ReasonForbidden       = "forbidden"
	ReasonUnauthenticated = "unauthenticated"
	ReasonPrecondition    = "precondition"
	ReasonRateLimited     = "rate_limited"
	ReasonHalfHoldUsed    = "half_hold_used"
	ReasonUnknownBox      = "unknown_box"
	ReasonUnknownType     = "unknown_type"
	ReasonInternal        = "internal"
)

// WebSocket close codes. 4xxx codes are part of the client contract: 4401 and
// 4403 mean "do not reconnect without a new credential".
const (
	CloseNormal          = 1000
	CloseUnauthenticated = 4401
	CloseForbiddenBox    = 4403
	CloseSlowConsumer    = 4408
	CloseBoxDeleted      = 4409
)

// Timer states.
const (
	TimerIdle    = "idle"
	TimerRunning = "running"
	TimerPaused  = "paused"
)

// Competitor is one roster entry with its per-route marked flag.
type Competitor struct {
	Name   string `json:"name"`
	Club   string `json:"club,omitempty"`
	Marked bool   `json:"marked"`
}

// CompetitorSpec is the roster shape carried by INIT_ROUTE.
type CompetitorSpec struct {
	Name string `json:"name"`
	Club string `json:"club,omitempty"`
}

// Command is the single normalized command shape for both transports
// (HTTP POST /api/cmd and operator WebSocket frames). Payload fields are
// a union; each command type reads only its own.
type Command struct {
	BoxID      int    `json:"boxId"`
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	BoxVersion int64  `json:"boxVersion,omitempty"`

	// INIT_ROUTE
	RouteIndex  int              `json:"routeIndex,omitempty"`
	HoldsCount  int              `json:"holdsCount,omitempty"`
	Competitors []CompetitorSpec `json:"competitors,omitempty"`
	TimerPreset string           `json:"timerPreset,omitempty"` // "MM:SS"

	// PROGRESS_UPDATE: absolute value wins over delta when both are present.
	Delta        float64  `json:"delta,omitempty"`
	HoldAbsolute *float64 `json:"holdCount,omitempty"`

	// SUBMIT_SCORE / ACTIVE_CLIMBER
	Competitor     string   `json:"competitor,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	RegisteredTime *float64 `json:"registeredTime,omitempty"`
	Name           string   `json:"name,omitempty"`

	// REGISTER_TIME
	Seconds *float64 `json:"seconds,omitempty"`

	// SET_TIME_CRITERION
	Enabled *bool `json:"enabled,omitempty"`

	// TIMER_SYNC
	Remaining *int `json:"remaining,omitempty"`
}

// Result is what the dispatcher returns to the caller on either transport.
// Ignored is a cheap, side-effect-free outcome: the client pulls a snapshot
// and may retry once.
type Result struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	BoxVersion int64  `json:"boxVersion,omitempty"`
	RetryAfter int    `json:"retryAfterSec,omitempty"`
}

// Event is a narrow delta echoing a successful command. Only the fields
// relevant to the echoed command are populated.
type Event struct {
	Type   string    `json:"type"`
	BoxID  int       `json:"boxId"`
	Ts     time.Time `json:"ts"`
	BoxRef string    `json:"categorie,omitempty"`

	TimerState       string   `json:"timerState,omitempty"`
	Remaining        *int     `json:"remaining,omitempty"`
	HoldCount        *float64 `json:"holdCount,omitempty"`
	UsedHalfHold     *bool    `json:"usedHalfHold,omitempty"`
	RouteIndex       int      `json:"routeIndex,omitempty"`
	Competitor       string   `json:"competitor,omitempty"`
	Score            *float64 `json:"score,omitempty"`
	RegisteredTime   *float64 `json:"registeredTime,omitempty"`
	CurrentClimber   string   `json:"currentClimber,omitempty"`
	PreparingClimber string   `json:"preparingClimber,omitempty"`
	TimeCriterion    *bool    `json:"timeCriterionEnabled,omitempty"`
}

// Snapshot is the authoritative state of a box, sent to admin/judge
// subscribers on connect and after every successful command.
type Snapshot struct {
	Type       string `json:"type"` // STATE_SNAPSHOT
	BoxID      int    `json:"boxId"`
	SessionID  string `json:"sessionId"`
	BoxVersion int64  `json:"boxVersion"`

	Categorie   string `json:"categorie"`
	Initiated   bool   `json:"initiated"`
	RouteIndex  int    `json:"routeIndex"`
	RoutesCount int    `json:"routesCount"`
	HoldsCounts []int  `json:"holdsCounts"`
	HoldsCount  int    `json:"holdsCount"`

	TimerPresetSec int    `json:"timerPresetSec"`
	TimerState     string `json:"timerState"`
	Remaining      int    `json:"remaining"`

	HoldCount    float64 `json:"holdCount"`
	UsedHalfHold bool    `json:"usedHalfHold"`

	Competitors      []Competitor `json:"competitors"`
	CurrentClimber   string       `json:"currentClimber"`
	PreparingClimber string       `json:"preparingClimber"`

	RegisteredTime       *float64              `json:"registeredTime,omitempty"`
	ScoresByName         map[string][]*float64 `json:"scoresByName"`
	TimesByName          map[string][]*float64 `json:"timesByName"`
	TimeCriterionEnabled bool                  `json:"timeCriterionEnabled"`

	ShutdownReason string    `json:"shutdownReason,omitempty"`
	Ts             time.Time `json:"ts"`
}

// PublicSnapshot is the spectator-safe shape: no session pair, no roster
// beyond display names.
type PublicSnapshot struct {
	Type  string `json:"type"` // STATE_SNAPSHOT on the public channel
	BoxID int    `json:"boxId"`

	Categorie   string `json:"categorie"`
	Initiated   bool   `json:"initiated"`
	RouteIndex  int    `json:"routeIndex"`
	RoutesCount int    `json:"routesCount"`
	HoldsCounts []int  `json:"holdsCounts"`
	HoldsCount  int    `json:"holdsCount"`

	TimerState string `json:"timerState"`
	Remaining  int    `json:"remaining"`

	HoldCount        float64 `json:"holdCount"`
	CurrentClimber   string  `json:"currentClimber"`
	PreparingClimber string  `json:"preparingClimber"`

	ScoresByName         map[string][]*float64 `json:"scoresByName"`
	TimesByName          map[string][]*float64 `json:"timesByName"`
	TimeCriterionEnabled bool                  `json:"timeCriterionEnabled"`

	Ts time.Time `json:"ts"`
}

// BoxListing is one row of GET /api/public/boxes.
type BoxListing struct {
	BoxID          int    `json:"boxId"`
	Label          string `json:"label"`
	Categorie      string `json:"categorie"`
	Initiated      bool   `json:"initiated"`
	TimerState     string `json:"timerState"`
	CurrentClimber string `json:"currentClimber"`
}

// AggregateSnapshot is the combined public view for the rankings page and
// the aggregate WebSocket channel.
type AggregateSnapshot struct {
	Type  string           `json:"type"` // PUBLIC_STATE_SNAPSHOT
	Boxes []PublicSnapshot `json:"boxes"`
	Ts    time.Time        `json:"ts"`
}

// commandKind buckets command types for rate limiting: progress updates get
// the high budget, everything else the low one.
func commandKind(cmdType string) string {
	if cmdType == CmdProgressUpdate {
		return "progress"
	}
	return "other"
}

// needsSessionPair reports whether a command type must carry the current
// (sessionId, boxVersion) pair. Read-only and heartbeat frames are exempt.
func needsSessionPair(cmdType string) bool {
	switch cmdType {
	case CmdRequestState, CmdPing, CmdPong:
		return false
	}
	return true
}
