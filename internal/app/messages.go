package app

import (
	"time"

	"github.com/relabs-tech/shake_relax/internal/breath"
	"github.com/relabs-tech/shake_relax/internal/session"
)

// Wire types shared by the runners. All travel as JSON over MQTT.

// Session commands accepted on the command topic.
const (
	ActionRestart = "restart"
	ActionFinish  = "finish"
	ActionNew     = "new"
)

// Route names published on the route topic. The session route itself comes
// from WATCHER_TARGET_ROUTE.
const RouteHome = "Home"

type Command struct {
	Action string `json:"action"`
	Notes  string `json:"notes,omitempty"`
}

// RecordMessage reports the outcome of a finish.
type RecordMessage struct {
	ID     string         `json:"id,omitempty"`
	Record session.Record `json:"record"`
	Saved  bool           `json:"saved"`
	Error  string         `json:"error,omitempty"`
}

type RouteMessage struct {
	Route string    `json:"route"`
	At    time.Time `json:"at"`
}

// AppStateMessage mirrors the platform app state: "active", "inactive" or
// "background".
type AppStateMessage struct {
	State string `json:"state"`
}

type BreathMessage struct {
	Phase breath.Phase `json:"phase"`
	Scale float64      `json:"scale"`
}

// FeedbackMessage asks the companion device for a haptic.
type FeedbackMessage struct {
	Kind string    `json:"kind"` // "success" or "impact_light"
	At   time.Time `json:"at"`
}
