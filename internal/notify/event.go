package notify

import "encoding/json"

// EventTypeReload is the only change event type sent to viewers.
const EventTypeReload = "reload"

// ChangeEvent is the payload delivered to every subscriber after a detection
// cycle reported at least one changed artifact.
type ChangeEvent struct {
	Type  string   `json:"type"`
	Files []string `json:"files"`
}

// NewReloadEvent builds a reload event for files, preserving their order.
func NewReloadEvent(files []string) ChangeEvent {
	return ChangeEvent{Type: EventTypeReload, Files: append([]string(nil), files...)}
}

// MarshalJSON keeps files as an array even when empty.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	type alias ChangeEvent
	out := alias(e)
	if out.Files == nil {
		out.Files = []string{}
	}
	return json.Marshal(out)
}
