// Package daemon implements the control-plane request dispatch described
// in §4.14: one persistent, length-prefixed JSON connection per client,
// governed by the resource governor and validator, routing each command
// to the model runtime, recorder, real-time session manager, config
// store, or notification fabric.
package daemon

import (
	"encoding/json"
	"time"
)

// Request is one length-prefixed command frame read off the control
// socket. Fields are optional and interpreted per Command; unused fields
// for a given command are ignored rather than rejected, matching the
// teacher's tolerant decode-then-dispatch style.
type Request struct {
	Command  string `json:"command"`
	ClientID string `json:"client_id,omitempty"`

	// transcribe / realtime_audio
	Audio      []float32 `json:"audio,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`

	// record
	Write bool `json:"write,omitempty"`

	// set_audio_theme / test_audio_theme
	Theme string `json:"theme,omitempty"`

	// set_model
	ModelID string `json:"model_id,omitempty"`

	// set_device
	Device string `json:"device,omitempty"`

	// subscribe / unsubscribe / get_events
	Topics []string  `json:"topics,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`

	// notify
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// set_preview_typing
	PreviewTyping bool `json:"preview_typing,omitempty"`
}

// Response is the normalized reply frame. Only the fields relevant to the
// request's command are populated.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// ping
	Active *bool `json:"active,omitempty"`

	// status / set_model / set_device / get_model / get_device
	State   string `json:"state,omitempty"`
	ModelID string `json:"model_id,omitempty"`
	Device  string `json:"device,omitempty"`

	// status / get_subscriber_info
	Subscribers int            `json:"subscribers,omitempty"`
	PerTopic    map[string]int `json:"per_topic,omitempty"`

	// transcribe / record
	Transcript string `json:"transcript,omitempty"`

	// list_models
	Models []string `json:"models,omitempty"`

	// list_audio_themes
	Themes []string `json:"themes,omitempty"`

	// get_download_status
	Download *DownloadStatus `json:"download,omitempty"`

	// get_config
	Config json.RawMessage `json:"config,omitempty"`

	// get_events
	Events []WireEvent `json:"events,omitempty"`

	// get_preview_typing
	PreviewTyping *bool `json:"preview_typing,omitempty"`
}

// WireEvent is the JSON-serializable projection of notify.Event returned
// by get_events.
type WireEvent struct {
	Topic     string    `json:"topic"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

func okResponse() Response {
	return Response{OK: true}
}
