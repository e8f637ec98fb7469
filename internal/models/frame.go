package models

// ChannelValue is the scaled value of one channel together with the range of
// the axis it is drawn on.
type ChannelValue struct {
	Channel Channel   `json:"channel"`
	Axis    string    `json:"axis"`
	Value   float64   `json:"value"`
	Range   AxisRange `json:"range"`
}

// Frame is what the renderer receives for every accepted sample.
type Frame struct {
	SessionID string         `json:"session_id,omitempty"`
	Index     int64          `json:"index"`
	Values    []ChannelValue `json:"values"`
}
