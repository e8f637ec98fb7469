package models

import "fmt"

// Channel identifies one of the telemetry streams carried by a sample.
type Channel string

const (
	ChannelECG  Channel = "ecg"
	ChannelPPG  Channel = "ppg"
	ChannelSpO2 Channel = "spo2"
)

// Channels lists every known channel in display order.
var Channels = []Channel{ChannelECG, ChannelPPG, ChannelSpO2}

// ParseChannel converts a case-sensitive channel name into a Channel.
func ParseChannel(s string) (Channel, error) {
	for _, ch := range Channels {
		if string(ch) == s {
			return ch, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Sample is one parsed telemetry line. Index is assigned by the pipeline.
type Sample struct {
	Index int64    `json:"index"`
	ECG   float64  `json:"ecg"`
	PPG   float64  `json:"ppg"`
	SpO2  *float64 `json:"spo2,omitempty"` // percent, passed through as received
}

// Value returns the sample's value on ch and whether it is present.
func (s Sample) Value(ch Channel) (float64, bool) {
	switch ch {
	case ChannelECG:
		return s.ECG, true
	case ChannelPPG:
		return s.PPG, true
	case ChannelSpO2:
		if s.SpO2 == nil {
			return 0, false
		}
		return *s.SpO2, true
	default:
		return 0, false
	}
}

// Point is a single (index, value) pair held by a sample window.
type Point struct {
	Index int64   `json:"i"`
	Value float64 `json:"v"`
}
