package device

import "testing"

func TestSpeed(t *testing.T) {
	tests := []struct {
		speed  Speed
		name   string
		maxEP0 uint16
	}{
		{SpeedLow, "Low Speed (1.5 Mbps)", 8},
		{SpeedFull, "Full Speed (12 Mbps)", 64},
		{SpeedHigh, "High Speed (480 Mbps)", 64},
		{Speed(99), "Unknown Speed (99)", 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.speed.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.speed.MaxPacketSize0(); got != tt.maxEP0 {
				t.Errorf("MaxPacketSize0() = %d, want %d", got, tt.maxEP0)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDefault, "Default"},
		{StateAddress, "Address"},
		{StateConfigured, "Configured"},
		{State(99), "Unknown State (99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
