package cdc

import "sync/atomic"

// Stats holds the per-channel counters. Every field is updated atomically so
// a metrics scrape can read them outside the event loop.
type Stats struct {
	BytesToHost       atomic.Uint64 // UART bytes accepted by the IN endpoint
	BytesFromHost     atomic.Uint64 // OUT bytes handed to the UART
	DroppedFromHost   atomic.Uint64 // OUT bytes the UART refused
	InBusy            atomic.Uint64 // IN submissions rejected as busy
	RenewRetries      atomic.Uint64 // OUT arms that had to be retried
	LineCodingChanges atomic.Uint64
	ZeroLengthPackets atomic.Uint64
	UARTErrors        atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	BytesToHost       uint64
	BytesFromHost     uint64
	DroppedFromHost   uint64
	InBusy            uint64
	RenewRetries      uint64
	LineCodingChanges uint64
	ZeroLengthPackets uint64
	UARTErrors        uint64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesToHost:       s.BytesToHost.Load(),
		BytesFromHost:     s.BytesFromHost.Load(),
		DroppedFromHost:   s.DroppedFromHost.Load(),
		InBusy:            s.InBusy.Load(),
		RenewRetries:      s.RenewRetries.Load(),
		LineCodingChanges: s.LineCodingChanges.Load(),
		ZeroLengthPackets: s.ZeroLengthPackets.Load(),
		UARTErrors:        s.UARTErrors.Load(),
	}
}
