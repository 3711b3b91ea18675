package server

import (
	"log"
	"os"
	"sync/atomic"
)

type telemetryCounters struct {
	broadcastsTotal     atomic.Uint64
	broadcastBytes      atomic.Uint64
	prunedConnections   atomic.Uint64
	duplicateAdmissions atomic.Uint64
	reapedParticipants  atomic.Uint64
	transitionConflicts atomic.Uint64
	debug               bool
}

type TelemetrySnapshot struct {
	BroadcastsTotal     uint64 `json:"broadcastsTotal"`
	BroadcastBytes      uint64 `json:"broadcastBytes"`
	PrunedConnections   uint64 `json:"prunedConnections"`
	DuplicateAdmissions uint64 `json:"duplicateAdmissions"`
	ReapedParticipants  uint64 `json:"reapedParticipants"`
	TransitionConflicts uint64 `json:"transitionConflicts"`
}

func newTelemetryCounters() *telemetryCounters {
	t := &telemetryCounters{}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

func (t *telemetryCounters) RecordBroadcast(bytes, recipients int) {
	if bytes < 0 {
		bytes = 0
	}
	if recipients > 0 {
		t.broadcastBytes.Add(uint64(bytes * recipients))
	}
	t.broadcastsTotal.Add(1)
	if t.debug {
		log.Printf("broadcast bytes=%d recipients=%d", bytes, recipients)
	}
}

func (t *telemetryCounters) IncrementPruned() {
	t.prunedConnections.Add(1)
}

func (t *telemetryCounters) IncrementDuplicateAdmission() {
	t.duplicateAdmissions.Add(1)
}

func (t *telemetryCounters) AddReaped(n int) {
	if n > 0 {
		t.reapedParticipants.Add(uint64(n))
	}
}

func (t *telemetryCounters) IncrementConflict() {
	t.transitionConflicts.Add(1)
}

func (t *telemetryCounters) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		BroadcastsTotal:     t.broadcastsTotal.Load(),
		BroadcastBytes:      t.broadcastBytes.Load(),
		PrunedConnections:   t.prunedConnections.Load(),
		DuplicateAdmissions: t.duplicateAdmissions.Load(),
		ReapedParticipants:  t.reapedParticipants.Load(),
		TransitionConflicts: t.transitionConflicts.Load(),
	}
}
