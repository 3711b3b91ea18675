package server

import "time"

// ProtocolVersion is stamped on every outbound frame.
const ProtocolVersion = 1

// defaultLocale is used for display strings until per-connection locale
// negotiation exists.
const defaultLocale = "en"

const (
	defaultWriteWait         = 5 * time.Second
	defaultHeartbeatInterval = 20 * time.Second
	defaultAuthTimeout       = 10 * time.Second
	defaultReaperInterval    = time.Minute
	defaultInactivityTimeout = 15 * time.Minute

	// Inbound frame budget per mod connection. Telemetry is chatty
	// around loading screens; the burst absorbs that.
	defaultInboundPerSecond = 20
	defaultInboundBurst     = 40
)

// Close codes distinguishing why an unauthenticated or duplicate
// connection was refused. Clients branch on these.
const (
	CloseAuthTimeout      = 4001
	CloseAuthMalformed    = 4002
	CloseAuthUnknownToken = 4003
	CloseRaceTerminal     = 4004
	CloseDuplicateConn    = 4005
)
