// Package transport provides the Rio line transport: framing, the
// authenticated session and its health monitor.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Device events / commands     │
//	├────────────────────────────────┤
//	│   CR/LF line framing           │
//	├────────────────────────────────┤
//	│   Login handshake              │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Handshake
//
// After the TCP connect the box sends a greeting containing
// "LOGINREQUEST?". The client answers "<username>;<password>\r" and the box
// replies with a line containing "AUTHENTICATION=Successful" on success.
// Each handshake read is bounded to 100 bytes and 5 seconds.
//
// # Framing
//
// Inbound lines end in CR, LF or CRLF. When the buffer holds a CR the cut
// is made at the first CR, otherwise at the first LF. Outbound lines always
// end in CR.
//
// # Health
//
// The box has no ping/pong. HealthMonitor writes a query (default
// "RELAY1?") every 30 seconds and treats a failed write as a dead
// connection. The reply is processed by the read loop as a normal event.
package transport
