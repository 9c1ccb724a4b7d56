// Package connection provides connection lifecycle management for the
// Rio box.
//
// This package handles:
//   - Exponential backoff for reconnection attempts
//   - Connection state tracking
//   - Automatic reconnection on connection loss
//
// # Reconnection Strategy
//
// When a connection is lost, the manager reconnects immediately and, after
// each failed attempt, waits with exponential backoff:
//
//  1. First failure: 5 seconds
//  2. Exponential increase: 10s, 20s, 40s, 80s, 160s
//  3. Maximum delay: 300 seconds
//  4. Continue at 300s until successful (no attempt ceiling by default)
//  5. Reset on successful reconnection
//
// ForceReconnect resets the attempt counter and skips the current wait.
//
// # Success Criteria
//
// A reconnection is successful when the connect function returns nil, which
// for the Rio box means TCP connected and the login accepted.
package connection
