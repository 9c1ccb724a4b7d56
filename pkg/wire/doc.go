// Package wire defines the text wire format spoken by RMG Rio relay boxes.
//
// Every message is a single line of ASCII text. The box terminates its lines
// with CR (sometimes CRLF); the client terminates every line with CR.
//
// # Inbound Lines
//
// Lines received after authentication fall into these groups:
//   - Device state: RELAY<n>=ON, RELAY<n>=OFF, DIO<n>=ON, DIO<n>=OFF
//   - Type error: DIO<n>=TYPE DI ERROR (the DIO is wired as a digital input)
//   - Status notices: SERVER=SHUTDOWN, UPDATE=STARTED, REBOOT=STARTED
//   - Server errors: any line containing ERROR=
//
// Decode turns one trimmed line into a DeviceEvent. Only state and type error
// events carry a device identifier and are meant for observers.
//
// # Outbound Commands
//
// Commands address a device by identifier:
//
//	RELAY1 ON
//	RELAY1 OFF
//	RELAY1 PULSE 1.5
//	RELAY1?
//
// A pulse is executed on the box: the relay turns on and falls back off after
// the given number of seconds.
package wire
