// Package power talks to the host's power and session managers.
//
// On Linux it uses systemd and logind over the system D-Bus. Other platforms
// get stubs that return ErrUnsupported, so callers can compile everywhere and
// let their fallback chain move on.
package power
