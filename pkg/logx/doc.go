// Package logx configures lightsout's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Warn+ lines can be forwarded to an operator chat (rate limited)
package logx
