// Package logx configures tankctl's structured logging.
//
// logx.Logger is a thin value wrapper over zerolog:
//   - console output with a short timestamp and file:line caller
//   - optional JSON file output
//   - optional forwarding of WARN+ lines to an operator chat (rate limited)
package logx
