// Package logx configures detectorpoll's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional event sink that forwards warnings to live observers
package logx
