// Package logx configures taskrunner's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller), or raw JSON
//   - File output JSON-structured
//   - A zero value that is safe to call
//
// Components name their loggers with Named; Config.Levels can then raise
// or lower one component's level without touching the rest.
package logx
