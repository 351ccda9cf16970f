// Package logx configures nwwsoi's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output is human readable (short timestamp, file:line caller)
//   - file output is JSON lines
//   - an optional chat sink forwards warnings to an operator chat through a
//     ChatSender, filtered by level and rate limited so it never blocks
//
// A Logger obtained from Service follows Service.Apply, so components keep
// their loggers across config reloads.
package logx
