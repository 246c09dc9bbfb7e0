// Package logx configures remindbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - the optional file sink is JSON
//   - the optional Telegram sink forwards WARN+ lines to an operator chat,
//     rate limited so a failing dependency cannot flood the chat
package logx
