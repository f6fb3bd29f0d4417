// Package logx is katabot's logging layer on top of zerolog.
//
// Console output is human-readable with a short caller, the optional log
// file is JSON, and warnings can be mirrored to the notification chat
// through a Sink (rate limited, never blocking the caller).
//
// Loggers derived from a Service follow every Service.Apply, so components
// keep their logger across config reloads.
package logx
