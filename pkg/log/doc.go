// Package log provides structured logging built on zerolog. Init sets the
// global Logger once at startup from a Config (level, JSON vs console output,
// destination writer); WithComponent/WithAgentID/WithTeamID return child
// loggers carrying those fields on every subsequent entry.
//
// Keep secrets out of log fields — nothing here redacts on your behalf.
package log
