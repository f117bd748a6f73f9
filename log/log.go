// Package log centralizes the logrus field conventions used across Session
// and Hub: one structured event per connection-lifecycle transition, never
// free-text interpolation, matching the style surveyed in docker-compose's
// use of sirupsen/logrus.
package log

import "github.com/sirupsen/logrus"

// Conn returns a logger scoped to one connection/session, identified by a
// short opaque id (not a security boundary, just a correlation key for logs).
func Conn(connID string) *logrus.Entry {
	return logrus.WithField("conn_id", connID)
}

// Goodbye logs a connection teardown with its triggering rule id.
func Goodbye(l *logrus.Entry, rule string, sent bool) {
	l.WithFields(logrus.Fields{"rule": rule, "sent": sent}).Warn("rapace: connection closing")
}

// CrashRecovery logs a completed SHM guest crash-recovery pass.
func CrashRecovery(l *logrus.Entry, guestID uint8, epoch uint32) {
	l.WithFields(logrus.Fields{"guest_id": guestID, "epoch": epoch}).Warn("rapace: guest crash recovery complete")
}
