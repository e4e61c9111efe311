//go:build !linux

package platform

import (
	"errors"

	"go.uber.org/zap"
)

// Open is a stub on non-Linux platforms. The control surface still runs for
// development, but no kernel session can be created.
func Open(cfg Config, logger *zap.Logger) (Session, error) {
	return nil, errors.New("kernel event capture is only supported on linux")
}

// SweepStaleSessions is a no-op on non-Linux platforms.
func SweepStaleSessions(pinDir, sessionName string, logger *zap.Logger) {}
