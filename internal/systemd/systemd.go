// Package systemd reports process state to the service manager. Outside a unit with
// NOTIFY_SOCKET set every call is a no-op.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

func Ready(logger zerolog.Logger) bool {
	return notify(logger, daemon.SdNotifyReady)
}

func Stopping(logger zerolog.Logger) bool {
	return notify(logger, daemon.SdNotifyStopping)
}

func notify(logger zerolog.Logger, state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
		return false
	}
	if sent {
		logger.Debug().Str("state", state).Msg("sd_notify sent")
	}

	return sent
}
