package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sdNotifyReady tells systemd the driver attached and dependent services can
// now be started.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const sdNotifyReady = "READY=1"

func notifyReady(l *logrus.Logger) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debug("NOTIFY_SOCKET not set, not sending ready signal")
		return
	}

	if err := sdNotify(sockName, sdNotifyReady); err != nil {
		l.WithError(err).WithField("socket", sockName).Error("Failed to notify systemd")
		return
	}
	l.Debug("Notified systemd the service is ready")
}

func sdNotify(sockName, state string) error {
	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return err
	}
	_, err = conn.Write([]byte(state))
	return err
}
