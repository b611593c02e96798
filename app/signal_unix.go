//go:build !windows
// +build !windows

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
)

// interrupt blocks until the process is told to stop. SIGUSR1 rescans the
// inbox and SIGUSR2 logs the blocked targets.
func interrupt(cancel <-chan struct{}, op *operator) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(c)
	for {
		select {
		case sig := <-c:
			switch sig {
			case syscall.SIGUSR1:
				op.rescan()
				continue
			case syscall.SIGUSR2:
				op.logBlocked()
				continue
			default:
				return fmt.Errorf("received signal %s", sig)
			}
		case <-cancel:
			return errors.New("canceled")
		}
	}
}
