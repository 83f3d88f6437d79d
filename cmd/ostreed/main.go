// Command ostreed is the daemon entrypoint: it loads a sysroot, wires
// the apply state machine to its deploy primitive, and exports it over
// D-Bus (spec §4.7, §6.4). The process is otherwise a thin cooperative
// loop — all of the actual work happens inside internal/applystate's
// worker goroutine and internal/ipc's exported methods.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/pkg/capnslog"
	"github.com/godbus/dbus/v5"

	"github.com/coreos/ostree-sysroot/internal/applystate"
	"github.com/coreos/ostree-sysroot/internal/deployapi"
	"github.com/coreos/ostree-sysroot/internal/ipc"
	"github.com/coreos/ostree-sysroot/internal/sysroot"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/ostree-sysroot", "ostreed")

func main() {
	configPath := flag.String("config", "", "path to the daemon's YAML config file")
	sessionBus := flag.Bool("session-bus", false, "connect to the session bus instead of the system bus (for local testing)")
	flag.Parse()

	if err := run(*configPath, *sessionBus); err != nil {
		fmt.Fprintln(os.Stderr, "ostreed:", err)
		os.Exit(1)
	}
}

func run(configPath string, sessionBus bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sr := sysroot.New(cfg.SysrootDir)
	if err := sr.Load(); err != nil {
		return fmt.Errorf("loading sysroot %s: %w", cfg.SysrootDir, err)
	}
	if dev, ino, statErr := statDeviceInode("/"); statErr == nil {
		sr.SetBootedDeviceInode(dev, ino)
	} else {
		plog.Warningf("could not stat / to identify the booted deployment: %v", statErr)
	}

	deployer := deployapi.NewExecDeployer(cfg.DeployBin)
	machine := applystate.New(sr, cfg.OSName, deployer)
	svc := ipc.NewService(machine)

	conn, err := connectBus(sessionBus)
	if err != nil {
		return fmt.Errorf("connecting to D-Bus: %w", err)
	}
	defer conn.Close()

	reply, err := conn.RequestName(cfg.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name %s: %w", cfg.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already owned", cfg.BusName)
	}

	if err := svc.Export(conn, dbus.ObjectPath(cfg.ObjectPath)); err != nil {
		return fmt.Errorf("exporting service: %w", err)
	}

	plog.Infof("ostreed ready: osname=%s sysroot=%s bus=%s path=%s", cfg.OSName, cfg.SysrootDir, cfg.BusName, cfg.ObjectPath)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		plog.Warningf("sd_notify(READY=1) failed: %v", err)
	}

	runLoop(machine, svc)
	return nil
}

// runLoop is the cooperative main loop (spec §4.7 "Scheduling model"):
// it watches the apply state machine for externally-visible transitions
// driven by the worker goroutine (APPLYING_UPDATE -> UPDATE_APPLIED/ERROR)
// and refreshes the exported D-Bus property, until an interrupt arrives.
func runLoop(machine *applystate.Machine, svc *ipc.Service) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	last := machine.State()
	for {
		select {
		case <-sigCh:
			plog.Infof("received shutdown signal, exiting")
			return
		case <-ticker.C:
			if cur := machine.State(); cur != last {
				plog.Infof("apply state machine observed transition to %s", cur)
				svc.RefreshState()
				last = cur
			}
		}
	}
}

func connectBus(session bool) (*dbus.Conn, error) {
	if session {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

func statDeviceInode(path string) (dev, ino uint64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("unsupported platform for syscall.Stat_t")
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}
