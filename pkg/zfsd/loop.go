// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zfsd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/stratastor/zfsd/pkg/devdctl"
	"github.com/stratastor/zfsd/pkg/errors"
	"golang.org/x/sys/unix"
)

// Run connects to devd and reconciles until ctx is cancelled or a
// termination signal arrives. Only fatal failures are returned.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx = ctx
	defer func() { d.ctx = context.Background() }()

	if err := d.openPipe(); err != nil {
		return err
	}
	defer d.closePipe()

	d.installSignals()
	defer d.stopSignals()

	if err := d.startScheduler(); err != nil {
		return err
	}
	defer d.stopScheduler()

	stop := context.AfterFunc(ctx, func() {
		d.terminateRequested.Store(true)
		d.wake()
	})
	defer stop()

	for !d.terminateRequested.Load() {
		d.disconnect()

		if err := d.connect(); err != nil {
			d.logger.Warn("unable to connect to devd, retrying",
				"socket", d.opts.SocketPath,
				"delay", d.opts.ReconnectDelay.String(),
				"error", err)
			d.sleep(d.opts.ReconnectDelay)
			continue
		}
		d.logger.Info("connected to devd", "socket", d.opts.SocketPath)

		if err := d.detectMissedEvents(); err != nil {
			if d.fatal(err) {
				d.disconnect()
				return err
			}
			d.logger.Warn("lost devd connection while rebuilding cases", "error", err)
			continue
		}

		if err := d.eventLoop(); err != nil {
			if d.fatal(err) {
				d.disconnect()
				return err
			}
			d.logger.Warn("lost devd connection", "error", err)
		}
	}

	d.disconnect()
	d.logger.Info("zfsd shutting down", "open_cases", len(d.cases))
	return nil
}

// fatal separates process-ending failures from a dropped connection.
func (d *Daemon) fatal(err error) bool {
	return !errors.Is(err, errors.DevdConnectionClosed)
}

func (d *Daemon) connect() error {
	conn, err := devdctl.Dial(d.opts.SocketPath)
	if err != nil {
		return err
	}
	d.conn = conn
	d.buffer = devdctl.NewEventBuffer(d.logger, conn)
	return nil
}

func (d *Daemon) disconnect() {
	if d.conn == nil {
		return
	}
	d.conn.Close()
	d.conn = nil
	d.buffer = nil
}

// detectMissedEvents rebuilds the case list from scratch, repeating while
// devd keeps talking, then rescans for devices that arrived unobserved.
func (d *Daemon) detectMissedEvents() error {
	for {
		d.purgeCases()

		// Anything queued before the rebuild predates it.
		if err := d.conn.Flush(); err != nil {
			return err
		}

		if err := d.BuildCaseFiles(); err != nil {
			d.logger.Error("failed to build case files from pool configuration", "error", err)
		}
		if err := d.DeserializeCaseFiles(); err != nil {
			d.logger.Error("failed to restore case files", "error", err)
		}

		pending, err := d.conn.Pending()
		if err != nil {
			return err
		}
		if !pending {
			break
		}
		d.logger.Debug("events arrived during case rebuild, rebuilding again")
	}
	d.settleJournal()

	d.RescanSystem()
	return nil
}

func (d *Daemon) eventLoop() error {
	for !d.terminateRequested.Load() {
		if d.logCasesRequested.Swap(false) {
			d.LogCaseFiles()
		}
		d.callouts.ExpireCallouts()

		fds := []unix.PollFd{
			{Fd: int32(d.conn.Fd()), Events: unix.POLLIN},
			{Fd: int32(d.pipeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, errors.DevdPollFailed)
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			if err := d.processEvents(); err != nil {
				return err
			}
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			d.drainPipe()
		}
		if d.rescanRequested.Swap(false) {
			d.RescanSystem()
		}

		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return errors.New(errors.DevdConnectionClosed, "devd socket hung up")
		}
	}
	return nil
}

// processEvents handles every complete record currently available.
func (d *Daemon) processEvents() error {
	for {
		record, ok, err := d.buffer.ExtractEvent()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d.ProcessRecord(record)
	}
}

// RequestRescan asks the loop for a full device rescan. Safe to call from
// any goroutine.
func (d *Daemon) RequestRescan() {
	d.rescanRequested.Store(true)
	d.wake()
}

// RequestCaseDump asks the loop to log every open case.
func (d *Daemon) RequestCaseDump() {
	d.logCasesRequested.Store(true)
	d.wake()
}

// Terminate asks the loop to exit after the current event.
func (d *Daemon) Terminate() {
	d.terminateRequested.Store(true)
	d.wake()
}

func (d *Daemon) openPipe() error {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return errors.Wrap(err, errors.DevdPipeFailed)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return errors.Wrap(err, errors.DevdPipeFailed)
		}
	}
	d.pipeR = fds[0]
	d.pipeW.Store(int32(fds[1]))
	return nil
}

func (d *Daemon) closePipe() {
	if w := d.pipeW.Swap(-1); w >= 0 {
		unix.Close(int(w))
	}
	if d.pipeR >= 0 {
		unix.Close(d.pipeR)
	}
	d.pipeR = -1
}

// wake makes the next or current poll return. A full pipe already
// guarantees that.
func (d *Daemon) wake() {
	if fd := d.pipeW.Load(); fd >= 0 {
		unix.Write(int(fd), []byte{0})
	}
}

func (d *Daemon) drainPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// sleep waits for delay or an early wakeup.
func (d *Daemon) sleep(delay time.Duration) {
	fds := []unix.PollFd{{Fd: int32(d.pipeR), Events: unix.POLLIN}}
	unix.Poll(fds, int(delay.Milliseconds()))
	d.drainPipe()
	d.callouts.ExpireCallouts()
}

func (d *Daemon) installSignals() {
	d.sigCh = make(chan os.Signal, 8)
	signal.Notify(d.sigCh, append([]os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM}, dumpSignals...)...)

	ch := d.sigCh
	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGHUP:
				d.rescanRequested.Store(true)
			case syscall.SIGINT, syscall.SIGTERM:
				d.terminateRequested.Store(true)
			default:
				d.logCasesRequested.Store(true)
			}
			d.wake()
		}
	}()
}

func (d *Daemon) stopSignals() {
	if d.sigCh == nil {
		return
	}
	signal.Stop(d.sigCh)
	close(d.sigCh)
	d.sigCh = nil
}

func (d *Daemon) startScheduler() error {
	if d.opts.RescanInterval <= 0 {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, errors.ConfigInvalid).
			WithMetadata("operation", "create_rescan_scheduler")
	}
	_, err = s.NewJob(
		gocron.DurationJob(d.opts.RescanInterval),
		gocron.NewTask(d.RequestRescan),
		gocron.WithName("periodic_rescan"),
	)
	if err != nil {
		s.Shutdown()
		return errors.Wrap(err, errors.ConfigInvalid).
			WithMetadata("operation", "schedule_rescan")
	}
	s.Start()
	d.scheduler = s
	d.logger.Info("periodic rescan enabled", "interval", d.opts.RescanInterval.String())
	return nil
}

func (d *Daemon) stopScheduler() {
	if d.scheduler == nil {
		return
	}
	if err := d.scheduler.Shutdown(); err != nil {
		d.logger.Warn("failed to stop rescan scheduler", "error", err)
	}
	d.scheduler = nil
}

// Close releases the interval timer.
func (d *Daemon) Close() error {
	return d.alarm.Close()
}
