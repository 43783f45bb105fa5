// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package devices

import (
	"context"
	"strings"

	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"
	"github.com/stratastor/zfsd/pkg/errors"
)

// Devices walks sysfs for block devices and returns their node names.
func (e *Enumerator) Devices(ctx context.Context) ([]string, error) {
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{{
			Env: map[string]string{"SUBSYSTEM": "block"},
		}},
	}
	if err := matcher.Compile(); err != nil {
		return nil, errors.Wrap(err, errors.DeviceEnumFailed)
	}

	queue := make(chan crawler.Device)
	crawlErrors := make(chan error, 1)
	quit := crawler.ExistingDevices(queue, crawlErrors, matcher)

	var (
		names    []string
		firstErr error
	)
	for {
		select {
		case <-ctx.Done():
			close(quit)
			go drainCrawl(queue, crawlErrors)
			return nil, errors.Wrap(ctx.Err(), errors.DeviceEnumFailed)

		case err := <-crawlErrors:
			if firstErr == nil {
				firstErr = err
			}

		case dev, ok := <-queue:
			if !ok {
				if len(names) == 0 && firstErr != nil {
					return nil, errors.Wrap(firstErr, errors.DeviceEnumFailed)
				}
				if firstErr != nil {
					e.logger.Warn("device crawl incomplete", "error", firstErr)
				}
				return uniqueSorted(names), nil
			}
			name := strings.TrimPrefix(dev.Env["DEVNAME"], "/dev/")
			names = append(names, name)
		}
	}
}

// drainCrawl unblocks an aborted crawl until it closes its queue.
func drainCrawl(queue <-chan crawler.Device, errs <-chan error) {
	for {
		select {
		case <-errs:
		case _, ok := <-queue:
			if !ok {
				return
			}
		}
	}
}
