// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package watchdog manages hardware watchdog devices across Stage-2's long
// irreversible flash. Each device is either disabled outright or kept fed
// by a single background kicker goroutine so a slow write never trips a
// reset mid-flash.
package watchdog

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	wdiocKeepalive = 0x80045705 // WDIOC_KEEPALIVE
	wdiocSetoptions = 0xc0045704 // WDIOC_SETOPTIONS
	wdisDisableCard = 0x0001    // WDIOS_DISABLECARD
	defaultInterval = 10 * time.Second
)

// Handle is one opened watchdog character device.
type Handle struct {
	Path     string
	Interval time.Duration
	Close    bool // if true, Disable is attempted instead of kicking
	file     *os.File
}

// Open opens the watchdog device at path. It does not arm or disarm
// anything; callers decide that through Disable or the Kicker.
func Open(path string, interval time.Duration, closeOnStart bool) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "watchdog: opening %s", path)
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Handle{Path: path, Interval: interval, Close: closeOnStart, file: f}, nil
}

// Disable asks the watchdog device to stop resetting the system, if the
// device supports it. Not every watchdog driver implements
// WDIOS_DISABLECARD; a failure here is not fatal, it just means the
// Kicker must keep feeding this device instead.
func (h *Handle) Disable() error {
	if err := unix.IoctlSetInt(int(h.file.Fd()), wdiocSetoptions, wdisDisableCard); err != nil {
		return errors.Wrapf(err, "watchdog: %s does not support disabling", h.Path)
	}
	log.Infof("watchdog: disabled %s", h.Path)
	return nil
}

// Kick refreshes the watchdog timer once.
func (h *Handle) Kick() error {
	if err := unix.IoctlSetInt(int(h.file.Fd()), wdiocKeepalive, 0); err != nil {
		return errors.Wrapf(err, "watchdog: kicking %s", h.Path)
	}
	return nil
}

func (h *Handle) CloseDevice() error {
	return h.file.Close()
}

// Kicker runs a single background goroutine that periodically refreshes
// every handle that was not successfully disabled. Its handle list is
// immutable once Start is called and a single stop flag is the only shared
// mutable state, so no locking is needed on the hot path.
type Kicker struct {
	handles []*Handle
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewKicker takes already-open watchdog handles, disables those marked
// Close that support it, and keeps the rest for periodic kicking.
func NewKicker(declared []*Handle) *Kicker {
	var toKick []*Handle
	for _, h := range declared {
		if h.Close {
			if err := h.Disable(); err != nil {
				log.Warnf("watchdog: could not disable %s, will kick instead: %v", h.Path, err)
				toKick = append(toKick, h)
			}
			continue
		}
		toKick = append(toKick, h)
	}
	return &Kicker{handles: toKick, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the kicking goroutine. It is a no-op if there are no
// handles to kick.
func (k *Kicker) Start() {
	if len(k.handles) == 0 {
		close(k.done)
		return
	}
	go k.run()
}

func (k *Kicker) run() {
	defer close(k.done)
	minInterval := k.handles[0].Interval
	for _, h := range k.handles {
		if h.Interval < minInterval {
			minInterval = h.Interval
		}
	}
	ticker := time.NewTicker(minInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			for _, h := range k.handles {
				if err := h.Kick(); err != nil {
					log.Errorf("watchdog: %v", err)
				}
			}
		}
	}
}

// Stop signals the kicker to exit and waits for it to do so. It must be
// called only after Start; repeated calls are safe. The Flasher starts the
// kicker after reading the descriptor and stops it in FINAL_REBOOT.
func (k *Kicker) Stop() {
	k.once.Do(func() { close(k.stop) })
	<-k.done
}

// CloseAll closes the device files of the handles being kicked. Handles
// disabled by NewKicker are not closed here. Call after Stop.
func (k *Kicker) CloseAll() {
	for _, h := range k.handles {
		if err := h.CloseDevice(); err != nil {
			log.Warnf("watchdog: closing %s: %v", h.Path, err)
		}
	}
}
