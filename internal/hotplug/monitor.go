// Package hotplug discovers GPUs and reports them appearing, changing and disappearing
package hotplug

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
)

// EventKind is the type of device change
type EventKind int

const (
	DeviceAdded EventKind = iota
	DeviceChanged
	DeviceRemoved
)

func (k EventKind) String() string {
	switch k {
	case DeviceAdded:
		return "added"
	case DeviceChanged:
		return "changed"
	case DeviceRemoved:
		return "removed"
	}
	return "unknown"
}

// Event represents a device change
type Event struct {
	Kind EventKind
	Node kms.Node
	Path string
}

// Enumerator lists the GPUs of a seat and streams changes to them
type Enumerator interface {
	PrimaryGPU(seat string) (string, error)
	AllGPUs(seat string) ([]string, error)
	Events() <-chan Event
}

// Monitor watches /dev/dri with inotify for nodes coming and going, and polls
// connector status attributes to report changes on existing cards
type Monitor struct {
	sysRoot  string
	devDir   string
	interval time.Duration

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	known map[string]Card

	// paths the caller enumerated before Start, nil when not seeded
	seed     map[string]struct{}
	seedSeat string
}

// NewMonitor creates a monitor over the real system directories
func NewMonitor(interval time.Duration) *Monitor {
	return NewMonitorAt("/sys", "/dev/dri", interval)
}

// NewMonitorAt creates a monitor over alternate sysfs and device directories
func NewMonitorAt(sysRoot, devDir string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		sysRoot:  sysRoot,
		devDir:   devDir,
		interval: interval,
		events:   make(chan Event, 16),
		known:    make(map[string]Card),
	}
}

func (m *Monitor) PrimaryGPU(seat string) (string, error) {
	return PrimaryGPU(m.sysRoot, m.devDir, seat)
}

func (m *Monitor) AllGPUs(seat string) ([]string, error) {
	return AllGPUs(m.sysRoot, m.devDir, seat)
}

// Cards lists the cards currently present
func (m *Monitor) Cards() ([]Card, error) {
	return ListCards(m.sysRoot, m.devDir)
}

// Events is closed once the monitor stops
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Seed records the GPUs of seat the caller already enumerated. Cards of the seat
// present at Start but missing from paths are then reported as added.
func (m *Monitor) Seed(seat string, paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seedSeat = seat
	m.seed = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		m.seed[p] = struct{}{}
	}
}

// Start takes the initial snapshot and begins watching. Cards present at start are
// not reported unless missing from the seed; callers enumerate them with AllGPUs.
func (m *Monitor) Start(ctx context.Context) error {
	if m.cancel != nil {
		return fmt.Errorf("monitor already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	cards, err := m.Cards()
	if err != nil {
		m.cancel()
		return err
	}
	m.mu.Lock()
	for _, c := range cards {
		if m.unseeded(c) {
			logger.Debugf("Device %s appeared during startup", c.Name)
			continue
		}
		m.known[c.Name] = c
	}
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("Failed to create inotify watcher, polling only: %v", err)
		watcher = nil
	} else if err := watcher.Add(m.devDir); err != nil {
		logger.Warnf("Failed to watch %s, polling only: %v", m.devDir, err)
		_ = watcher.Close()
		watcher = nil
	}

	m.wg.Add(1)
	go m.run(watcher)

	logger.Debugf("Hotplug monitor started on %s (poll %s)", m.devDir, m.interval)
	return nil
}

// unseeded reports whether c belongs to the seeded seat without being in the seed
func (m *Monitor) unseeded(c Card) bool {
	if m.seed == nil || !onSeat(m.seedSeat) {
		return false
	}
	_, ok := m.seed[c.Path]
	return !ok
}

// Stop stops the monitor and waits for it to exit
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Run starts the monitor and blocks until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-m.ctx.Done()
	m.Stop()
	return nil
}

func (m *Monitor) run(watcher *fsnotify.Watcher) {
	defer m.wg.Done()
	defer close(m.events)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Hotplug monitor panic: %v", r)
		}
	}()

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if watcher != nil {
		defer watcher.Close()
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.rescan()
	for {
		select {
		case <-m.ctx.Done():
			logger.Debug("Hotplug monitor stopped")
			return
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if !isCardName(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove) != 0 {
				m.rescan()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			logger.Warnf("Hotplug watcher error: %v", err)
		case <-ticker.C:
			m.rescan()
		}
	}
}

// rescan diffs the current cards against the last snapshot
func (m *Monitor) rescan() {
	cards, err := m.Cards()
	if err != nil {
		logger.Warnf("Failed to enumerate cards: %v", err)
		return
	}

	current := make(map[string]Card, len(cards))
	for _, c := range cards {
		current[c.Name] = c
	}

	m.mu.Lock()
	last := m.known
	m.known = current
	m.mu.Unlock()

	for _, c := range cards {
		prev, ok := last[c.Name]
		switch {
		case !ok:
			logger.Debugf("Device added: %s", c.Name)
			m.send(Event{Kind: DeviceAdded, Node: c.Node, Path: c.Path})
		case prev.signature() != c.signature():
			logger.Debugf("Device changed: %s", c.Name)
			m.send(Event{Kind: DeviceChanged, Node: c.Node, Path: c.Path})
		}
	}
	for name, c := range last {
		if _, ok := current[name]; !ok {
			logger.Debugf("Device removed: %s", name)
			m.send(Event{Kind: DeviceRemoved, Node: c.Node, Path: c.Path})
		}
	}
}

func (m *Monitor) send(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}
