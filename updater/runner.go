package updater

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// EventType classifies events that occur during an update cycle.
type EventType int

const (
	// InfoType indicates the event is routine.
	InfoType EventType = iota
	// ErrorType indicates the event describes a failure.
	ErrorType
)

// Event describes one step of an update cycle.
type Event struct {
	Time        time.Time
	Description string
	Type        EventType
}

// Events collects the history of a single update cycle.
type Events struct {
	History []Event
}

func (evts *Events) push(evtType EventType, format string, args ...interface{}) {
	evts.History = append(evts.History, Event{time.Now(), fmt.Sprintf(format, args...), evtType})
}

// NotificationHandler is invoked after every update cycle with the events
// collected during it.
type NotificationHandler func(evts Events)

const defaultCheckFrequency = 1 * time.Hour
const minimumCheckFrequency = 10 * time.Minute

// ErrCheckFrequency is caused by supplying a check frequency that is too
// small.
var ErrCheckFrequency = fmt.Errorf("frequency value must be %q or greater", minimumCheckFrequency)

// Runner periodically revalidates an authentication repository against its
// remote.
type Runner struct {
	ticker              *time.Ticker
	done                chan struct{}
	cfg                 Config
	checkFrequency      time.Duration
	notificationHandler NotificationHandler
}

// NewRunner creates a runner for the given update configuration. By
// default it checks every hour; pass Frequency to change this. The minimum
// frequency is 10 minutes. Supply WantNotifications to collect information
// about update cycles.
func NewRunner(cfg Config, opts ...func() interface{}) (*Runner, error) {
	if cfg.RepoPath == "" || cfg.RemoteURL == "" {
		return nil, errors.New("runner requires a repository path and remote url")
	}
	runner := Runner{
		cfg:            cfg,
		checkFrequency: defaultCheckFrequency,
	}
	for _, opt := range opts {
		switch t := opt().(type) {
		case updateDuration:
			runner.checkFrequency = time.Duration(t)
		case NotificationHandler:
			runner.notificationHandler = t
		}
	}
	if runner.checkFrequency < minimumCheckFrequency {
		return nil, ErrCheckFrequency
	}
	return &runner, nil
}

type updateDuration time.Duration

// Frequency changes how often the runner revalidates.
func Frequency(duration time.Duration) func() interface{} {
	return func() interface{} {
		return updateDuration(duration)
	}
}

// WantNotifications passes a function that will collect information about
// update cycles.
func WantNotifications(hnd NotificationHandler) func() interface{} {
	return func() interface{} {
		return hnd
	}
}

// Start begins periodic revalidation.
func (r *Runner) Start() {
	r.ticker = time.NewTicker(r.checkFrequency)
	r.done = make(chan struct{})
	go run(r.cfg, r.ticker.C, r.done, r.notificationHandler)
}

// Stop disables further revalidation.
func (r *Runner) Stop() {
	if r.ticker != nil {
		r.ticker.Stop()
	}
	if r.done != nil {
		close(r.done)
	}
}

func run(cfg Config, ticker <-chan time.Time, done <-chan struct{}, notifications NotificationHandler) {
	for {
		select {
		case <-ticker:
			cycle(cfg, notifications)
		case <-done:
			return
		}
	}
}

func cycle(cfg Config, notifications NotificationHandler) {
	var events Events
	defer func() {
		if notifications != nil {
			notifications(events)
		}
	}()

	events.push(InfoType, "start validation of %q", cfg.RepoPath)
	result, err := Update(&cfg)
	if err != nil {
		events.push(ErrorType, "validation failed: %q", err)
		return
	}
	if result.ValidatedCommits == 0 {
		events.push(InfoType, "already up to date at %s", result.Head)
		return
	}
	events.push(InfoType, "validated %d commits, head %s", result.ValidatedCommits, result.Head)
}
