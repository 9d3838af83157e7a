package link

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// device-condition signals sampled on every scheduling tick
type DeviceConditions struct {
	BatteryPercent int
	Charging       bool
	Wifi           bool
	LastActivity   time.Time
}

type ConditionSource interface {
	Conditions() DeviceConditions
}

// where tiered sync work is dispatched. the scheduler decides when,
// the runner decides what a tier means.
type TierRunner interface {
	RunTier(ctx context.Context, tier SyncPriority)
	StopTier(tier SyncPriority)
}

type SchedulerSettings struct {
	MinInterval     time.Duration
	MaxInterval     time.Duration
	RelaxedInterval time.Duration
	DefaultInterval time.Duration

	HotActivityWindow time.Duration

	LowBatteryPercent         int
	CriticalBatteryPercent    int
	HighTierBatteryPercent    int
	HighTierMinBatteryPercent int
	MediumTierBatteryPercent  int

	HighTierRerun      time.Duration
	HighTierRerunLow   time.Duration
	HighTierRerunForce time.Duration
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		MinInterval:               30 * time.Second,
		MaxInterval:               30 * time.Minute,
		RelaxedInterval:           5 * time.Minute,
		DefaultInterval:           10 * time.Minute,
		HotActivityWindow:         60 * time.Second,
		LowBatteryPercent:         20,
		CriticalBatteryPercent:    10,
		HighTierBatteryPercent:    30,
		HighTierMinBatteryPercent: 15,
		MediumTierBatteryPercent:  50,
		HighTierRerun:             15 * time.Minute,
		HighTierRerunLow:          30 * time.Minute,
		HighTierRerunForce:        60 * time.Minute,
	}
}

// drives periodic tiered syncs at a cadence chosen from battery,
// charging, network and user-activity signals. under stress only
// critical work continues. under ideal conditions every tier runs.
type AdaptiveScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	conditions ConditionSource
	runner     TierRunner

	settings *SchedulerSettings

	wake *Monitor

	mutex       sync.Mutex
	lastTierRun map[SyncPriority]time.Time
	foreground  bool
}

func NewAdaptiveSchedulerWithDefaults(ctx context.Context, conditions ConditionSource, runner TierRunner) *AdaptiveScheduler {
	return NewAdaptiveScheduler(ctx, conditions, runner, DefaultSchedulerSettings())
}

func NewAdaptiveScheduler(ctx context.Context, conditions ConditionSource, runner TierRunner, settings *SchedulerSettings) *AdaptiveScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	scheduler := &AdaptiveScheduler{
		ctx:         cancelCtx,
		cancel:      cancel,
		conditions:  conditions,
		runner:      runner,
		settings:    settings,
		wake:        NewMonitor(),
		lastTierRun: map[SyncPriority]time.Time{},
	}
	go scheduler.run()
	return scheduler
}

func (self *AdaptiveScheduler) run() {
	for {
		c := self.conditions.Conditions()
		self.tick(c)

		interval := self.Interval(c)
		glog.V(2).Infof("[s]tick interval=%s battery=%d charging=%t wifi=%t\n",
			interval, c.BatteryPercent, c.Charging, c.Wifi)

		select {
		case <-self.ctx.Done():
			return
		case <-self.wake.NotifyChannel():
			// foreground/background transition, re-evaluate immediately
		case <-time.After(interval):
		}
	}
}

func (self *AdaptiveScheduler) tick(c DeviceConditions) {
	now := time.Now()

	// critical runs every tick no matter what
	self.runTier(SyncPriorityCritical, now)

	if self.highShouldRun(c, now) {
		self.runTier(SyncPriorityHigh, now)
	}
	if c.Charging && c.Wifi && self.settings.MediumTierBatteryPercent < c.BatteryPercent {
		self.runTier(SyncPriorityMedium, now)
	}
	if c.Charging {
		self.runTier(SyncPriorityLow, now)
	}
}

func (self *AdaptiveScheduler) highShouldRun(c DeviceConditions, now time.Time) bool {
	if c.Charging {
		return true
	}
	sinceLast := now.Sub(self.lastRun(SyncPriorityHigh))
	if self.settings.HighTierBatteryPercent < c.BatteryPercent && self.settings.HighTierRerun <= sinceLast {
		return true
	}
	if self.settings.HighTierMinBatteryPercent < c.BatteryPercent && self.settings.HighTierRerunLow <= sinceLast {
		return true
	}
	return self.settings.HighTierRerunForce <= sinceLast
}

// the interval selection, clamped to [MinInterval, MaxInterval].
// a foregrounded app or recent user activity always wins.
func (self *AdaptiveScheduler) Interval(c DeviceConditions) time.Duration {
	var interval time.Duration
	switch {
	case self.foregrounded() || time.Since(c.LastActivity) < self.settings.HotActivityWindow:
		interval = self.settings.MinInterval
	case c.BatteryPercent < self.settings.LowBatteryPercent && !c.Charging:
		interval = self.settings.MaxInterval
	case c.Charging || c.Wifi:
		interval = self.settings.RelaxedInterval
	default:
		interval = self.settings.DefaultInterval
	}

	if interval < self.settings.MinInterval {
		interval = self.settings.MinInterval
	}
	if self.settings.MaxInterval < interval {
		interval = self.settings.MaxInterval
	}
	return interval
}

func (self *AdaptiveScheduler) runTier(tier SyncPriority, now time.Time) {
	self.mutex.Lock()
	self.lastTierRun[tier] = now
	self.mutex.Unlock()

	self.runner.RunTier(self.ctx, tier)
}

func (self *AdaptiveScheduler) foregrounded() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.foreground
}

func (self *AdaptiveScheduler) lastRun(tier SyncPriority) time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastTierRun[tier]
}

// on foreground entry the essential services refresh immediately
func (self *AdaptiveScheduler) OnForeground() {
	self.mutex.Lock()
	self.foreground = true
	self.mutex.Unlock()

	now := time.Now()
	self.runTier(SyncPriorityCritical, now)
	self.runTier(SyncPriorityHigh, now)
	self.wake.NotifyAll()
}

func (self *AdaptiveScheduler) OnBackground() {
	self.mutex.Lock()
	self.foreground = false
	self.mutex.Unlock()

	c := self.conditions.Conditions()
	if !c.Charging && c.BatteryPercent < self.settings.LowBatteryPercent {
		self.runner.StopTier(SyncPriorityMedium)
		self.runner.StopTier(SyncPriorityLow)
	}
	if !c.Charging && c.BatteryPercent < self.settings.CriticalBatteryPercent {
		self.runner.StopTier(SyncPriorityHigh)
	}
	self.wake.NotifyAll()
}

func (self *AdaptiveScheduler) Close() {
	self.cancel()
}
