// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fibers

import (
	"errors"

	"github.com/joeycumines/logiface"
)

const (
	// defaultStackSize is the per-fiber stack usage budget in bytes. The Go
	// runtime sizes goroutine stacks itself; the budget only gates the
	// overrun diagnostic emitted when stack recording is enabled.
	defaultStackSize = 128 * 1024

	// defaultMaxFibersPoolSize caps the free pool, bounding total live
	// fibers by the number of active fibers plus this many idle ones.
	defaultMaxFibersPoolSize = 1000
)

// managerOptions holds resolved configuration for FiberManager creation.
type managerOptions struct {
	stackSize         int
	maxFibersPoolSize int
	recordStackUsage  bool
	logger            *logiface.Logger[logiface.Event]
	timeoutService    TimeoutService
	exceptionCallback ExceptionCallback
}

// Option configures a FiberManager instance.
type Option interface {
	apply(*managerOptions) error
}

type optionImpl struct {
	applyFunc func(*managerOptions) error
}

func (o *optionImpl) apply(opts *managerOptions) error {
	return o.applyFunc(opts)
}

// WithStackSize sets the per-fiber stack usage budget in bytes. Exceeding it
// (when recording is enabled) emits a diagnostic; it is not a hard limit,
// since the runtime owns goroutine stacks.
func WithStackSize(n int) Option {
	return &optionImpl{func(opts *managerOptions) error {
		if n <= 0 {
			return errors.New("fibers: stack size must be positive")
		}
		opts.stackSize = n
		return nil
	}}
}

// WithMaxFibersPoolSize sets how many idle fibers the free pool may keep.
// Fibers completing beyond the cap are retired instead of pooled.
func WithMaxFibersPoolSize(n int) Option {
	return &optionImpl{func(opts *managerOptions) error {
		if n < 0 {
			return errors.New("fibers: pool size must not be negative")
		}
		opts.maxFibersPoolSize = n
		return nil
	}}
}

// WithRecordStackUsage enables per-fiber stack usage accounting, feeding
// [FiberManager.StackHighWatermark] and the budget-overrun diagnostic. The
// sampling runs at every suspension and completion point; leave it off in
// production.
func WithRecordStackUsage(enabled bool) Option {
	return &optionImpl{func(opts *managerOptions) error {
		opts.recordStackUsage = enabled
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger (the default) disables
// logging; the fallback for task failures without a finally sink is the
// standard library logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *managerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTimeoutService replaces the default [TimerService] used for
// [Baton.WaitFor] deadlines.
func WithTimeoutService(ts TimeoutService) Option {
	return &optionImpl{func(opts *managerOptions) error {
		opts.timeoutService = ts
		return nil
	}}
}

// WithExceptionCallback installs the initial sink for task failures that
// have no finally handler. See [FiberManager.SetExceptionCallback].
func WithExceptionCallback(cb ExceptionCallback) Option {
	return &optionImpl{func(opts *managerOptions) error {
		opts.exceptionCallback = cb
		return nil
	}}
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*managerOptions, error) {
	cfg := &managerOptions{
		stackSize:         defaultStackSize,
		maxFibersPoolSize: defaultMaxFibersPoolSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
