/*
Copyright 2022 The GAS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package interrupts exposes helpers for graceful handling of interrupt
// signals. Workers register with Run, Tick or ListenAndServe and receive a
// context that is cancelled on SIGINT or SIGTERM; the process then waits
// for them in WaitForGracefulShutdown. Only the main goroutine of a binary
// should use this package, once per process.
package interrupts

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

type manager struct {
	c          *sync.Cond
	seenSignal bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// single is the only manager; one signal handler per process.
var single *manager

func init() {
	m := sync.Mutex{}
	ctx, cancel := context.WithCancel(context.Background())
	single = &manager{
		c:      sync.NewCond(&m),
		ctx:    ctx,
		cancel: cancel,
	}
	go handleInterrupt()
}

// Test hooks. Tests replace signals to inject interrupts and shrink the
// grace period; production code must not touch these.
var (
	signalsLock = sync.Mutex{}
	signals     = func() <-chan os.Signal {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		return sig
	}
	gracePeriod = 1 * time.Minute
)

func handleInterrupt() {
	signalsLock.Lock()
	sigChan := signals()
	signalsLock.Unlock()
	s := <-sigChan
	logrus.WithField("signal", s).Info("Received signal.")
	single.c.L.Lock()
	single.seenSignal = true
	single.c.Broadcast()
	single.c.L.Unlock()
	single.cancel()
}

// Context returns the shared context, cancelled when an interrupt is seen.
// Use it to drive work that is not registered through this package.
func Context() context.Context {
	return single.ctx
}

// Run starts work in a goroutine; the work func must return once the given
// context is cancelled. WaitForGracefulShutdown waits for it.
func Run(work func(ctx context.Context)) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		work(single.ctx)
	}()
}

// ListenAndServe serves with the server until an interrupt is seen, then
// shuts it down within the grace period. The server's ListenAndServe error
// is logged, not returned, as it resolves long after the caller moves on.
func ListenAndServe(server *http.Server, gracePeriod time.Duration) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		logrus.WithError(server.ListenAndServe()).Info("Server exited.")
	}()
	OnInterrupt(func() {
		ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("Failed to shut server down within grace period.")
		}
	})
}

// Tick runs work on a dynamic interval; the interval func is consulted
// before every run. The loop stops on interrupt and WaitForGracefulShutdown
// waits for an in-flight run to finish.
func Tick(work func(), interval func() time.Duration) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		for {
			nextTick := interval()
			select {
			case <-time.After(nextTick):
				work()
			case <-single.ctx.Done():
				return
			}
		}
	}()
}

// TickLiteral is Tick with a constant interval.
func TickLiteral(work func(), interval time.Duration) {
	Tick(work, func() time.Duration {
		return interval
	})
}

// OnInterrupt runs work once an interrupt is seen. Registration does not
// block; WaitForGracefulShutdown waits for the work.
func OnInterrupt(work func()) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		<-single.ctx.Done()
		work()
	}()
}

// WaitForGracefulShutdown blocks until an interrupt has been seen and all
// registered work has finished, or until the grace period runs out. Defer
// this first thing in main.
func WaitForGracefulShutdown() {
	single.c.L.Lock()
	for !single.seenSignal {
		single.c.Wait()
	}
	single.c.L.Unlock()

	signalsLock.Lock()
	grace := gracePeriod
	signalsLock.Unlock()

	logrus.Info("Interrupt received, waiting for workers to finish.")
	finished := make(chan struct{})
	go func() {
		single.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		logrus.Info("All workers gracefully terminated, exiting.")
	case <-time.After(grace):
		logrus.Warn("Timed out waiting for workers to gracefully terminate, exiting.")
	}
}
