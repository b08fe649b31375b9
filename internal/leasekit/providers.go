package leasekit

import (
	"sync"

	"go.uber.org/zap"
)

// Package-level collaborators injected by the composition root. Passing nil
// restores the default.

var (
	providerMutex           sync.RWMutex
	providedLogger          *zap.Logger
	providedMetrics         MetricsRecorder
	providedClock           Clock
	providedGoogleValidator GoogleTokenValidator
)

// ProvideLogger installs the logger used by stores and routes.
func ProvideLogger(logger *zap.Logger) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedLogger = logger
}

// ProvideMetrics installs the metrics recorder for lease events.
func ProvideMetrics(recorder MetricsRecorder) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedMetrics = recorder
}

// ProvideClock installs the clock used for expiry decisions.
func ProvideClock(clock Clock) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedClock = clock
}

// ProvideGoogleTokenValidator installs the validator for Google-issued service tokens.
func ProvideGoogleTokenValidator(validator GoogleTokenValidator) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedGoogleValidator = validator
}

func currentLogger() *zap.Logger {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedLogger == nil {
		return zap.NewNop()
	}
	return providedLogger
}

func currentMetrics() MetricsRecorder {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedMetrics == nil {
		return noopMetrics{}
	}
	return providedMetrics
}

func currentClock() Clock {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedClock == nil {
		return systemClock{}
	}
	return providedClock
}

func currentGoogleTokenValidator() GoogleTokenValidator {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	return providedGoogleValidator
}
