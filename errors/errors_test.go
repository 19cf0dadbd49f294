package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/rosgraph/pkg/retry"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection lost is transient", ErrConnectionLost, ErrorTransient},
		{"master rejection is transient", ErrMasterRejected, ErrorTransient},
		{"checksum mismatch is invalid", ErrChecksumMismatch, ErrorInvalid},
		{"malformed header is invalid", ErrMalformedHeader, ErrorInvalid},
		{"duplicate service is invalid", ErrDuplicateService, ErrorInvalid},
		{"missing config is fatal", ErrMissingConfig, ErrorFatal},
		{"unknown defaults to transient", stderrors.New("mystery"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := WrapTransient(ErrConnectionLost, "OutgoingQueue", "send", "write frame")

	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "OutgoingQueue.send: write frame failed")
}

func TestWrapClassOverridesSentinelClass(t *testing.T) {
	// An explicitly invalid wrap wins over the sentinel's default class.
	err := WrapInvalid(ErrConnectionLost, "Header", "Decode", "parse")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsCancelled(Wrap(context.Canceled, "c", "m", "a")))
	assert.False(t, IsCancelled(ErrConnectionLost))
}

func TestRegistrationRetryConfig(t *testing.T) {
	cfg := RegistrationRetryConfig().ToRetryConfig()
	assert.Equal(t, retry.UnlimitedAttempts, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.AddJitter)
}

func TestBackoffDelayCaps(t *testing.T) {
	rc := RegistrationRetryConfig()
	assert.Equal(t, time.Second, rc.BackoffDelay(0))
	assert.Equal(t, 2*time.Second, rc.BackoffDelay(1))
	assert.Equal(t, 30*time.Second, rc.BackoffDelay(10))
}
