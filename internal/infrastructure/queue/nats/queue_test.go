package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded(fmt.Errorf("nats publish: %w", nats.ErrConnectionClosed))
	assert.True(t, domain.IsKind(err, domain.ErrTemporary))

	err = wrapTemporaryIfNeeded(nats.ErrMaxPayload)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
	assert.False(t, domain.IsKind(err, domain.ErrTemporary))

	plain := errors.New("permissions violation")
	assert.Equal(t, plain, wrapTemporaryIfNeeded(plain))
	assert.NoError(t, wrapTemporaryIfNeeded(nil))
}

func TestClassifyNATSError(t *testing.T) {
	assert.True(t, classifyNATSError(nats.ErrTimeout).Retryable)
	assert.True(t, classifyNATSError(nats.ErrNoServers).RecordFailure)

	cancelled := classifyNATSError(context.Canceled)
	assert.False(t, cancelled.Retryable)
	assert.False(t, cancelled.RecordFailure)

	assert.False(t, classifyNATSError(nats.ErrBadSubject).Retryable)
}

func TestDecodeStatusEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(domain.StatusEvent{DocumentID: "doc-1", Status: domain.StatusPaused, At: at})
	require.NoError(t, err)

	event, err := decodeStatusEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", event.DocumentID)
	assert.Equal(t, domain.StatusPaused, event.Status)
	assert.True(t, event.At.Equal(at))

	_, err = decodeStatusEvent([]byte(`{"document_id":"doc-1","status":"exploded"}`))
	assert.Error(t, err)
	_, err = decodeStatusEvent([]byte(`not json`))
	assert.Error(t, err)
}
