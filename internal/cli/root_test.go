package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"wisefido-telemetry/internal/bus"
	"wisefido-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeadLetters struct {
	entries  []bus.DeadLetterEntry
	replayed []string
	purged   bool
}

func (f *fakeDeadLetters) List(ctx context.Context, count int64) ([]bus.DeadLetterEntry, error) {
	if count > 0 && int(count) < len(f.entries) {
		return f.entries[:count], nil
	}
	return f.entries, nil
}

func (f *fakeDeadLetters) Replay(ctx context.Context, ids ...string) (int, error) {
	f.replayed = append(f.replayed, ids...)
	if len(ids) == 0 {
		return len(f.entries), nil
	}
	return len(ids), nil
}

func (f *fakeDeadLetters) Purge(ctx context.Context) (int64, error) {
	f.purged = true
	return int64(len(f.entries)), nil
}

type fakeAdmin struct {
	observations []models.Observation
	latest       []models.DeviceTemperature
	dlq          *fakeDeadLetters
	resets       int
	closed       bool
}

func (f *fakeAdmin) Reset(ctx context.Context) error {
	f.resets++
	return nil
}

func (f *fakeAdmin) ListObservations(ctx context.Context) ([]models.Observation, error) {
	return f.observations, nil
}

func (f *fakeAdmin) ListLatest(ctx context.Context) ([]models.DeviceTemperature, error) {
	return f.latest, nil
}

func (f *fakeAdmin) DeadLetters() DeadLetterAdmin {
	if f.dlq == nil {
		return nil
	}
	return f.dlq
}

func (f *fakeAdmin) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func run(t *testing.T, admin *fakeAdmin, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommandWith(func() (Admin, error) { return admin, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "telemetry-admin", cmd.Use)
	for _, name := range []string{"reset", "list", "dlq"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestDLQCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"list", "replay", "purge"} {
		sub, _, err := cmd.Find([]string{"dlq", name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, &fakeAdmin{}, "list", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestResetRequiresConfirmation(t *testing.T) {
	admin := &fakeAdmin{}

	_, err := run(t, admin, "reset")
	assert.Error(t, err)
	assert.Equal(t, 0, admin.resets)

	out, err := run(t, admin, "reset", "--yes")
	require.NoError(t, err)
	assert.Equal(t, 1, admin.resets)
	assert.True(t, admin.closed)
	assert.Contains(t, out, "cleared")
}

func TestListLatest_JSONSortedByDevice(t *testing.T) {
	ts := time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)
	admin := &fakeAdmin{latest: []models.DeviceTemperature{
		{DeviceID: 5, Temperature: 20, Timestamp: ts},
		{DeviceID: 1, Temperature: 11.5, Timestamp: ts},
	}}

	out, err := run(t, admin, "list", "--format", "json")
	require.NoError(t, err)

	var rows []models.DeviceTemperature
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].DeviceID)
	assert.Equal(t, int64(5), rows[1].DeviceID)
}

func TestListObservations_Text(t *testing.T) {
	ts := time.Date(2025, 1, 31, 13, 0, 0, 0, time.UTC)
	admin := &fakeAdmin{observations: []models.Observation{
		{ID: 1, DeviceID: 7, Temperature: 36.6, Timestamp: ts, RecordedAt: ts},
	}}

	out, err := run(t, admin, "list", "--observations")
	require.NoError(t, err)
	assert.Contains(t, out, "DEVICE")
	assert.Contains(t, out, "36.6")
	assert.Contains(t, out, "2025-01-31T13:00:00Z")
}

func TestDLQ_MemoryBusRejected(t *testing.T) {
	_, err := run(t, &fakeAdmin{}, "dlq", "list")
	assert.True(t, errors.Is(err, ErrMemoryBus))
}

func TestDLQ_ListReplayPurge(t *testing.T) {
	dlq := &fakeDeadLetters{entries: []bus.DeadLetterEntry{
		{ID: "1-0", SourceID: "0-1", Payload: `{"deviceId":1}`, Error: "boom", Attempts: 4},
		{ID: "2-0", SourceID: "0-2", Payload: `{"deviceId":2}`, Error: "boom", Attempts: 4},
	}}
	admin := &fakeAdmin{dlq: dlq}

	out, err := run(t, admin, "dlq", "list", "--count", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "1-0")
	assert.NotContains(t, out, "2-0")

	_, err = run(t, admin, "dlq", "replay")
	assert.Error(t, err)

	out, err = run(t, admin, "dlq", "replay", "2-0", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"replayed":1}`, out)
	assert.Equal(t, []string{"2-0"}, dlq.replayed)

	out, err = run(t, admin, "dlq", "replay", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 2")

	_, err = run(t, admin, "dlq", "purge")
	assert.Error(t, err)
	assert.False(t, dlq.purged)

	out, err = run(t, admin, "dlq", "purge", "--yes")
	require.NoError(t, err)
	assert.True(t, dlq.purged)
	assert.Contains(t, out, "purged 2")
}
