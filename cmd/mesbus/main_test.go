package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCoversReactiveConcerns(t *testing.T) {
	reg := newRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Len(t, reg.Lookup("ProductionBatchCompletedEvent"), 2)
	assert.Len(t, reg.Lookup("MaterialConsumedEvent"), 1)
	assert.Len(t, reg.Lookup("QualityInspectionCompletedEvent"), 1)
	assert.Len(t, reg.Lookup("EquipmentStatusChangedEvent"), 1)
	assert.Empty(t, reg.Lookup("ProductionBatchCreatedEvent"))
}

func TestRunPrintConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  max_retries: 7\n"), 0o644))

	var out bytes.Buffer
	require.NoError(t, run(path, true, &out))
	assert.Contains(t, out.String(), "max_retries: 7")
}

func TestRunInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: oracle\n"), 0o644))

	err := run(path, false, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}
