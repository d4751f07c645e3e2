package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/db"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/reservation"
	"github.com/ariana-dot-dev/ariana-sub006/internal/machine/store"
)

type mapResolver map[string]string

func (r mapResolver) ResolveAddress(ctx context.Context, machineID string) (string, error) {
	if a, ok := r[machineID]; ok {
		return a, nil
	}
	return "", errors.New("no such container")
}

func TestParsePoolFile(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    int
		wantErr string
	}{
		{
			name: "valid",
			doc: `
machines:
  - id: m-1
    address: 10.0.0.1:8911
  - id: m-2
    ready: false
`,
			want: 2,
		},
		{name: "empty", doc: "machines: []\n", want: 0},
		{name: "missing id", doc: "machines:\n  - address: x\n", wantErr: "id is required"},
		{name: "duplicate", doc: "machines:\n  - id: a\n  - id: a\n", wantErr: "duplicate id"},
		{name: "malformed", doc: "machines: {", wantErr: "parse pool file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePoolFile([]byte(tt.doc))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestPoolMachine_ReadyDefaultsTrue(t *testing.T) {
	machines, err := parsePoolFile([]byte("machines:\n  - id: a\n  - id: b\n    ready: false\n"))
	require.NoError(t, err)
	assert.True(t, machines[0].ready())
	assert.False(t, machines[1].ready())
	assert.True(t, needsResolution(machines))
}

func TestImportMachines(t *testing.T) {
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	st, err := store.New(pool)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = st.AddToPool(ctx, "existing", "10.0.0.9:8911", true)
	require.NoError(t, err)

	machines := []poolMachine{
		{ID: "m-1", Address: "10.0.0.1:8911"},
		{ID: "m-2"},
		{ID: "existing", Address: "10.0.0.9:8911"},
		{ID: "ghost"},
	}
	n, err := importMachines(ctx, st, mapResolver{"m-2": "172.17.0.2:8911"}, machines, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve ghost")
	assert.Equal(t, 2, n)

	entries, err := st.ListPool(ctx)
	require.NoError(t, err)
	addresses := map[string]string{}
	for _, e := range entries {
		addresses[e.MachineID] = e.Address
	}
	assert.Equal(t, "172.17.0.2:8911", addresses["m-2"])
	assert.Len(t, addresses, 3)
}

func TestPrintPoolStatus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printPoolStatus(&buf, reservation.PoolStats{
		PoolSize: 1, Target: 4, Pending: 3, Status: reservation.StatusDegraded,
	}, 2))
	out := buf.String()
	assert.True(t, strings.Contains(out, "degraded"), out)
	assert.Contains(t, out, "PENDING REQUESTS")
}
