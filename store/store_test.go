package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qvint/kmsd/wire"
)

func sampleRecord(t uint64) ClientRecord {
	return ClientRecord{
		ClientMachineID: wire.MustGUID("9e4a2386-2d62-4d6a-8b41-01b8a84a6a7e"),
		ApplicationID:   wire.MustGUID("55c92734-d682-4d71-983e-d6ec3f16059f"),
		SKUID:           wire.MustGUID("ae2ee509-1b34-41c0-acb7-6d4650168915"),
		LicenseStatus:   2,
		LastActivation:  t,
		MachineName:     "TESTPC",
	}
}

func testStoreBehavior(t *testing.T, st Store) {
	ctx := context.Background()

	got, err := st.Get(ctx, sampleRecord(0).ClientMachineID)
	require.NoError(t, err)
	require.Nil(t, got, "empty store returned a record")

	require.NoError(t, st.Upsert(ctx, sampleRecord(100)))
	got, err = st.Get(ctx, sampleRecord(0).ClientMachineID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, 100, got.LastActivation)
	require.EqualValues(t, 1, got.RequestCount)

	// Newer write wins.
	require.NoError(t, st.Upsert(ctx, sampleRecord(200)))
	got, err = st.Get(ctx, sampleRecord(0).ClientMachineID)
	require.NoError(t, err)
	require.EqualValues(t, 200, got.LastActivation)

	// Older write is dropped.
	require.NoError(t, st.Upsert(ctx, sampleRecord(150)))
	got, err = st.Get(ctx, sampleRecord(0).ClientMachineID)
	require.NoError(t, err)
	require.EqualValues(t, 200, got.LastActivation)

	// Replays keep a single record per machine.
	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// A second machine is independent.
	other := sampleRecord(50)
	other.ClientMachineID = wire.MustGUID("11111111-2222-3333-4444-555555555555")
	other.MachineName = "OTHERPC"
	require.NoError(t, st.Upsert(ctx, other))
	list, err = st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestMemoryStore(t *testing.T) {
	testStoreBehavior(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err)
	defer db.Close()

	testStoreBehavior(t, db)
}

func TestSQLitePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.db")
	ctx := context.Background()

	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.Upsert(ctx, sampleRecord(300)))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, sampleRecord(0).ClientMachineID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, 300, got.LastActivation)
	require.Equal(t, "TESTPC", got.MachineName)
}

func TestMemoryStoreConcurrent(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	done := make(chan error, 8)
	for i := range 8 {
		go func(i int) {
			rec := sampleRecord(uint64(1000 + i))
			done <- st.Upsert(ctx, rec)
		}(i)
	}
	for range 8 {
		require.NoError(t, <-done)
	}

	// Writes race, but the newest activation always survives; stragglers
	// with older times are dropped and not counted.
	got, err := st.Get(ctx, sampleRecord(0).ClientMachineID)
	require.NoError(t, err)
	require.EqualValues(t, 1007, got.LastActivation)
	require.GreaterOrEqual(t, got.RequestCount, uint32(1))
}
