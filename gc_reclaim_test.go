package ivydb

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDropReclaimsPages exercises the gcWalkTreeToRetired / gcCommitRetired
// path added for dropped tables (§4.E): dropping a populated sub-database
// retires its pages into the free-list table, and a later write transaction
// reuses them instead of growing the file.
func TestDropReclaimsPages(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ivydb-gc-reclaim-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	env, err := NewEnv(Default)
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.SetMaxDBs(4))
	require.NoError(t, env.Open(filepath.Join(tmpDir, "test.db"), NoSubdir, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)

	sub, err := txn.OpenDBI("scratch", Create, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, txn.Put(sub, key, key, 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	infoBefore, err := env.Info(nil)
	require.NoError(t, err)

	txn, err = env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	require.NoError(t, txn.Drop(sub, true))
	_, err = txn.Commit()
	require.NoError(t, err)

	// The retired pages must now be reachable from the free-list table.
	txn, err = env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	cursor, err := txn.OpenCursor(FreeDBI)
	require.NoError(t, err)
	_, val, err := cursor.Get(nil, nil, First)
	require.NoError(t, err)
	require.NotEmpty(t, gcDecodePages(val), "expected at least one retired page recorded under the free-list")
	cursor.Close()
	txn.Abort()

	// A subsequent write that needs pages must reuse them rather than grow
	// last_pgno past where it stood before the populated table existed.
	txn, err = env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	other, err := txn.OpenDBI("other", Create, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("other-%04d", i))
		require.NoError(t, txn.Put(other, key, key, 0))
	}
	_, err = txn.Commit()
	require.NoError(t, err)

	infoAfter, err := env.Info(nil)
	require.NoError(t, err)
	require.LessOrEqual(t, infoAfter.LastPgNo, infoBefore.LastPgNo+10,
		"the second write should reuse retired pages rather than grow the file without bound")
}

// TestAppendOrderingViolation mirrors the append-ordering scenario: once a
// key has been appended, appending an out-of-order key must fail and leave
// the table unchanged (S2).
func TestAppendOrderingViolation(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "ivydb-append-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	env, err := NewEnv(Default)
	require.NoError(t, err)
	defer env.Close()
	require.NoError(t, env.Open(filepath.Join(tmpDir, "test.db"), NoSubdir, 0644))

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("", Create, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, txn.Put(dbi, key, []byte("v"), Append))
	}

	err = txn.Put(dbi, []byte("k500"), []byte("v"), Append)
	require.Error(t, err, "appending an out-of-order key must fail")

	val, getErr := txn.Get(dbi, []byte("k999"))
	require.NoError(t, getErr)
	require.Equal(t, []byte("v"), val)

	txn.Abort()
}
