// Package ivydb is an embeddable, memory-mapped, transactional key-value
// storage engine. It follows the design of libmdbx (copy-on-write B+tree,
// dual/triple rotating meta pages, MVCC via reader snapshots, a free-list
// table keyed by retiring transaction id) but uses its own on-disk magic
// and checksum, and is not byte-compatible with libmdbx data files.
//
// Key features:
//   - B+ tree data structure for efficient key-value storage
//   - MVCC (Multi-Version Concurrency Control) for concurrent reads
//   - Single writer, multiple readers concurrency model
//   - Memory-mapped I/O for high performance
//   - ACID transactions with crash recovery
//   - Nested transaction infrastructure (parent page delegation)
//
// Basic usage:
//
//	env, err := ivydb.NewEnv(ivydb.Default)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Open("/path/to/db", ivydb.NoSubdir, 0644)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Begin a write transaction
//	txn, err := env.BeginTxn(nil, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Open the default database
//	dbi, err := txn.OpenDBI("", ivydb.Create, nil, nil)
//	if err != nil {
//	    txn.Abort()
//	    log.Fatal(err)
//	}
//
//	// Put a key-value pair
//	err = txn.Put(dbi, []byte("key"), []byte("value"), 0)
//	if err != nil {
//	    txn.Abort()
//	    log.Fatal(err)
//	}
//
//	_, err = txn.Commit()
//	if err != nil {
//	    log.Fatal(err)
//	}
package ivydb
