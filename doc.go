// Package brokerd exposes the Go APIs behind the brokerd control plane: a
// resource store with optimistic concurrency, a reconciliation engine that
// dispatches resource events to operator handlers with cross-process
// exclusivity, a distributed lock manager keyed by resource id, and pollers
// that drive long-running operations to a terminal state and release their
// locks afterwards.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The store is selected by URL. mem:// keeps everything in process and is
// meant for tests and local development; disk://, s3://, aws://, azure://,
// etcd:// and redis:// share state between processes.
//
//	cfg := brokerd.DefaultConfig()
//	cfg.Store = "etcd://etcd-0:2379/brokerd"
//	srv, err := brokerd.NewServer(cfg, brokerd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	if err := srv.Run(ctx); err != nil { log.Fatal(err) }
//
// Run registers the lock and audit kinds, starts the unlock poller, the admin
// listener (Config.AdminListen) and telemetry, and blocks until ctx ends.
//
// # Storage encryption
//
// Setting Config.StorageKeyFile to a kryptograf PEM bundle (created with
// `brokerd config keygen --out <path>`) encrypts every object body before it
// reaches the backend. Each object gets its own data key bound to its storage
// key. Object keys and ETags are not encrypted.
//
// # Embedding an operator
//
// Operators register their kinds and watches on the server before or after
// Start, using the type aliases in this package. A handler that starts a
// long-running operation hands the resource to an operation poller created by
// NewOperationPoller:
//
//	backups, _ := srv.NewOperationPoller(brokerd.OperationConfig{
//	    Operation: brokerd.OpBackup,
//	    Group:     "backup.example.com",
//	    Kind:      "backups",
//	    Probe:     probeBackup,
//	})
//	_ = srv.Engine().RegisterWatch(brokerd.Watch{
//	    Group:   "backup.example.com",
//	    Kind:    "backups",
//	    States:  []string{brokerd.StateInQueue},
//	    Handler: brokerd.HandlerFunc(startBackup),
//	})
//
// The poller aborts operations that outlive their lock TTL, force-finishes
// them as ABORTED after the abort timeout and reschedules failed scheduled
// occurrences. Locks held for an operation are released by the unlock poller
// once the protected resource reaches a terminal state or disappears.
//
// # Admin API
//
// The admin listener is read-only:
//
//	GET /healthz
//	GET /v1/locks/{id}
//	GET /v1/resources/{group}/{kind}/{id}
//
// Requests carry an X-Correlation-Id header that is echoed back and attached
// to every log line written while serving them.
package brokerd
