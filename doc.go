// Package chainlog keeps a public, append-only daily allocation log whose
// entries are linked by SHA-256 so that any retroactive edit is detectable by
// a third party holding only the published file.
//
// Each entry's hash is computed over its canonical form (RFC 8785 JSON with
// the linkage fields removed) joined to the previous entry's hash:
//
//	hash = hex(sha256(canonical(entry) || "|" || prev_hash))
//
// The genesis entry carries an empty prev_hash (""). A reader can check one
// entry with VerifySerializedEntry, a link with VerifyLink and a whole log
// with CheckChain.
//
// # Storage backends
//
//  1. File storage (file_store.go) - DEFAULT
//     - One log.json per directory, replaced atomically
//     - Schema-checked on load
//     - Best for: single host deployments and published folders
//
//  2. SQL storage (sql_store.go) - SQLite or PostgreSQL
//     - One row per entry plus corrections, incidents and publish records
//     - Commits re-check the tail inside a transaction
//     - Best for: several writers sharing one database
//
//  3. Memory storage (store.go)
//     - Tests and dry runs
//
// All backends satisfy Store, so the Log API is the same:
//
//	st, err := chainlog.OpenFileStore("/var/lib/chainlog")
//	if err != nil {
//		log.Fatal(err)
//	}
//	l, err := chainlog.Open(ctx, st) // verifies the stored chain
//	if err != nil {
//		log.Fatal(err)
//	}
//	e, err := l.Append(ctx, in.Entry(time.Now()))
//
// # Daily run
//
// Pipeline wraps one scheduled run: produce the input, validate it, append,
// publish the document, then evaluate the publish gate. The Detector turns a
// late or missing publish into an incident and resolves it once the entry is
// out. A date already in the log makes the run a no-op, unless its entry was
// never published, in which case the run publishes it again.
//
//	p := &chainlog.Pipeline{
//		Log:       l,
//		Producer:  chainlog.FileProducer{Path: "signal.json"},
//		Publisher: pub,
//		Gate:      chainlog.Gate{Window: 5 * time.Minute},
//		Detector:  det,
//	}
//	res, err := p.Run(ctx, "2026-01-02")
//
// # Publishing
//
// A Publisher distributes the whole Document: FolderPublisher writes
// log.json and latest.json to a directory, S3Publisher puts the same objects
// in a bucket, and HTTPPublisher/ProtoHTTPPublisher POST JSON or a
// google.protobuf.Struct. Server exposes the log read-only over HTTP, with
// protobuf responses when the client asks for application/x-protobuf.
package chainlog
