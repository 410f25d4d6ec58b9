// Package core implements the instance lifecycle behind the HTTP surface:
// the host container pool, the instance registry, the streaming query
// pipeline, the snapshot engine, and the idle reaper.
//
// A host container runs one database engine process (one per dialect image)
// and carries many logical databases. Instances are logical databases with
// their own credentials; creating one never starts a container when a warm
// host has capacity. The registry writes every lifecycle transition through
// the metadata store before acknowledging it, so a restarted service can
// rebuild its state from the store plus the daemon's container labels.
package core
