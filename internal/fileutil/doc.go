// Package fileutil provides small filesystem helpers.
//
// EnsureDir creates directories recursively; EnsureDirForFile prepares a
// file's parent directory. The metadata store uses these so a fresh
// deployment can point METADATA_DB_PATH at a directory that does not
// exist yet.
package fileutil
