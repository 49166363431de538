// Package integration contains end-to-end tests that run the cloudkv HTTP
// server against real storage backends and replay the events a cloud
// replicator would deliver.
package integration
