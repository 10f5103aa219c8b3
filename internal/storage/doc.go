// Package storage is the durable state boundary of the orchestration core.
//
// Everything the dispatcher must survive a restart with goes through Store:
// the append-only budget ledger plus per-pool snapshots, persona tier state,
// slot assignment history, subscribers, sequence instances and outbound
// message claims. The sqlite driver is the production backend; the memory
// driver backs tests and storage-less throwaway runs.
package storage
