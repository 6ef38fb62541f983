package model

import "time"

// Company is one tenant on the upstream. Name is the stable key used in
// requests; GUID is the opaque identifier the upstream reports.
type Company struct {
	Name         string    `yaml:"name"`
	GUID         string    `yaml:"guid"`
	BooksFrom    time.Time `yaml:"books_from"`
	StartingFrom time.Time `yaml:"starting_from"`
	IsActive     bool      `yaml:"is_active"`

	// Optional per-tenant upstream override; empty means the process
	// default.
	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port"`
}

// SyncState is the durable watermark for one (company, voucher kind)
// pair. LastSyncedMonth is only meaningful while IsInitialDone is
// false; once IsInitialDone latches true it never regresses, and
// LastAlterID never decreases.
type SyncState struct {
	CompanyName     string
	VoucherType     EntityKind
	LastAlterID     int64
	IsInitialDone   bool
	LastSyncedMonth string // YYYYMM of the last fully committed chunk
	LastSyncTime    time.Time
}
