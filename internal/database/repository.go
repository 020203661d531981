package database

type SnapshotRepository interface {
	Ping() error
	UpsertRecord(path string, value []byte) error
	DeleteRecord(path string) error
	ListRecords() ([]Record, error)
	Close() error
}
