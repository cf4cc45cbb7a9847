package dbtypes

type DBEngineType int

const (
	DBEngineAny DBEngineType = iota
	DBEnginePgsql
	DBEngineSqlite
)

// IndexerState is a generic key/value row used for durable indexer state
// (checkpoint, start block cache).
type IndexerState struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}
