package metrics

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

func setPoolGauges(inUse, idle, limit int) {
	DBPoolConnections.WithLabelValues("in_use").Set(float64(inUse))
	DBPoolConnections.WithLabelValues("idle").Set(float64(idle))
	DBPoolConnections.WithLabelValues("max").Set(float64(limit))
}

// RecordDBPoolMetrics samples a pgx pool.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	s := pool.Stat()
	setPoolGauges(int(s.AcquiredConns()), int(s.IdleConns()), int(s.MaxConns()))
}

// RecordSQLDBMetrics samples a database/sql handle (the SQLite backend).
// A zero limit means unbounded.
func RecordSQLDBMetrics(db *sql.DB) {
	s := db.Stats()
	setPoolGauges(s.InUse, s.Idle, s.MaxOpenConnections)
}
