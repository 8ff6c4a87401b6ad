// Package database provides GORM-backed connection pool management, with
// health checks, pool statistics, and retrying transactions.
//
// PoolManager wraps a *gorm.DB and its underlying *sql.DB, exposing
// DB/Ping/Stats/Close lifecycle methods and tuning MaxIdleConns,
// MaxOpenConns, and ConnMaxLifetime. A background ping loop logs
// connectivity failures via zap. WithTransactionRetry retries a
// transaction function with exponential backoff on deadlock/serialization
// failures.
package database
