package sqlconn

import (
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/parsql/migrations"
	"github.com/pkg/errors"
)

// mysql error numbers worth retrying
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// classify marks deadlocks, serialization failures and lock wait
// timeouts as transient so the runner's retry policy can apply.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return migrations.Transient(err)
		}
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return migrations.Transient(err)
		}
		return err
	}

	return err
}
