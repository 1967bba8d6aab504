package mysql

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

func number(err error) uint16 {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return 0
	}
	return me.Number
}

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	return number(err) == 1062 // Duplicate key error
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock.
func IsDeadlock(err error) bool {
	// Error 1213: Deadlock found when trying to get lock; try restarting transaction
	return number(err) == 1213
}

// IsRetryable returns true if a transaction failing with err may be
// restarted, i.e. after a deadlock or a lock wait timeout.
func IsRetryable(err error) bool {
	switch number(err) {
	case 1205, 1213:
		return true
	}
	return false
}
