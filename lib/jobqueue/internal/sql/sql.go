// Package sql provides small transaction helpers used by the queue
// implementation.
package sql

import "database/sql"

// InTx runs fn inside a transaction, committing on success and rolling back
// if fn returns an error or panics.
func InTx(db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
