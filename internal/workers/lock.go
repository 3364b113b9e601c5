package workers

import (
	"gorm.io/gorm"
)

// tryLock acquires a postgres session-level advisory lock keyed by task
// name, so only one cluster instance runs a given periodic task at a time
// (§4.8). On sqlite (local dev, tests) there is no cluster to coordinate
// across, so the lock always succeeds.
func tryLock(db *gorm.DB, name string) (release func(), acquired bool, err error) {
	if db.Dialector.Name() != "postgres" {
		return func() {}, true, nil
	}

	var ok bool
	if err := db.Raw("SELECT pg_try_advisory_lock(hashtext(?))", name).Scan(&ok).Error; err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		db.Exec("SELECT pg_advisory_unlock(hashtext(?))", name)
	}
	return release, true, nil
}
