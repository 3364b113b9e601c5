package store

import (
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the *gorm.DB handle and its migration/lifecycle concerns,
// the same thin wrapper shape as the teacher's database.Database.
type Store struct {
	DB *gorm.DB
}

// Open connects to dbURL, choosing the postgres driver for a
// "postgres://"/"postgresql://" URL and falling back to sqlite otherwise
// (used for local development and tests), exactly the branch the teacher's
// database.New took.
func Open(dbURL string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("order store connected (postgres)")
	} else {
		db, err = gorm.Open(sqlite.Open(dbURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbURL).Msg("order store connected (sqlite)")
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, err
	}

	s := &Store{DB: db}
	if err := s.installImmutabilityGuard(); err != nil {
		// Non-fatal: sqlite (tests, local dev) has no trigger support for
		// this guard in the form we write it; postgres deployments get the
		// real defence-in-depth layer described in §9's design notes.
		log.Warn().Err(err).Msg("ledger immutability trigger not installed (expected on sqlite)")
	}

	return s, nil
}

// installImmutabilityGuard adds a database-level trigger rejecting
// UPDATE/DELETE on ledger_entries, per the §9 redesign note: "Hash-chain
// integrity enforced only in application code... add a database-level
// guard." Postgres-only; the internal/credit package's own checks remain
// the cross-driver enforcement path.
func (s *Store) installImmutabilityGuard() error {
	if s.DB.Dialector.Name() != "postgres" {
		return nil
	}
	stmts := []string{
		`CREATE OR REPLACE FUNCTION reject_ledger_mutation() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'ledger_entries is append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS ledger_entries_immutable ON ledger_entries`,
		`CREATE TRIGGER ledger_entries_immutable
			BEFORE UPDATE OR DELETE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation()`,
	}
	for _, stmt := range stmts {
		if err := s.DB.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
