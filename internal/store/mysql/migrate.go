package mysql

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies ("up") or rolls back ("down") the embedded schema. dsn is a
// go-sql-driver DSN such as user:pass@tcp(localhost:3306)/pondy_cafe.
func Migrate(dsn string, direction string, log logrus.FieldLogger) error {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return errors.Wrap(err, "parse mysql dsn")
	}
	cfg.MultiStatements = true
	cfg.ParseTime = true

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, "mysql://"+cfg.FormatDSN())
	if err != nil {
		return errors.Wrap(err, "create migrate instance")
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		return errors.Errorf("unknown migration direction %q", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.WithField("direction", direction).Info("no migrations to apply")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "migrate %s", direction)
	}

	log.WithField("direction", direction).Info("migrations completed")
	return nil
}
