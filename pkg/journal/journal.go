package journal

import (
	"database/sql"
	"time"

	"avaneesh/ddcmp-go/pkg/internal/logger"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Journal stores line events in SQLite
type Journal struct {
	db     *gorm.DB
	logger logger.Logger
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	return OpenWithLogger(path, logger.GetDefault())
}

// OpenWithLogger opens the journal, sending GORM warnings to log
func OpenWithLogger(path string, log logger.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	gormLog := gormlogger.New(
		gormWriter{log: log},
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	// Pure Go SQLite driver
	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := configureSQLite(sqlDB); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "configure journal")
	}

	if err := db.AutoMigrate(&LineEvent{}); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "migrate journal")
	}

	log.Info("Journal opened: %s", path)
	return &Journal{db: db, logger: log}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmaSettings := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=memory",
	}

	for _, pragma := range pragmaSettings {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return errors.Wrap(err, pragma)
		}
	}

	return nil
}

// Record stores one event. A zero CreatedAt is set to now.
func (j *Journal) Record(ev LineEvent) error {
	if ev.Line == "" || ev.Kind == "" {
		return errors.Errorf("journal event needs line and kind: %+v", ev)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.ID = 0
	return j.db.Create(&ev).Error
}

// Recent returns up to limit events of line, newest first
func (j *Journal) Recent(line string, limit int) ([]LineEvent, error) {
	var events []LineEvent
	err := j.db.Where("line = ?", line).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// CountByEvent returns how many completion events of each name line has recorded
func (j *Journal) CountByEvent(line string) (map[string]int64, error) {
	var rows []struct {
		Event string
		Count int64
	}
	err := j.db.Model(&LineEvent{}).
		Select("event, COUNT(*) AS count").
		Where("line = ? AND kind = ?", line, KindCompletion).
		Group("event").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Event] = r.Count
	}
	return counts, nil
}

// Prune deletes events older than cutoff and returns how many went
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res := j.db.Where("created_at < ?", cutoff).Delete(&LineEvent{})
	return res.RowsAffected, res.Error
}

// Health checks if the database connection is healthy
func (j *Journal) Health() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormWriter feeds GORM's logger into ours
type gormWriter struct {
	log logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn(format, args...)
}
