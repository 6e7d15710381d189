// Global database config.
package config

// Name of the database.
const DBName = "driftdb"

// The maximum number of pages that can be in the pager's buffer at once.
const MaxPagesInBuffer = 32

// Name of log file.
const LogFileName = "db.log"
