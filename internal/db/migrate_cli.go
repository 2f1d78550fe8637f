package db

import (
	"fmt"
	"strconv"
	"strings"
)

// RunMigrateCommand executes one -migrate subcommand against the store:
// up, down, version, or "force <N>". The returned string is printed to the
// operator; errors mean the command did not take effect.
func (db *DB) RunMigrateCommand(command, migrationsDir string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty migrate command (valid: up, down, version, force <N>)")
	}

	switch fields[0] {
	case "up":
		if err := db.MigrateUp(migrationsDir); err != nil {
			return "", err
		}
		version, dirty, err := db.MigrateVersion(migrationsDir)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("migrated up to version %d (dirty=%v)", version, dirty), nil

	case "down":
		if err := db.MigrateDown(migrationsDir); err != nil {
			return "", err
		}
		version, dirty, err := db.MigrateVersion(migrationsDir)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("rolled back to version %d (dirty=%v)", version, dirty), nil

	case "version":
		version, dirty, err := db.MigrateVersion(migrationsDir)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("version %d (dirty=%v)", version, dirty), nil

	case "force":
		if len(fields) != 2 {
			return "", fmt.Errorf("force requires a version number")
		}
		version, err := strconv.Atoi(fields[1])
		if err != nil {
			return "", fmt.Errorf("invalid force version %q: %w", fields[1], err)
		}
		if err := db.MigrateForce(migrationsDir, version); err != nil {
			return "", err
		}
		return fmt.Sprintf("forced version to %d", version), nil

	default:
		return "", fmt.Errorf("unknown migrate command %q (valid: up, down, version, force <N>)", fields[0])
	}
}
