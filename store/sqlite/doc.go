// Package sqlite stores checkpoints and pending writes in a SQLite database.
//
// It mirrors the postgres saver's schema and conflict rules and is meant for
// local development and single-process deployments. ":memory:" gives a
// volatile store that lives as long as the saver.
//
//	saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{Path: "./checkpoints.db"})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//	if err := saver.Setup(ctx); err != nil {
//		return err
//	}
package sqlite
