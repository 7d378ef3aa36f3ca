// Package mneme provides a rolling file appender engine.
//
// An Appender writes already formatted records to an active file, asks a
// TriggeringPolicy before every record whether the file must be rolled over,
// and lets a RolloverStrategy rename, compress and prune the archives. The
// policy check, the rollover and the write of a record form one critical
// section, so concurrent producers never lose, duplicate or misplace a record.
//
// # Quick Start
//
//	cfg := mneme.DefaultConfig()
//	cfg.FileName = "logs/app.log"
//	cfg.FilePattern = "logs/app-%d-%i.log.gz"
//	cfg.Policy = mneme.AnyOf(mneme.SizeBased(100<<20), mneme.TimeBased(24*time.Hour, true))
//
//	app, err := mneme.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close()
//
//	app.Append(mneme.Record{Time: time.Now(), Data: []byte("hello\n")})
//
// Appender implements io.Writer, so it can back any logging library:
//
//	logger := slog.New(slog.NewJSONHandler(app, nil))
//
// # File Name Templates
//
// Both FileName and FilePattern are templates. %d renders the period the
// file was opened in (%d{2006-01-02T15} takes a Go layout), %i the archive
// index, ${name} a variable from Config.Vars, ${env:NAME} an environment
// variable and ${name:-default} a variable with a default. FileName may use
// every marker except %i. Templates are parsed once by New: a malformed
// template fails there with ErrMalformedPattern, never during a rollover.
//
// The archive index is the lowest integer >= 1 not used by an existing
// archive of the same period, compressed or not.
//
// # Triggering Policies
//
//	mneme.SizeBased(10 << 20)                 // before a record pushes the file past 10 MiB
//	mneme.TimeBased(time.Hour, true)           // at every full hour
//	mneme.NewCronPolicy("0 3 * * *")           // at 03:00
//	mneme.OnStartup(0)                         // once, during New
//	mneme.AnyOf(p1, p2)                        // whichever fires first
//
// Config.RolloverOnStartup adds OnStartup(0) to the configured policy.
//
// # Rollover Strategies
//
// DefaultStrategy renames the active file to the next archive name.
// DirectWriteStrategy has no active file: records go straight to the next
// archive name. Both compress when FilePattern ends with .gz, .zst, .zip or
// .br, optionally in the background, write SHA-256 sidecars and prune
// archives by count and age. Compression and retention failures are
// reported, never fatal; a failed compression keeps the uncompressed archive.
//
// # Configuration Files
//
// LoadConfigFile reads the same options from YAML or JSON:
//
//	file_name: logs/app.log
//	file_pattern: logs/app-%d-%i.log.gz
//	policy:
//	  max_size: 100MB
//	  interval: 1d
//	  modulate: true
//	strategy:
//	  max_archives: 14
//	  max_archive_age: 30d
//
// The mneme command (cmd/mneme) copies standard input into an appender built
// from such a file and reloads it when the file changes.
//
// # Error Handling
//
// Every error wraps one of the sentinels in errors.go. With IgnoreErrors
// (the default) I/O and rollover failures are reported instead of returned:
//
//	cfg.ErrorCallback = func(operation string, err error) {
//		if errors.Is(err, mneme.ErrRollover) {
//			alerting.Send("log rollover failed: " + err.Error())
//		}
//	}
//
// Diagnostics of the appender itself go to Config.StatusLogger, to a
// rotating JSON file when StatusFile is set, or to stderr.
//
// # Shutdown
//
// Stop(timeout) flushes and closes the file and waits for background
// compression. When an in-flight rollover outlives the timeout it returns
// ErrForcedShutdown and the file is closed as soon as the rollover finishes.
// Stop is idempotent.
//
// # Thread Safety
//
// All Appender methods are safe for concurrent use. Stats never blocks on
// the write lock.
package mneme
