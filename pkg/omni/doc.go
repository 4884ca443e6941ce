// Package omni delivers formatted log records to sinks.
//
// A Handler owns one Sink and moves records to it through a Buffer that
// flushes on a message count, a byte size or the age of its oldest message.
// Console handlers write synchronously by default; file, network and NATS
// handlers enqueue on a bounded channel drained by background workers. A
// full queue drops and counts, so Emit never blocks.
//
// Basic Usage:
//
//	h, err := omni.NewFile("/var/log/app.log",
//		omni.WithFormatter(formatters.NewJSONFormatter()),
//		omni.WithRotation(features.RotationPolicy{MaxBytes: 100 << 20, MaxBackups: 10}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Close()
//
//	h.Emit(&types.LogRecord{Time: time.Now(), Level: types.LevelInfo, Message: "started"})
//
// Via log/slog:
//
//	logger := slog.New(omni.NewSlogHandler(h, slog.LevelInfo))
//	logger.Info("connected", "host", "db.example.com")
//
// Failures inside the pipeline (sink errors, rotation errors, formatter
// errors, drops) are counted in Stats and sent to the configured Reporter.
// The default Reporter writes rate-limited JSON lines to stderr and never
// goes through a handler.
//
// Handlers compose with the router package for fan-out, fallback and
// circuit breaking.
package omni
