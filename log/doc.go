// Package log provides the leveled logging interface used by the ChainGraph
// execution plane.
//
// Components accept a Logger in their options struct; when left nil they fall
// back to the package-level default. Two implementations ship with the
// package: StdLogger (standard library) and GologLogger (kataras/golog, the
// implementation the binaries install). NoOpLogger silences a component.
//
// Levels, in order of increasing severity: LevelDebug, LevelInfo, LevelWarn,
// LevelError, LevelNone. ParseLevel maps the LOG_LEVEL environment value to a
// Level.
//
//	logger := log.NewGologLogger(golog.New())
//	logger.SetLevel(log.ParseLevel(os.Getenv("LOG_LEVEL")))
//	log.SetDefaultLogger(logger)
package log
