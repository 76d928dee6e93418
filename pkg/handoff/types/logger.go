package types

// Logger is the logging abstraction every component is handed at
// construction time. No component imports a concrete logging library
// directly; they depend on this interface so the single-threaded event
// loop never blocks formatting a message it doesn't need to emit.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// With returns a Logger that annotates every subsequent record with
	// the given structured fields, without mutating the receiver.
	With(fields map[string]interface{}) Logger
}
