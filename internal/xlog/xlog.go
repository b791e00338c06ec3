// ABOUTME: Thin component-prefixed logger wrapping the standard log package
package xlog

import "log"

// Logger prefixes every line with a component tag so log output stays
// attributable to the specific subsystem that logged it.
type Logger struct {
	component string
}

// New returns a Logger for the named component.
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	log.Printf("["+l.component+"] "+format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	all := append([]interface{}{"[" + l.component + "]"}, args...)
	log.Println(all...)
}
