package logging

import (
	"github.com/sirupsen/logrus"
)

const componentField = "component"

// NewComponentLogger returns a logger entry tagged with the name of the component emitting it.
func NewComponentLogger(component string) *logrus.Entry {
	return logrus.WithField(componentField, component)
}

// CommandLineFormatter prints only the message, for use by CLI commands writing to a terminal.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}
