package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStack_NoStack(t *testing.T) {
	assert.Nil(t, ExtractStack(fmt.Errorf("plain")))
	assert.Nil(t, ExtractStack(nil))
}

func TestExtractStack_FindsDeepestStack(t *testing.T) {
	inner := errors.New("inner")
	outer := errors.Wrap(inner, "outer")

	stack := ExtractStack(outer)
	require.NotNil(t, stack)
	assert.Equal(t, inner.(stackTracer).StackTrace(), stack)
}

func TestWithStacktrace(t *testing.T) {
	logger, hook := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	WithStacktrace(entry, errors.New("boom")).Error("failed")

	require.Len(t, hook.Entries, 1)
	assert.Contains(t, hook.LastEntry().Data, Stacktrace)
	assert.Contains(t, hook.LastEntry().Data, logrus.ErrorKey)
}

func TestCommandLineFormatter(t *testing.T) {
	out, err := (&CommandLineFormatter{}).Format(&logrus.Entry{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}
