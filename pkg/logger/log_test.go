package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltforge/meltforge/pkg/logger"
)

func Test_AttachListener_ReceivesFilteredEmissions(t *testing.T) {
	var statuses []logger.LogStatus
	var messages []string
	logger.Log.AttachListener(func(status logger.LogStatus, message string) {
		statuses = append(statuses, status)
		messages = append(messages, message)
	}, logger.WARNING)

	log := logger.Get("ListenerTest")
	log.Infof("below the listener threshold\n")
	log.Warnf("running low on %s\n", "disk")
	log.Errorf("something broke\n")

	require.Len(t, messages, 2, "emissions below the attach status are filtered")
	assert.Equal(t, logger.WARNING, statuses[0])
	assert.Equal(t, logger.ERROR, statuses[1])
	assert.Contains(t, messages[0], "ListenerTest")
	assert.Contains(t, messages[0], "running low on disk")
}
