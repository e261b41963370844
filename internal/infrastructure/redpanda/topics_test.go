package redpanda

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	specs := Topics(0)
	require.Len(t, specs, 3)
	for _, s := range specs {
		assert.Equal(t, int16(1), s.Replicas, s.Name)
	}
	assert.Equal(t, int16(3), Topics(3)[0].Replicas)

	push := specs[0]
	assert.Equal(t, TopicNotificationPush, push.Name)
	cfg := push.configs()
	assert.Equal(t, "3600000", *cfg["retention.ms"])
	assert.Equal(t, "delete", *cfg["cleanup.policy"])

	audit := specs[1]
	assert.Equal(t, TopicAuditTrail, audit.Name)
	assert.Equal(t, 30*24*time.Hour, audit.Retention)
	assert.Equal(t, "2592000000", *audit.configs()["retention.ms"])
}
