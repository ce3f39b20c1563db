package messaging

import (
	"testing"

	"example.com/backstage/services/registry/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the SDK parses the connection string and opens AMQP links lazily, so no
// namespace is contacted here
const testServiceBusConnection = "Endpoint=sb://registry-test.servicebus.windows.net/;SharedAccessKeyName=RootManageSharedAccessKey;SharedAccessKey=c2VjcmV0"

func newTestServiceBus(t *testing.T) *serviceBusTransport {
	t.Helper()
	tr, err := NewServiceBusTransport(config.ServiceBusConfig{ConnectionString: testServiceBusConnection}, "device_events", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr.(*serviceBusTransport)
}

func TestServiceBusRejectsMalformedConnectionString(t *testing.T) {
	_, err := NewServiceBusTransport(config.ServiceBusConfig{ConnectionString: "not-a-connection-string"}, "device_events", quietLogger())
	require.Error(t, err)
}

func TestServiceBusSendersAreCachedAndDropped(t *testing.T) {
	tr := newTestServiceBus(t)

	first, err := tr.sender("device_events")
	require.NoError(t, err)
	again, err := tr.sender("device_events")
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = tr.sender("audit")
	require.NoError(t, err)
	assert.Len(t, tr.senders, 2)

	tr.dropSender("device_events")
	assert.Len(t, tr.senders, 1)
	assert.NotContains(t, tr.senders, "device_events")

	// dropping an unknown queue is a no-op
	tr.dropSender("missing")
	assert.Len(t, tr.senders, 1)

	fresh, err := tr.sender("device_events")
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}
