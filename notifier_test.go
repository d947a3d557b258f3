package ash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNotificationBufferImmediateDelivery(t *testing.T) {
	// ARRANGE
	notifier := &mockNotifier{}
	buffer := newNotificationBuffer(notifier, true, zap.NewNop())

	// ACT
	buffer.Publish(nil, []Notification{{Resource: "posts", Action: "destroy"}})

	// ASSERT
	if assert.Equalf(t, 1, len(notifier.deliveries()), "deliveries number mismatch") {
		assert.Equalf(t, 1, len(notifier.deliveries()[0]), "delivered notifications number mismatch")
	}
}

func TestNotificationBufferDeferredDelivery(t *testing.T) {
	t.Run("DeliveredOnCommit", func(t *testing.T) {
		// ARRANGE
		notifier := &mockNotifier{}
		buffer := newNotificationBuffer(notifier, true, zap.NewNop())

		// ACT
		entry := buffer.Enter(nil)
		buffer.Publish(entry, []Notification{{Resource: "posts", Action: "destroy"}})
		assert.Equalf(t, 0, len(notifier.deliveries()), "delivery must wait for the transaction outcome")
		buffer.Leave(entry, true)

		// ASSERT
		if assert.Equalf(t, 1, len(notifier.deliveries()), "deliveries number mismatch") {
			assert.Equalf(t, 1, len(notifier.deliveries()[0]), "delivered notifications number mismatch")
		}
	})

	t.Run("DroppedOnRollback", func(t *testing.T) {
		// ARRANGE
		notifier := &mockNotifier{}
		buffer := newNotificationBuffer(notifier, true, zap.NewNop())

		// ACT
		entry := buffer.Enter(nil)
		buffer.Publish(entry, []Notification{{Resource: "posts", Action: "destroy"}})
		buffer.Leave(entry, false)
		buffer.Publish(nil, []Notification{{Resource: "posts", Action: "destroy"}})

		// ASSERT
		if assert.Equalf(t, 1, len(notifier.deliveries()), "only the post-rollback publication must arrive") {
			assert.Equalf(t, 1, len(notifier.deliveries()[0]), "delivered notifications number mismatch")
		}
	})

	t.Run("NestedLevels", func(t *testing.T) {
		// ARRANGE
		notifier := &mockNotifier{}
		buffer := newNotificationBuffer(notifier, true, zap.NewNop())

		// ACT
		outer := buffer.Enter(nil)
		inner := buffer.Enter(outer)
		buffer.Publish(inner, []Notification{{Resource: "posts", Action: "destroy"}})
		buffer.Leave(inner, true)
		assert.Equalf(t, 0, len(notifier.deliveries()), "an inner commit must not trigger delivery")
		buffer.Leave(outer, true)

		// ASSERT
		assert.Equalf(t, 1, len(notifier.deliveries()), "the outermost commit delivers the deferred notifications")
	})

	t.Run("SiblingRollbackKeepsOtherDeliveries", func(t *testing.T) {
		// ARRANGE
		notifier := &mockNotifier{}
		buffer := newNotificationBuffer(notifier, true, zap.NewNop())

		// ACT
		open := buffer.Enter(nil)
		buffer.Publish(open, []Notification{{Resource: "posts", Action: "destroy"}})
		buffer.Publish(nil, []Notification{{Resource: "posts", Action: "destroy"}})
		buffer.Leave(open, false)

		// ASSERT
		if assert.Equalf(t, 1, len(notifier.deliveries()), "a sibling's open transaction must not capture committed notifications") {
			assert.Equalf(t, 1, len(notifier.deliveries()[0]), "delivered notifications number mismatch")
		}
	})
}

func TestNotificationBufferDisabledDelivery(t *testing.T) {
	// ARRANGE
	notifier := &mockNotifier{}
	buffer := newNotificationBuffer(notifier, false, zap.NewNop())

	// ACT
	buffer.Publish(nil, []Notification{{Resource: "posts", Action: "destroy"}})

	// ASSERT
	assert.Equalf(t, 0, len(notifier.deliveries()), "delivery must be skipped when not requested for the run")
}
