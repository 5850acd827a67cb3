// Package sink provides the two application-sink variants selectable via
// --ui: cafe-themed, but otherwise ordinary consumers of delivered
// OrderRecords, kept outside the core engine.
package sink

import (
	"github.com/jabolina/go-tob/pkg/tob/types"
)

// Kitchen logs every delivered order as a ticket entering preparation.
// Implements tob.ApplicationSink structurally.
type Kitchen struct {
	log types.Logger
}

// NewKitchen builds a Kitchen sink.
func NewKitchen(log types.Logger) *Kitchen {
	return &Kitchen{log: log}
}

// Deliver implements tob.ApplicationSink.
func (k *Kitchen) Deliver(order types.OrderRecord) {
	if k.log == nil {
		return
	}
	k.log.Infof("kitchen: ticket %s (seq=%d, epoch=%d) from peer %d now preparing: %d bytes",
		order.PayloadID, order.Seq, order.Epoch, order.SubmitterID, len(order.Body))
}

// Waiter logs every delivered order as a ticket going out to a table.
type Waiter struct {
	log types.Logger
}

// NewWaiter builds a Waiter sink.
func NewWaiter(log types.Logger) *Waiter {
	return &Waiter{log: log}
}

// Deliver implements tob.ApplicationSink.
func (w *Waiter) Deliver(order types.OrderRecord) {
	if w.log == nil {
		return
	}
	w.log.Infof("waiter: serving ticket %s (seq=%d, epoch=%d) submitted by peer %d",
		order.PayloadID, order.Seq, order.Epoch, order.SubmitterID)
}
