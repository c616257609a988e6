package dispatch

import (
	"encoding/json"
	"sort"
	"time"

	"replicated-chat/internal/protocol"
	"replicated-chat/internal/store"
)

// Message record fields.
const (
	fieldSender    = "sender"
	fieldReceiver  = "receiver"
	fieldMessage   = "message"
	fieldTimestamp = "timestamp"
)

// deleteWindow tolerates sub-second rounding by clients: a delete matches any
// record within one second either side of the supplied timestamp.
const deleteWindow = time.Second

func (d *Dispatcher) sendMessage(payload json.RawMessage) protocol.Frame {
	msg, err := protocol.DecodeSendMessage(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	recipients, err := d.store.Read(store.Users, store.Predicate{fieldUserName: msg.Recipient})
	if err != nil {
		return d.storeError(err)
	}
	if len(recipients) == 0 {
		return protocol.Error("Message not sent")
	}

	now := store.FormatTimestamp(time.Now())
	rec := store.Record{
		fieldSender:    msg.Sender,
		fieldReceiver:  msg.Recipient,
		fieldMessage:   msg.Message,
		fieldTimestamp: now,
	}
	if _, err := d.store.Insert(store.Messages, rec); err != nil {
		return d.storeError(err)
	}

	d.notify(msg, now)
	return protocol.Success("Message sent successfully")
}

// notify pushes the message to the recipient's connection when they are
// online. Best effort: a failed push is logged and dropped, never retried and
// never reflected in the sender's response.
func (d *Dispatcher) notify(msg protocol.SendMessage, timestamp string) {
	conn, ok := d.presence.Lookup(msg.Recipient)
	if !ok {
		return
	}

	frame := protocol.NewFrame(protocol.CodeNotify, protocol.Notification{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Message:   msg.Message,
		Timestamp: timestamp,
	})

	go func() {
		if err := conn.WriteFrame(frame); err != nil {
			d.logger.Warn().Err(err).Str("recipient", msg.Recipient).Msg("notification push failed")
			d.countNotify("error")
			return
		}
		d.countNotify("ok")
	}()
}

func (d *Dispatcher) countNotify(result string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(result).Inc()
	}
}

func (d *Dispatcher) getMessages(payload json.RawMessage) protocol.Frame {
	username, err := protocol.DecodeUsername(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	sent, err := d.store.Read(store.Messages, store.Predicate{fieldSender: username})
	if err != nil {
		return d.storeError(err)
	}
	received, err := d.store.Read(store.Messages, store.Predicate{fieldReceiver: username})
	if err != nil {
		return d.storeError(err)
	}

	// Bucket by the other party, then order each bucket by timestamp.
	buckets := make(map[string][]store.Record)
	for _, m := range sent {
		if other, ok := m[fieldReceiver].(string); ok {
			buckets[other] = append(buckets[other], m)
		}
	}
	for _, m := range received {
		if other, ok := m[fieldSender].(string); ok {
			buckets[other] = append(buckets[other], m)
		}
	}
	for other := range buckets {
		sortByTimestamp(buckets[other])
	}

	return protocol.NewFrame(protocol.CodeBulkMessages, buckets)
}

func sortByTimestamp(msgs []store.Record) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, _ := msgs[i][fieldTimestamp].(string)
		tj, _ := msgs[j][fieldTimestamp].(string)
		a, okA := store.ParseTimestamp(ti)
		b, okB := store.ParseTimestamp(tj)
		if okA && okB {
			return a.Before(b)
		}
		return ti < tj
	})
}

func (d *Dispatcher) deleteMessage(payload json.RawMessage) protocol.Frame {
	del, err := protocol.DecodeDeleteMessage(payload)
	if err != nil {
		return protocol.Error(err.Error())
	}

	pred := store.Predicate{
		fieldMessage: del.Message,
		fieldSender:  del.Sender,
	}
	if del.Receiver != "" {
		pred[fieldReceiver] = del.Receiver
	}

	// First pass constrains the timestamp to a ±1s window around the client's
	// value. If nothing matches, retry once without the timestamp at all.
	if ts, ok := store.ParseTimestamp(del.Timestamp); ok {
		windowed := store.Predicate{fieldTimestamp: store.Range{
			Gte: ts.Add(-deleteWindow),
			Lt:  ts.Add(deleteWindow),
		}}
		for k, v := range pred {
			windowed[k] = v
		}
		n, err := d.store.Delete(store.Messages, windowed)
		if err != nil {
			return d.storeError(err)
		}
		if n > 0 {
			return protocol.Success("Message deleted")
		}
	}

	n, err := d.store.Delete(store.Messages, pred)
	if err != nil {
		return d.storeError(err)
	}
	if n == 0 {
		return protocol.Error("Message not deleted")
	}
	return protocol.Success("Message deleted")
}
