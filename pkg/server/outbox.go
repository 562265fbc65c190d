package server

import (
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

type delivery struct {
	conn *Conn
	msg  protocol.Message
}

// outbox collects the sends caused by one inbound message. Nothing is
// written until flush, which runs after all state changes for the message
// are done.
type outbox struct {
	deliveries []delivery
}

func (o *outbox) add(conn *Conn, msg protocol.Message) {
	if conn == nil {
		return
	}
	o.deliveries = append(o.deliveries, delivery{conn: conn, msg: msg})
}

// recipients returns the number of distinct connections in the outbox
func (o *outbox) recipients() int {
	seen := make(map[*Conn]struct{}, len(o.deliveries))
	for _, d := range o.deliveries {
		seen[d.conn] = struct{}{}
	}
	return len(seen)
}

// batches groups deliveries per connection, keeping the order in which
// connections first appear and the order of messages within each.
func (o *outbox) batches() ([]*Conn, map[*Conn][]protocol.Message) {
	order := make([]*Conn, 0, len(o.deliveries))
	byConn := make(map[*Conn][]protocol.Message, len(o.deliveries))
	for _, d := range o.deliveries {
		if _, ok := byConn[d.conn]; !ok {
			order = append(order, d.conn)
		}
		byConn[d.conn] = append(byConn[d.conn], d.msg)
	}
	return order, byConn
}

// flush writes every delivery. The origin connection's batch goes first so
// its reply precedes anything the message caused elsewhere; the other
// connections are written concurrently so one slow peer does not delay the
// rest. onFail is called once per connection whose write failed.
func (o *outbox) flush(origin *Conn, onSent func(protocol.Message), onFail func(*Conn, error)) {
	if len(o.deliveries) == 0 {
		return
	}

	order, byConn := o.batches()

	send := func(conn *Conn, msgs []protocol.Message) {
		for _, m := range msgs {
			if err := conn.Send(m); err != nil {
				onFail(conn, err)
				return
			}
			onSent(m)
		}
	}

	if msgs, ok := byConn[origin]; ok {
		send(origin, msgs)
	}

	var wg sync.WaitGroup
	for _, conn := range order {
		if conn == origin {
			continue
		}
		wg.Add(1)
		go func(conn *Conn, msgs []protocol.Message) {
			defer wg.Done()
			send(conn, msgs)
		}(conn, byConn[conn])
	}
	wg.Wait()
}
