package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type EventKind string

const (
	EventBillCreated EventKind = "BillCreated"
	EventBillPaid    EventKind = "BillPaid"
)

// Event is emitted for observers when a bill is created or paid.
type Event struct {
	Kind        EventKind
	BillID      common.Hash
	Creator     common.Address
	Receiver    common.Address
	Payer       common.Address
	Token       common.Address
	Amount      *big.Int
	Gasless     bool
	Time        uint64
	BlockNumber uint64
	TxHash      common.Hash
}

type subscriber struct {
	id uint64
	ch chan Event
}

// Subscribe registers an observer. Events are delivered in log order; an
// observer that falls more than buffer events behind loses the overflow and
// has to re-read state.
func (l *Ledger) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	var id uint64
	err := l.do(context.Background(), func(*state) {
		l.nextSubID++
		id = l.nextSubID
		l.subs = append(l.subs, subscriber{id: id, ch: ch})
	})
	if err != nil {
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		_ = l.do(context.Background(), func(*state) {
			for i, s := range l.subs {
				if s.id == id {
					l.subs = append(l.subs[:i], l.subs[i+1:]...)
					close(s.ch)
					return
				}
			}
		})
	}
	return ch, cancel
}

func (l *Ledger) publish(events []Event) {
	for _, ev := range events {
		for _, s := range l.subs {
			select {
			case s.ch <- ev:
			default:
				l.log.Warn().Uint64("subscriber", s.id).Str("bill", ev.BillID.Hex()).Msg("event dropped, subscriber is behind")
			}
		}
	}
}
