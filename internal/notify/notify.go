// Package notify turns engine events into per-user messages. It is strictly
// fire-and-forget: it runs off the event stream, after commit, and nothing
// here can roll back or delay a settled bet.
package notify

import (
	"log"

	"crashd/internal/game"
)

// Sender delivers a message to one user's connections. Satisfied by
// game.Hub.
type Sender interface {
	SendToUser(userID string, message interface{})
}

type Notifier struct {
	sender Sender
}

func New(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

type userMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Consume processes events until the channel closes.
func (n *Notifier) Consume(events <-chan game.Event) {
	for ev := range events {
		switch ev.Type {
		case game.EventCashOut:
			data, ok := ev.Data.(game.CashOutData)
			if !ok {
				continue
			}
			n.sender.SendToUser(data.UserID, userMessage{
				Type: "round_outcome",
				Data: map[string]interface{}{
					"round_id":   ev.RoundID,
					"result":     "win",
					"multiplier": data.Multiplier,
					"payout":     data.Payout,
				},
			})

		case game.EventBalanceChange:
			data, ok := ev.Data.(game.BalanceChangeData)
			if !ok {
				continue
			}
			n.sender.SendToUser(data.UserID, userMessage{
				Type: "balance_change",
				Data: data,
			})

		case game.EventRoundVoided:
			log.Printf("[NOTIFY] round %s voided, stakes returned", ev.RoundID)
		}
	}
}
