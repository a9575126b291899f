package toolkit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/voocel/relay/schema"
)

// Channels a message may be delivered on. The schema enum rejects anything
// else before the tool body runs, so a bad channel comes back as an argument
// error the model can correct.
var messageChannels = []string{"email", "sms", "slack"}

// SendMessageDef describes the send_message tool.
func SendMessageDef() schema.ToolDef {
	channels, _ := json.Marshal(messageChannels)
	return schema.ToolDef{
		Name:        "send_message",
		Description: "Send a message to a recipient over a delivery channel",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channel": {
					"type": "string",
					"description": "Delivery channel",
					"enum": ` + string(channels) + `
				},
				"recipient": {"type": "string", "description": "Who receives the message"},
				"body": {"type": "string", "description": "Message body"}
			},
			"required": ["channel", "recipient", "body"]
		}`),
	}
}

// SendMessage queues a message for delivery and returns its id. Delivery
// itself is out of band; the tool only records the accepted request.
func SendMessage(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		Body      string `json:"body"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"message_id": uuid.New().String(),
		"channel":    in.Channel,
		"recipient":  in.Recipient,
		"status":     "queued",
		"queued_at":  time.Now().UTC().Format(time.RFC3339),
	})
}
