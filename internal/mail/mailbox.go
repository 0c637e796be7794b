package mail

import "context"

// Well-known field names on email_message objects. The receiver writes
// them on import; the sender reads them to address the remote message.
const (
	FieldMessageUID = "message_uid"
	FieldSubject    = "subject"
	FieldFrom       = "from"
	FieldTo         = "to"
	FieldFlagSeen   = "flag_seen"
	FieldFlagFlag   = "flag_flagged"
)

// ObjectTypeEmailMessage is the local object type mail reconciles into.
const ObjectTypeEmailMessage = "email_message"

// MessageStat is one entry in a mailbox listing. Revision covers both
// content and flag state, so a flag flip alone changes it.
type MessageStat struct {
	UID      string
	Revision int64
}

// Message is one fetched mailbox message.
type Message struct {
	UID      string
	Revision int64
	Subject  string
	From     string
	To       string
	Seen     bool
	Flagged  bool
}

// Mailbox is the remote mail store a partner's collections reconcile
// against. Implementations wrap a protocol session; all calls take the
// session's context.
type Mailbox interface {
	// ListMessages returns the current listing of uid and revision pairs.
	ListMessages(ctx context.Context) ([]MessageStat, error)
	// FetchMessage loads one message by uid.
	FetchMessage(ctx context.Context, uid string) (Message, error)
	// SetFlags pushes local flag state onto the remote message.
	SetFlags(ctx context.Context, uid string, seen, flagged bool) error
	// DeleteMessage removes the remote message.
	DeleteMessage(ctx context.Context, uid string) error
}

// fieldsFromMessage projects a fetched message onto object field values.
func fieldsFromMessage(message Message) map[string]string {
	return map[string]string{
		FieldMessageUID: message.UID,
		FieldSubject:    message.Subject,
		FieldFrom:       message.From,
		FieldTo:         message.To,
		FieldFlagSeen:   formatFlag(message.Seen),
		FieldFlagFlag:   formatFlag(message.Flagged),
	}
}

func formatFlag(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func parseFlag(value string) bool {
	return value == "true"
}

func fieldsEqual(left, right map[string]string) bool {
	if len(left) != len(right) {
		return false
	}
	for key, value := range left {
		if right[key] != value {
			return false
		}
	}
	return true
}
