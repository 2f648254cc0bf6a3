package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type keyChat struct {
	ID int64 `json:"id"`
}

type keyUser struct {
	ID int64 `json:"id"`
}

type keyMessage struct {
	MessageID            int64   `json:"message_id"`
	Chat                 keyChat `json:"chat"`
	EditDate             int64   `json:"edit_date"`
	BusinessConnectionID string  `json:"business_connection_id"`
}

type keyReaction struct {
	Chat      keyChat  `json:"chat"`
	MessageID int64    `json:"message_id"`
	User      *keyUser `json:"user"`
	ActorChat *keyChat `json:"actor_chat"`
	Date      int64    `json:"date"`
}

type keyMember struct {
	Chat keyChat `json:"chat"`
	From keyUser `json:"from"`
	Date int64   `json:"date"`
}

type keyUpdate struct {
	Message               *keyMessage `json:"message"`
	ChannelPost           *keyMessage `json:"channel_post"`
	BusinessMessage       *keyMessage `json:"business_message"`
	EditedMessage         *keyMessage `json:"edited_message"`
	EditedChannelPost     *keyMessage `json:"edited_channel_post"`
	EditedBusinessMessage *keyMessage `json:"edited_business_message"`

	MessageReaction      *keyReaction `json:"message_reaction"`
	MessageReactionCount *keyReaction `json:"message_reaction_count"`
	ChatMember           *keyMember   `json:"chat_member"`
	MyChatMember         *keyMember   `json:"my_chat_member"`

	BusinessConnection *struct {
		ID   string `json:"id"`
		Date int64  `json:"date"`
	} `json:"business_connection"`
	DeletedBusinessMessages *struct {
		BusinessConnectionID string  `json:"business_connection_id"`
		Chat                 keyChat `json:"chat"`
		MessageIDs           []int64 `json:"message_ids"`
	} `json:"deleted_business_messages"`
	CallbackQuery *struct {
		ID string `json:"id"`
	} `json:"callback_query"`
	InlineQuery *struct {
		ID string `json:"id"`
	} `json:"inline_query"`
}

// Key derives the dedup key of the event from stable identifying fields.
// Events of categories without a stable identity report false and are kept
// in memory only.
func (e Event) Key() (string, bool) {
	var u keyUpdate
	if err := json.Unmarshal(e.raw, &u); err != nil {
		return "", false
	}
	switch {
	case u.Message != nil:
		return messageKey(u.Message), true
	case u.ChannelPost != nil:
		return messageKey(u.ChannelPost), true
	case u.BusinessMessage != nil:
		return messageKey(u.BusinessMessage), true
	case u.EditedMessage != nil:
		return editedKey(u.EditedMessage), true
	case u.EditedChannelPost != nil:
		return editedKey(u.EditedChannelPost), true
	case u.EditedBusinessMessage != nil:
		return editedKey(u.EditedBusinessMessage), true
	case u.MessageReactionCount != nil:
		r := u.MessageReactionCount
		return fmt.Sprintf("RC-%d-%d-%d", r.Chat.ID, r.MessageID, r.Date), true
	case u.MessageReaction != nil:
		r := u.MessageReaction
		var actor int64
		if r.User != nil {
			actor = r.User.ID
		} else if r.ActorChat != nil {
			actor = r.ActorChat.ID
		}
		return fmt.Sprintf("R-%d-%d-%d-%d", r.Chat.ID, r.MessageID, actor, r.Date), true
	case u.ChatMember != nil:
		m := u.ChatMember
		return fmt.Sprintf("CM-%d-%d-%d", m.Chat.ID, m.From.ID, m.Date), true
	case u.MyChatMember != nil:
		m := u.MyChatMember
		return fmt.Sprintf("MCM-%d-%d-%d", m.Chat.ID, m.From.ID, m.Date), true
	case u.BusinessConnection != nil:
		return fmt.Sprintf("BC-%s-%d", u.BusinessConnection.ID, u.BusinessConnection.Date), true
	case u.DeletedBusinessMessages != nil:
		d := u.DeletedBusinessMessages
		ids := slices.Clone(d.MessageIDs)
		slices.Sort(ids)
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return fmt.Sprintf("D-%s-%d-%s", orZero(d.BusinessConnectionID), d.Chat.ID, strings.Join(parts, ",")), true
	case u.CallbackQuery != nil && u.CallbackQuery.ID != "":
		return "CQ-" + u.CallbackQuery.ID, true
	case u.InlineQuery != nil && u.InlineQuery.ID != "":
		return "IQ-" + u.InlineQuery.ID, true
	}
	return "", false
}

func messageKey(m *keyMessage) string {
	return fmt.Sprintf("M-%s-%d-%d", orZero(m.BusinessConnectionID), m.Chat.ID, m.MessageID)
}

func editedKey(m *keyMessage) string {
	return fmt.Sprintf("N-%s-%d-%d-%d", orZero(m.BusinessConnectionID), m.Chat.ID, m.MessageID, m.EditDate)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
