package domain

// Collection names in the remote document store.
const (
	UsersCollection = "users"
	ChatsCollection = "chats"
)

// MessagesCollection returns the per-chat message collection path.
func MessagesCollection(chatID string) string {
	return ChatsCollection + "/" + chatID + "/messages"
}

// UserProfile is the profile document stored under users/<userId>.
// UserID is immutable and equals the identity provider's subject id.
type UserProfile struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// ChatMember is a point-in-time copy of a profile embedded in a Chat
// when the chat is created. It is never refreshed afterwards; profile
// edits do not propagate into existing chats.
type ChatMember struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
	Number   string `json:"number"`
}

// Chat links exactly two users. Both participants share ownership;
// neither may delete it.
type Chat struct {
	ChatID string     `json:"chatId"`
	User1  ChatMember `json:"user1"`
	User2  ChatMember `json:"user2"`
}

// Other returns the snapshot of the participant that is not userID.
func (c Chat) Other(userID string) ChatMember {
	if c.User1.UserID == userID {
		return c.User2
	}
	return c.User1
}

// Message is immutable once created. SentAt is epoch milliseconds and
// defines the display order (ascending).
type Message struct {
	SentBy string `json:"sentBy"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}
