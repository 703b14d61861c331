package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"chatlink/internal/core/contracts"
	"chatlink/internal/core/domain"
	"chatlink/internal/plugins/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyStore wraps the in-memory remote data service and counts remote
// calls so tests can assert that validation failures never reach the
// backend.
type spyStore struct {
	*memory.Store
	mu       sync.Mutex
	gets     int
	sets     int
	updates  int
	queries  int
	accounts int
	signIns  int
}

func newSpy() *spyStore {
	return &spyStore{Store: memory.New("http://blobs")}
}

func (s *spyStore) remoteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets + s.sets + s.updates + s.queries + s.accounts + s.signIns
}

func (s *spyStore) count(n *int) {
	s.mu.Lock()
	*n++
	s.mu.Unlock()
}

func (s *spyStore) Get(ctx context.Context, coll, id string) (contracts.Document, bool, error) {
	s.count(&s.gets)
	return s.Store.Get(ctx, coll, id)
}

func (s *spyStore) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	s.count(&s.sets)
	return s.Store.Set(ctx, coll, id, fields)
}

func (s *spyStore) Update(ctx context.Context, coll, id string, fields map[string]any) error {
	s.count(&s.updates)
	return s.Store.Update(ctx, coll, id, fields)
}

func (s *spyStore) Query(ctx context.Context, coll string, pred contracts.Predicate) ([]contracts.Document, error) {
	s.count(&s.queries)
	return s.Store.Query(ctx, coll, pred)
}

func (s *spyStore) CreateAccount(ctx context.Context, email, password string) (string, error) {
	s.count(&s.accounts)
	return s.Store.CreateAccount(ctx, email, password)
}

func (s *spyStore) SignIn(ctx context.Context, email, password string) (string, error) {
	s.count(&s.signIns)
	return s.Store.SignIn(ctx, email, password)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T, spy *spyStore) *Coordinator {
	t.Helper()
	return New(context.Background(), testLogger(), spy, spy, spy)
}

func signUp(t *testing.T, c *Coordinator, name, number, email string) {
	t.Helper()
	require.NoError(t, c.SignUp(context.Background(), name, number, email, "password8"))
	require.NotNil(t, c.State().Profile)
}

func TestSignUpValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("ShortPassword", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)

		err := c.SignUp(ctx, "Alice", "111", "a@x.com", "12345")
		assert.ErrorIs(t, err, domain.ErrPasswordTooShort)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		assert.Zero(t, spy.remoteCalls(), "validation failures issue no remote call")

		msg, ok := c.NextEvent()
		require.True(t, ok)
		assert.Equal(t, "password must be at least 6 characters", msg)
		assert.False(t, c.State().InProgress, "busy flag resets on early validation failure")
	})

	t.Run("EmptyFields", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)

		err := c.SignUp(ctx, "", "111", "a@x.com", "password8")
		assert.ErrorIs(t, err, domain.ErrFieldsEmpty)
		assert.Zero(t, spy.remoteCalls())
		assert.False(t, c.State().InProgress)
	})
}

func TestSignUpDuplicateNumber(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()
	fields, err := contracts.Fields(domain.UserProfile{UserID: "existing", Name: "Eve", Number: "1112223333"})
	require.NoError(t, err)
	require.NoError(t, spy.Store.Set(ctx, domain.UsersCollection, "existing", fields))

	c := newCoordinator(t, spy)
	err = c.SignUp(ctx, "Alice", "1112223333", "a@x.com", "password8")
	assert.ErrorIs(t, err, domain.ErrNumberExists)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	spy.mu.Lock()
	accounts := spy.accounts
	spy.mu.Unlock()
	assert.Zero(t, accounts, "no identity account is created when the number is taken")

	state := c.State()
	assert.False(t, state.SignedIn)
	assert.Nil(t, state.Profile)
	assert.False(t, state.InProgress)

	msg, ok := c.NextEvent()
	require.True(t, ok)
	assert.Equal(t, "number already exists", msg)
}

func TestSignUpSuccess(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()
	c := newCoordinator(t, spy)

	require.NoError(t, c.SignUp(ctx, "Alice", "1112223333", "a@x.com", "password8"))

	state := c.State()
	assert.True(t, state.SignedIn)
	assert.False(t, state.InProgress)
	require.NotNil(t, state.Profile)
	assert.Equal(t, "Alice", state.Profile.Name)
	assert.Equal(t, "1112223333", state.Profile.Number)
	assert.NotEmpty(t, state.Profile.UserID)
	assert.Empty(t, state.Chats, "roster watch starts with an empty roster")

	// The profile document landed under the identity's subject id.
	doc, found, err := spy.Store.Get(ctx, domain.UsersCollection, state.Profile.UserID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Alice", doc.Fields["name"])

	msg, ok := c.NextEvent()
	require.True(t, ok)
	assert.Equal(t, "profile created successfully", msg)

	_, ok = c.NextEvent()
	assert.False(t, ok, "events fire once")
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyFields", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		err := c.SignIn(ctx, "", "")
		assert.ErrorIs(t, err, domain.ErrFieldsEmpty)
		assert.Zero(t, spy.remoteCalls())
	})

	t.Run("WrongPassword", func(t *testing.T) {
		spy := newSpy()
		_, err := spy.Store.CreateAccount(ctx, "a@x.com", "password8")
		require.NoError(t, err)
		require.NoError(t, spy.Store.SignOut(ctx))

		c := newCoordinator(t, spy)
		err = c.SignIn(ctx, "a@x.com", "nope")
		assert.ErrorIs(t, err, domain.ErrLoginFailed)
		assert.Equal(t, domain.KindAuth, domain.KindOf(err))

		state := c.State()
		assert.False(t, state.SignedIn)
		assert.False(t, state.InProgress)

		msg, ok := c.NextEvent()
		require.True(t, ok)
		assert.Equal(t, "login failed", msg)
	})

	t.Run("Success", func(t *testing.T) {
		spy := newSpy()
		first := newCoordinator(t, spy)
		signUp(t, first, "Alice", "1112223333", "a@x.com")
		require.NoError(t, first.SignOut(ctx))

		c := newCoordinator(t, spy)
		require.NoError(t, c.SignIn(ctx, "a@x.com", "password8"))

		state := c.State()
		assert.True(t, state.SignedIn)
		require.NotNil(t, state.Profile)
		assert.Equal(t, "Alice", state.Profile.Name)
	})
}

func TestExistingSessionOnConstruction(t *testing.T) {
	spy := newSpy()
	first := newCoordinator(t, spy)
	signUp(t, first, "Alice", "1112223333", "a@x.com")

	// A fresh coordinator over the same backend picks the live
	// identity session up and loads the profile without any sign-in.
	c := newCoordinator(t, spy)
	state := c.State()
	assert.True(t, state.SignedIn)
	require.NotNil(t, state.Profile)
	assert.Equal(t, "Alice", state.Profile.Name)
}

func TestSaveProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("NotAuthenticated", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		err := c.SaveProfile(ctx, "Alice", "111")
		assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
		assert.False(t, c.State().InProgress)
	})

	t.Run("UpdatePreservesImage", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		signUp(t, c, "Alice", "1112223333", "a@x.com")
		require.NoError(t, c.UploadProfileImage(ctx, []byte{0xFF}))
		withImage := c.State().Profile.ImageURL
		require.NotEmpty(t, withImage)

		require.NoError(t, c.SaveProfile(ctx, "Alicia", "1112223333"))

		state := c.State()
		assert.Equal(t, "Alicia", state.Profile.Name)
		assert.Equal(t, withImage, state.Profile.ImageURL, "omitted image keeps the stored one")

		msg, ok := c.NextEvent()
		require.True(t, ok)
		assert.Equal(t, "profile updated successfully", msg)
	})

	t.Run("UserIDImmutable", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		signUp(t, c, "Alice", "1112223333", "a@x.com")
		uid := c.State().Profile.UserID

		require.NoError(t, c.SaveProfile(ctx, "Someone Else", "444"))
		assert.Equal(t, uid, c.State().Profile.UserID)
	})
}

func TestStartChatValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("NonDigitNumber", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		signUp(t, c, "Alice", "111", "a@x.com")
		before := spy.remoteCalls()

		err := c.StartChat(ctx, "12ab34")
		assert.ErrorIs(t, err, domain.ErrInvalidNumber)
		assert.Equal(t, before, spy.remoteCalls(), "rejected before any query executes")
	})

	t.Run("BlankNumber", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		signUp(t, c, "Alice", "111", "a@x.com")
		before := spy.remoteCalls()

		err := c.StartChat(ctx, "")
		assert.ErrorIs(t, err, domain.ErrInvalidNumber)
		assert.Equal(t, before, spy.remoteCalls())
	})

	t.Run("ProfileNotLoaded", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		err := c.StartChat(ctx, "222")
		assert.ErrorIs(t, err, domain.ErrProfileNotLoaded)
		assert.Equal(t, domain.KindState, domain.KindOf(err))
	})

	t.Run("UserNotFound", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		signUp(t, c, "Alice", "111", "a@x.com")

		err := c.StartChat(ctx, "999")
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

		msg, ok := c.NextEvent()
		require.True(t, ok)
		assert.Equal(t, "user not found", msg)
	})
}

func TestStartChatSymmetry(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()

	alice := newCoordinator(t, spy)
	signUp(t, alice, "Alice", "111", "a@x.com")
	bob := newCoordinator(t, spy)
	signUp(t, bob, "Bob", "222", "b@x.com")

	require.NoError(t, alice.StartChat(ctx, "222"))
	require.Len(t, alice.State().Chats, 1)

	err := alice.StartChat(ctx, "222")
	assert.ErrorIs(t, err, domain.ErrChatExists, "repeat in the same direction")

	err = bob.StartChat(ctx, "111")
	assert.ErrorIs(t, err, domain.ErrChatExists, "reverse direction hits the same chat")
}

func TestStartChatSnapshots(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()

	alice := newCoordinator(t, spy)
	signUp(t, alice, "Alice", "111", "a@x.com")
	bob := newCoordinator(t, spy)
	signUp(t, bob, "Bob", "222", "b@x.com")

	require.NoError(t, alice.StartChat(ctx, "222"))
	chat := alice.State().Chats[0]
	assert.Equal(t, "Alice", chat.User1.Name)
	assert.Equal(t, "Bob", chat.User2.Name)

	// Participant snapshots are point-in-time: renaming Bob afterwards
	// leaves the chat's embedded copy untouched.
	require.NoError(t, bob.SaveProfile(ctx, "Robert", "222"))
	assert.Equal(t, "Bob", alice.State().Chats[0].User2.Name)
}

func TestRosterVisibleToBothSides(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()

	alice := newCoordinator(t, spy)
	signUp(t, alice, "Alice", "1112223333", "a@x.com")
	bob := newCoordinator(t, spy)
	signUp(t, bob, "Bob", "4445556666", "b@x.com")

	require.NoError(t, alice.StartChat(ctx, "4445556666"))

	aChats := alice.State().Chats
	bChats := bob.State().Chats
	require.Len(t, aChats, 1)
	require.Len(t, bChats, 1)
	assert.Equal(t, aChats[0].ChatID, bChats[0].ChatID)
	assert.Equal(t, "Bob", aChats[0].Other(aChats[0].User1.UserID).Name)
}

func TestMessages(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*spyStore, *Coordinator, *Coordinator, string) {
		spy := newSpy()
		alice := newCoordinator(t, spy)
		signUp(t, alice, "Alice", "111", "a@x.com")
		bob := newCoordinator(t, spy)
		signUp(t, bob, "Bob", "222", "b@x.com")
		require.NoError(t, alice.StartChat(ctx, "222"))
		return spy, alice, bob, alice.State().Chats[0].ChatID
	}

	t.Run("OrderedBySentAt", func(t *testing.T) {
		spy, alice, _, chatID := setup(t)
		require.NoError(t, alice.OpenChat(ctx, chatID))

		// Insert out of order straight into the store; the watch must
		// present them ascending.
		coll := domain.MessagesCollection(chatID)
		for i, sentAt := range []int64{300, 100, 200} {
			fields, err := contracts.Fields(domain.Message{SentBy: "u", Text: "m", SentAt: sentAt})
			require.NoError(t, err)
			require.NoError(t, spy.Store.Set(ctx, coll, string(rune('a'+i)), fields))
		}

		msgs := alice.State().Messages
		require.Len(t, msgs, 3)
		assert.Equal(t, []int64{100, 200, 300}, []int64{msgs[0].SentAt, msgs[1].SentAt, msgs[2].SentAt})
	})

	t.Run("SendVisibleToBoth", func(t *testing.T) {
		_, alice, bob, chatID := setup(t)
		require.NoError(t, alice.OpenChat(ctx, chatID))
		require.NoError(t, bob.OpenChat(ctx, chatID))

		require.NoError(t, alice.SendMessage(ctx, chatID, "hello"))

		require.Len(t, alice.State().Messages, 1)
		require.Len(t, bob.State().Messages, 1)
		assert.Equal(t, "hello", bob.State().Messages[0].Text)
		assert.Equal(t, alice.State().Profile.UserID, bob.State().Messages[0].SentBy)
	})

	t.Run("BlankSendDropped", func(t *testing.T) {
		spy, alice, _, chatID := setup(t)
		require.NoError(t, alice.OpenChat(ctx, chatID))
		before := spy.remoteCalls()

		require.NoError(t, alice.SendMessage(ctx, chatID, "   "))
		assert.Equal(t, before, spy.remoteCalls(), "blank sends never reach the backend")
		assert.Empty(t, alice.State().Messages)
	})

	t.Run("CloseChatClears", func(t *testing.T) {
		_, alice, _, chatID := setup(t)
		require.NoError(t, alice.OpenChat(ctx, chatID))
		require.NoError(t, alice.SendMessage(ctx, chatID, "hello"))
		require.NotEmpty(t, alice.State().Messages)

		alice.CloseChat()
		assert.Empty(t, alice.State().Messages)

		// The released watch no longer feeds state.
		require.NoError(t, alice.SendMessage(ctx, chatID, "again"))
		assert.Empty(t, alice.State().Messages)
	})

	t.Run("OpenSecondChatClosesFirst", func(t *testing.T) {
		spy, alice, _, chatID := setup(t)
		carol := newCoordinator(t, spy)
		signUp(t, carol, "Carol", "333", "c@x.com")
		require.NoError(t, alice.StartChat(ctx, "333"))
		var otherChat string
		for _, chat := range alice.State().Chats {
			if chat.ChatID != chatID {
				otherChat = chat.ChatID
			}
		}
		require.NotEmpty(t, otherChat)

		require.NoError(t, alice.OpenChat(ctx, chatID))
		require.NoError(t, alice.SendMessage(ctx, chatID, "first"))
		require.Len(t, alice.State().Messages, 1)

		require.NoError(t, alice.OpenChat(ctx, otherChat))
		assert.Empty(t, alice.State().Messages, "switching chats starts from the new chat's messages")

		// Traffic on the first chat must not leak into the second.
		require.NoError(t, alice.SendMessage(ctx, chatID, "stray"))
		assert.Empty(t, alice.State().Messages)
	})
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()
	c := newCoordinator(t, spy)
	signUp(t, c, "Alice", "111", "a@x.com")

	require.NoError(t, c.SignOut(ctx))

	state := c.State()
	assert.False(t, state.SignedIn, "sign-out flips the flag synchronously")
	assert.NotNil(t, state.Profile, "loaded profile stays visible until the next initialize")

	// Watches are released: later writes no longer reach this
	// coordinator's state.
	fields, err := contracts.Fields(domain.UserProfile{UserID: state.Profile.UserID, Name: "Ghost", Number: "111"})
	require.NoError(t, err)
	require.NoError(t, spy.Store.Set(ctx, domain.UsersCollection, state.Profile.UserID, fields))
	assert.Equal(t, "Alice", c.State().Profile.Name)
}

func TestUploadProfileImage(t *testing.T) {
	ctx := context.Background()

	t.Run("NotAuthenticated", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		err := c.UploadProfileImage(ctx, []byte{1})
		assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
		assert.False(t, c.State().InProgress)
	})

	t.Run("Success", func(t *testing.T) {
		spy := newSpy()
		c := newCoordinator(t, spy)
		signUp(t, c, "Alice", "111", "a@x.com")

		require.NoError(t, c.UploadProfileImage(ctx, []byte{0xAB, 0xCD}))

		state := c.State()
		assert.False(t, state.InProgress)
		require.NotNil(t, state.Profile)
		assert.Contains(t, state.Profile.ImageURL, "http://blobs/profile_images/")
	})
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()

	alice := newCoordinator(t, spy)
	require.NoError(t, alice.SignUp(ctx, "Alice", "1112223333", "alice@x.com", "passw0rd"))
	aliceUID := alice.State().Profile.UserID

	doc, found, err := spy.Store.Get(ctx, domain.UsersCollection, aliceUID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Alice", doc.Fields["name"])
	assert.Equal(t, "1112223333", doc.Fields["number"])

	bob := newCoordinator(t, spy)
	require.NoError(t, bob.SignUp(ctx, "Bob", "4445556666", "bob@x.com", "passw0rd"))

	require.NoError(t, bob.StartChat(ctx, "1112223333"))

	require.Len(t, alice.State().Chats, 1)
	require.Len(t, bob.State().Chats, 1)
	chat := bob.State().Chats[0]
	assert.Equal(t, "Bob", chat.User1.Name)
	assert.Equal(t, "Alice", chat.User2.Name)
	assert.Equal(t, "4445556666", chat.User1.Number)
	assert.Equal(t, "1112223333", chat.User2.Number)

	chatID := chat.ChatID
	require.NoError(t, alice.OpenChat(ctx, chatID))
	require.NoError(t, bob.OpenChat(ctx, chatID))
	require.NoError(t, bob.SendMessage(ctx, chatID, "hi Alice"))
	require.NoError(t, alice.SendMessage(ctx, chatID, "hi Bob"))

	aMsgs := alice.State().Messages
	require.Len(t, aMsgs, 2)
	assert.Equal(t, "hi Alice", aMsgs[0].Text)
	assert.Equal(t, "hi Bob", aMsgs[1].Text)
	assert.Equal(t, aMsgs, bob.State().Messages)
}
