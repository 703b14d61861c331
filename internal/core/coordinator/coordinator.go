package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatlink/internal/core/contracts"
	"chatlink/internal/core/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chat-coordinator")

// ICoordinator is the session and chat coordinator: the single owner
// of observable session state. It translates UI intents into remote
// data service calls and projects the results back into State.
type ICoordinator interface {
	// SignUp registers a new account and creates the profile document.
	SignUp(ctx context.Context, name, number, email, password string) error
	// SignIn authenticates existing credentials and loads the profile.
	SignIn(ctx context.Context, email, password string) error
	// SaveProfile creates or updates the profile document.
	SaveProfile(ctx context.Context, name, number string) error
	// SignOut clears the authenticated session. Synchronous.
	SignOut(ctx context.Context) error
	// StartChat creates a chat with the user owning number.
	StartChat(ctx context.Context, number string) error
	// OpenChat starts the live message watch for chatID, closing any
	// previously open one. CloseChat releases it and clears messages.
	OpenChat(ctx context.Context, chatID string) error
	CloseChat()
	// SendMessage appends a message; blank text is silently dropped.
	SendMessage(ctx context.Context, chatID, text string) error
	// UploadProfileImage stores the image bytes and saves its URL on
	// the profile.
	UploadProfileImage(ctx context.Context, data []byte) error

	State() State
	NextEvent() (string, bool)
}

// State is a copy of the coordinator's observable session state.
type State struct {
	SignedIn   bool
	InProgress bool
	Profile    *domain.UserProfile
	Chats      []domain.Chat
	Messages   []domain.Message
}

type Coordinator struct {
	log      *slog.Logger
	identity contracts.Identity
	docs     contracts.DocumentStore
	blobs    contracts.BlobStore

	// mu guards every field below. Remote calls and watch registration
	// never happen while it is held.
	mu            sync.Mutex
	signedIn      bool
	inProgress    bool
	profile       *domain.UserProfile
	chats         []domain.Chat
	messages      []domain.Message
	event         *domain.Event[string]
	rosterStarted bool
	openChatID    string
	profileSub    contracts.Subscription
	rosterSub     contracts.Subscription
	chatSub       contracts.Subscription
}

// New builds the coordinator and checks the identity provider for an
// existing session. If one is present the profile watch starts
// immediately; any failure just leaves the session signed out.
func New(
	ctx context.Context,
	log *slog.Logger,
	identity contracts.Identity,
	docs contracts.DocumentStore,
	blobs contracts.BlobStore,
) *Coordinator {
	c := &Coordinator{
		log:      log,
		identity: identity,
		docs:     docs,
		blobs:    blobs,
	}
	if uid, ok := identity.CurrentUser(ctx); ok {
		c.mu.Lock()
		c.signedIn = true
		c.mu.Unlock()
		if err := c.loadProfile(ctx, uid); err != nil {
			log.ErrorContext(ctx, "coordinator - initialize - load profile failed", "user_id", uid, "err", err)
		}
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		SignedIn:   c.signedIn,
		InProgress: c.inProgress,
		Chats:      append([]domain.Chat(nil), c.chats...),
		Messages:   append([]domain.Message(nil), c.messages...),
	}
	if c.profile != nil {
		p := *c.profile
		s.Profile = &p
	}
	return s
}

// NextEvent drains the pending one-shot event, if any. A consumed
// event never fires again on state re-evaluation.
func (c *Coordinator) NextEvent() (string, bool) {
	c.mu.Lock()
	ev := c.event
	c.mu.Unlock()
	if ev == nil {
		return "", false
	}
	return ev.Consume()
}

func (c *Coordinator) publish(msg string) {
	c.mu.Lock()
	c.event = domain.NewEvent(msg)
	c.mu.Unlock()
}

// fail records err on the span, publishes its user-facing message and
// clears the busy flag. Every failure surfaces exactly once.
func (c *Coordinator) fail(ctx context.Context, span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.UserMessage(err))
	c.log.ErrorContext(ctx, "coordinator - "+op, "err", err)
	c.publish(domain.UserMessage(err))
	c.setInProgress(false)
	return err
}

func (c *Coordinator) setInProgress(v bool) {
	c.mu.Lock()
	c.inProgress = v
	c.mu.Unlock()
}

func (c *Coordinator) SignUp(ctx context.Context, name, number, email, password string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.SignUp", trace.WithAttributes(
		attribute.String("number", number),
	))
	defer span.End()
	c.setInProgress(true)
	if name == "" || number == "" || email == "" || password == "" {
		return c.fail(ctx, span, "sign up - empty fields", domain.ErrFieldsEmpty)
	}
	if len(password) < 6 {
		return c.fail(ctx, span, "sign up - short password", domain.ErrPasswordTooShort)
	}
	// The number must be free before the account is created. This is a
	// check-then-act pair over two round trips; the backend gives no
	// atomicity between them, so a concurrent sign-up with the same
	// number can still slip through.
	existing, err := c.docs.Query(ctx, domain.UsersCollection, contracts.Eq("number", number))
	if err != nil {
		return c.fail(ctx, span, "sign up - number check failed", domain.PersistenceError("failed to check number existence", err))
	}
	if len(existing) > 0 {
		return c.fail(ctx, span, "sign up - number exists", domain.ErrNumberExists)
	}
	uid, err := c.identity.CreateAccount(ctx, email, password)
	if err != nil {
		return c.fail(ctx, span, "sign up - create account failed", domain.ErrSignUpFailed.Wrap(err))
	}
	c.mu.Lock()
	c.signedIn = true
	c.mu.Unlock()
	c.log.InfoContext(ctx, "coordinator - sign up - account created", "user_id", uid)
	span.SetStatus(codes.Ok, "signed up")
	return c.saveProfile(ctx, uid, name, number, "")
}

func (c *Coordinator) SignIn(ctx context.Context, email, password string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.SignIn")
	defer span.End()
	if email == "" || password == "" {
		c.publish(domain.UserMessage(domain.ErrFieldsEmpty))
		span.RecordError(domain.ErrFieldsEmpty)
		return domain.ErrFieldsEmpty
	}
	c.setInProgress(true)
	uid, err := c.identity.SignIn(ctx, email, password)
	if err != nil {
		return c.fail(ctx, span, "sign in - login failed", domain.ErrLoginFailed.Wrap(err))
	}
	c.mu.Lock()
	c.signedIn = true
	c.inProgress = false
	c.mu.Unlock()
	c.log.InfoContext(ctx, "coordinator - sign in - success", "user_id", uid)
	span.SetStatus(codes.Ok, "signed in")
	return c.loadProfile(ctx, uid)
}

func (c *Coordinator) SaveProfile(ctx context.Context, name, number string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.SaveProfile")
	defer span.End()
	c.setInProgress(true)
	uid, ok := c.identity.CurrentUser(ctx)
	if !ok {
		return c.fail(ctx, span, "save profile - not authenticated", domain.ErrNotAuthenticated)
	}
	return c.saveProfile(ctx, uid, name, number, "")
}

// saveProfile upserts the profile document: update when it exists,
// create otherwise. An empty image keeps whatever the loaded profile
// already carries. Clears the busy flag on every path.
func (c *Coordinator) saveProfile(ctx context.Context, uid, name, number, image string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.saveProfile", trace.WithAttributes(
		attribute.String("user_id", uid),
	))
	defer span.End()
	if name == "" || number == "" {
		return c.fail(ctx, span, "save profile - empty fields", domain.ErrFieldsEmpty)
	}
	if image == "" {
		c.mu.Lock()
		if c.profile != nil {
			image = c.profile.ImageURL
		}
		c.mu.Unlock()
	}
	profile := domain.UserProfile{
		UserID:   uid,
		Name:     name,
		Number:   number,
		ImageURL: image,
	}
	_, exists, err := c.docs.Get(ctx, domain.UsersCollection, uid)
	if err != nil {
		return c.fail(ctx, span, "save profile - existence check failed", domain.PersistenceError("error checking profile existence", err))
	}
	fields, err := contracts.Fields(profile)
	if err != nil {
		return c.fail(ctx, span, "save profile - encode failed", domain.PersistenceError("failed to save profile", err))
	}
	if exists {
		// UserID is immutable; only the mutable fields are merged.
		err = c.docs.Update(ctx, domain.UsersCollection, uid, map[string]any{
			"name":     profile.Name,
			"number":   profile.Number,
			"imageUrl": profile.ImageURL,
		})
	} else {
		err = c.docs.Set(ctx, domain.UsersCollection, uid, fields)
	}
	if err != nil {
		return c.fail(ctx, span, "save profile - write failed", domain.PersistenceError("failed to save profile", err))
	}
	if exists {
		c.publish("profile updated successfully")
	} else {
		c.publish("profile created successfully")
	}
	c.setInProgress(false)
	c.log.InfoContext(ctx, "coordinator - save profile - success", "user_id", uid, "created", !exists)
	span.SetStatus(codes.Ok, "profile saved")
	return c.loadProfile(ctx, uid)
}

// loadProfile (re)opens the live watch on the profile document. Each
// emission replaces the loaded profile and clears the busy flag; the
// first one also starts the chat roster watch. Watch errors surface
// once through the event box and leave the watch running.
func (c *Coordinator) loadProfile(ctx context.Context, uid string) error {
	c.mu.Lock()
	if c.profileSub != nil {
		c.profileSub.Close()
		c.profileSub = nil
	}
	c.mu.Unlock()
	sub, err := c.docs.WatchDocument(ctx, domain.UsersCollection, uid,
		func(doc contracts.Document) {
			var p domain.UserProfile
			if err := doc.Decode(&p); err != nil {
				c.log.Error("coordinator - load profile - decode failed", "user_id", uid, "err", err)
				c.publish("cannot retrieve user")
				return
			}
			c.mu.Lock()
			c.profile = &p
			c.inProgress = false
			first := !c.rosterStarted
			c.rosterStarted = true
			c.mu.Unlock()
			if first {
				if err := c.loadRoster(context.WithoutCancel(ctx), p.UserID); err != nil {
					c.log.Error("coordinator - load profile - start roster failed", "user_id", uid, "err", err)
				}
			}
		},
		func(err error) {
			c.log.Error("coordinator - load profile - watch error", "user_id", uid, "err", err)
			c.publish("cannot retrieve user")
		},
	)
	if err != nil {
		c.publish("cannot retrieve user")
		return domain.PersistenceError("cannot retrieve user", err)
	}
	c.mu.Lock()
	c.profileSub = sub
	c.mu.Unlock()
	return nil
}

// loadRoster (re)opens the live watch over chats where the current
// user is either participant. Every emission replaces the roster
// wholesale.
func (c *Coordinator) loadRoster(ctx context.Context, uid string) error {
	c.mu.Lock()
	if c.rosterSub != nil {
		c.rosterSub.Close()
		c.rosterSub = nil
	}
	c.mu.Unlock()
	pred := contracts.Or(
		contracts.Eq("user1.userId", uid),
		contracts.Eq("user2.userId", uid),
	)
	sub, err := c.docs.WatchQuery(ctx, domain.ChatsCollection, pred, "",
		func(docs []contracts.Document) {
			chats := make([]domain.Chat, 0, len(docs))
			for _, doc := range docs {
				var chat domain.Chat
				if err := doc.Decode(&chat); err != nil {
					c.log.Error("coordinator - load roster - decode failed", "chat_id", doc.ID, "err", err)
					continue
				}
				chats = append(chats, chat)
			}
			c.mu.Lock()
			c.chats = chats
			c.mu.Unlock()
		},
		func(err error) {
			c.log.Error("coordinator - load roster - watch error", "user_id", uid, "err", err)
			c.publish("failed to fetch chats")
		},
	)
	if err != nil {
		c.publish("failed to fetch chats")
		return domain.PersistenceError("failed to fetch chats", err)
	}
	c.mu.Lock()
	c.rosterSub = sub
	c.mu.Unlock()
	return nil
}

// SignOut tears the session down synchronously, independent of any
// in-flight remote outcome. Watches are released on the spot; the
// loaded profile and roster deliberately stay visible until the next
// initialize (fast re-login keeps its data).
func (c *Coordinator) SignOut(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Coordinator.SignOut")
	defer span.End()
	err := c.identity.SignOut(ctx)
	if err != nil {
		span.RecordError(err)
		c.log.ErrorContext(ctx, "coordinator - sign out - provider sign-out failed", "err", err)
	}
	c.mu.Lock()
	c.signedIn = false
	c.rosterStarted = false
	c.openChatID = ""
	c.messages = nil
	for _, sub := range []contracts.Subscription{c.profileSub, c.rosterSub, c.chatSub} {
		if sub != nil {
			sub.Close()
		}
	}
	c.profileSub, c.rosterSub, c.chatSub = nil, nil, nil
	c.mu.Unlock()
	c.log.InfoContext(ctx, "coordinator - sign out - done")
	return err
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func (c *Coordinator) StartChat(ctx context.Context, number string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.StartChat", trace.WithAttributes(
		attribute.String("number", number),
	))
	defer span.End()
	if !allDigits(number) {
		c.publish(domain.UserMessage(domain.ErrInvalidNumber))
		span.RecordError(domain.ErrInvalidNumber)
		return domain.ErrInvalidNumber
	}
	c.mu.Lock()
	me := c.profile
	c.mu.Unlock()
	if me == nil {
		c.publish(domain.UserMessage(domain.ErrProfileNotLoaded))
		span.RecordError(domain.ErrProfileNotLoaded)
		return domain.ErrProfileNotLoaded
	}
	// Symmetric existence check: a chat between two numbers exists no
	// matter which side created it.
	pred := contracts.Or(
		contracts.And(
			contracts.Eq("user1.number", number),
			contracts.Eq("user2.number", me.Number),
		),
		contracts.And(
			contracts.Eq("user2.number", number),
			contracts.Eq("user1.number", me.Number),
		),
	)
	existing, err := c.docs.Query(ctx, domain.ChatsCollection, pred)
	if err != nil {
		return c.fail(ctx, span, "start chat - existence check failed", domain.PersistenceError("failed to check existing chats", err))
	}
	if len(existing) > 0 {
		return c.fail(ctx, span, "start chat - chat exists", domain.ErrChatExists)
	}
	partners, err := c.docs.Query(ctx, domain.UsersCollection, contracts.Eq("number", number))
	if err != nil {
		return c.fail(ctx, span, "start chat - user lookup failed", domain.PersistenceError("failed to check user existence", err))
	}
	if len(partners) == 0 {
		return c.fail(ctx, span, "start chat - user not found", domain.ErrUserNotFound)
	}
	// Numbers carry no uniqueness constraint at the storage layer;
	// with several matches the first in storage order wins.
	var partner domain.UserProfile
	if err := partners[0].Decode(&partner); err != nil {
		return c.fail(ctx, span, "start chat - decode partner failed", domain.PersistenceError("failed to check user existence", err))
	}
	chat := domain.Chat{
		ChatID: uuid.NewString(),
		User1: domain.ChatMember{
			UserID:   me.UserID,
			Name:     me.Name,
			ImageURL: me.ImageURL,
			Number:   me.Number,
		},
		User2: domain.ChatMember{
			UserID:   partner.UserID,
			Name:     partner.Name,
			ImageURL: partner.ImageURL,
			Number:   partner.Number,
		},
	}
	fields, err := contracts.Fields(chat)
	if err != nil {
		return c.fail(ctx, span, "start chat - encode failed", domain.PersistenceError("failed to create chat", err))
	}
	if err := c.docs.Set(ctx, domain.ChatsCollection, chat.ChatID, fields); err != nil {
		return c.fail(ctx, span, "start chat - write failed", domain.PersistenceError("failed to create chat", err))
	}
	c.publish("chat added successfully")
	c.log.InfoContext(ctx, "coordinator - start chat - created", "chat_id", chat.ChatID, "partner_id", partner.UserID)
	span.SetStatus(codes.Ok, "chat created")
	return c.loadRoster(ctx, me.UserID)
}

// OpenChat starts the live message watch for chatID. At most one chat
// watch is active; opening a new one implicitly closes the prior.
func (c *Coordinator) OpenChat(ctx context.Context, chatID string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.OpenChat", trace.WithAttributes(
		attribute.String("chat_id", chatID),
	))
	defer span.End()
	c.CloseChat()
	sub, err := c.docs.WatchQuery(ctx, domain.MessagesCollection(chatID), contracts.All(), "sentAt",
		func(docs []contracts.Document) {
			msgs := make([]domain.Message, 0, len(docs))
			for _, doc := range docs {
				var m domain.Message
				if err := doc.Decode(&m); err != nil {
					c.log.Error("coordinator - open chat - decode failed", "chat_id", chatID, "err", err)
					continue
				}
				msgs = append(msgs, m)
			}
			c.mu.Lock()
			c.messages = msgs
			c.mu.Unlock()
		},
		func(err error) {
			c.log.Error("coordinator - open chat - watch error", "chat_id", chatID, "err", err)
			c.publish("failed to fetch messages")
		},
	)
	if err != nil {
		span.RecordError(err)
		c.publish("failed to fetch messages")
		return domain.PersistenceError("failed to fetch messages", err)
	}
	c.mu.Lock()
	c.chatSub = sub
	c.openChatID = chatID
	c.mu.Unlock()
	return nil
}

// CloseChat releases the message watch and clears the message list.
func (c *Coordinator) CloseChat() {
	c.mu.Lock()
	if c.chatSub != nil {
		c.chatSub.Close()
		c.chatSub = nil
	}
	c.openChatID = ""
	c.messages = nil
	c.mu.Unlock()
}

// SendMessage appends to the chat's message collection. There is no
// optimistic local insert; the message shows up through the next watch
// emission.
func (c *Coordinator) SendMessage(ctx context.Context, chatID, text string) error {
	ctx, span := tracer.Start(ctx, "Coordinator.SendMessage", trace.WithAttributes(
		attribute.String("chat_id", chatID),
	))
	defer span.End()
	if strings.TrimSpace(text) == "" {
		// Blank sends are dropped, not an error.
		return nil
	}
	c.mu.Lock()
	me := c.profile
	c.mu.Unlock()
	if me == nil {
		c.publish(domain.UserMessage(domain.ErrProfileNotLoaded))
		span.RecordError(domain.ErrProfileNotLoaded)
		return domain.ErrProfileNotLoaded
	}
	msg := domain.Message{
		SentBy: me.UserID,
		Text:   text,
		SentAt: time.Now().UnixMilli(),
	}
	fields, err := contracts.Fields(msg)
	if err != nil {
		return c.fail(ctx, span, "send message - encode failed", domain.PersistenceError("failed to send message", err))
	}
	if err := c.docs.Set(ctx, domain.MessagesCollection(chatID), uuid.NewString(), fields); err != nil {
		return c.fail(ctx, span, "send message - write failed", domain.PersistenceError("failed to send message", err))
	}
	span.SetStatus(codes.Ok, "message sent")
	return nil
}

// UploadProfileImage stores the bytes under a fresh key and saves the
// resolved URL on the profile.
func (c *Coordinator) UploadProfileImage(ctx context.Context, data []byte) error {
	ctx, span := tracer.Start(ctx, "Coordinator.UploadProfileImage", trace.WithAttributes(
		attribute.Int("size", len(data)),
	))
	defer span.End()
	c.setInProgress(true)
	uid, ok := c.identity.CurrentUser(ctx)
	if !ok {
		return c.fail(ctx, span, "upload image - not authenticated", domain.ErrNotAuthenticated)
	}
	c.mu.Lock()
	me := c.profile
	c.mu.Unlock()
	if me == nil {
		return c.fail(ctx, span, "upload image - profile not loaded", domain.ErrProfileNotLoaded)
	}
	key := "profile_images/" + uid + "/" + uuid.NewString()
	url, err := c.blobs.Upload(ctx, key, data)
	if err != nil {
		return c.fail(ctx, span, "upload image - upload failed", domain.PersistenceError("failed to upload image", err))
	}
	c.log.InfoContext(ctx, "coordinator - upload image - stored", "user_id", uid, "key", key)
	span.SetStatus(codes.Ok, "image uploaded")
	return c.saveProfile(ctx, uid, me.Name, me.Number, url)
}
