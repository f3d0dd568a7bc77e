package bot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/persona-gateway/internal/conversation"
	"github.com/xaenox/persona-gateway/internal/models"
	"github.com/xaenox/persona-gateway/internal/platform"
	"github.com/xaenox/persona-gateway/internal/provisioner"
	"github.com/xaenox/persona-gateway/internal/ratelimit"
	"github.com/xaenox/persona-gateway/internal/search"
	"github.com/xaenox/persona-gateway/internal/storage"
	"go.uber.org/zap"
)

type fakeBotAPI struct {
	mu      sync.Mutex
	methods []string
	texts   []string
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseMultipartForm(1 << 20)

	f.mu.Lock()
	f.methods = append(f.methods, method)
	if text := r.Form.Get("text"); text != "" {
		f.texts = append(f.texts, text)
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"gateway","username":"gateway_bot"}}`))
	case "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":5,"date":0,"chat":{"id":-5,"type":"group"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeBotAPI) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (f fakeLimiter) Admit(ctx context.Context, userID int64, now time.Time) (ratelimit.Decision, error) {
	return f.decision, f.err
}

type fakeSearch struct {
	result *search.Result
	all    []*search.Result
	kinds  []models.Kind
}

func (f *fakeSearch) Search(ctx context.Context, kind models.Kind, q search.Query) (*search.Result, error) {
	f.kinds = append(f.kinds, kind)
	return f.result, nil
}

func (f *fakeSearch) SearchAll(ctx context.Context, q search.Query) ([]*search.Result, error) {
	return f.all, nil
}

type fakeCharacters struct{}

func (fakeCharacters) Character(ctx context.Context, id string) (*models.Persona, error) {
	def := "full definition"
	return &models.Persona{ID: id, Source: models.KindOpenAI, Name: "Full " + id, Greeting: "hey", Definition: &def}, nil
}

type fakeProvisioner struct {
	err      error
	personas []models.Persona
	kinds    []models.Kind
}

func (f *fakeProvisioner) CreateSession(ctx context.Context, kind models.Kind, persona *models.Persona, channel platform.ChannelRef, requester provisioner.Requester) (*models.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.kinds = append(f.kinds, kind)
	f.personas = append(f.personas, *persona)
	return &models.Session{ID: "new", CallPrefix: provisioner.CallPrefix(persona.Name), Kind: kind}, nil
}

type fakeConversation struct {
	mu          sync.Mutex
	texts       []string
	regenErr    error
	regenerated int
}

func (f *fakeConversation) Reply(ctx context.Context, session *models.Session, userText string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, session.ID+":"+userText)
	return "reply to " + userText, nil
}

func (f *fakeConversation) Regenerate(ctx context.Context, session *models.Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regenerated++
	if f.regenErr != nil {
		return "", f.regenErr
	}
	return "another reply", nil
}

type fakePlatform struct {
	platform.Service
	posts   []string
	edits   []string
	removed []platform.MessageRef
}

func (f *fakePlatform) PostMessage(ctx context.Context, channelID int64, sender, text string, decorations []platform.Decoration, sessionID string) (platform.MessageRef, error) {
	f.posts = append(f.posts, sender+": "+text)
	return platform.MessageRef{ChatID: channelID, MessageID: 100 + len(f.posts)}, nil
}

func (f *fakePlatform) EditMessage(ctx context.Context, ref platform.MessageRef, sender, text string, decorations []platform.Decoration, sessionID string) error {
	f.edits = append(f.edits, sender+": "+text)
	return nil
}

func (f *fakePlatform) RemoveDecoration(ctx context.Context, ref platform.MessageRef, decorations []platform.Decoration) error {
	f.removed = append(f.removed, ref)
	return nil
}

type fakeCleanup struct {
	enqueued  map[platform.MessageRef]int
	extended  []platform.MessageRef
	cancelled []platform.MessageRef
}

func (f *fakeCleanup) Enqueue(target platform.MessageRef, delaySeconds int) error {
	f.enqueued[target] = delaySeconds
	return nil
}

func (f *fakeCleanup) Extend(target platform.MessageRef, newDelaySeconds int) bool {
	f.extended = append(f.extended, target)
	return true
}

func (f *fakeCleanup) Cancel(target platform.MessageRef) bool {
	f.cancelled = append(f.cancelled, target)
	return true
}

type harness struct {
	bot      *Bot
	api      *fakeBotAPI
	store    *storage.MemoryStorage
	search   *fakeSearch
	prov     *fakeProvisioner
	conv     *fakeConversation
	platform *fakePlatform
	cleanup  *fakeCleanup
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	api, err := tgbotapi.NewBotAPIWithClient("token", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	h := &harness{
		api:      fake,
		store:    storage.NewMemoryStorage(),
		search:   &fakeSearch{},
		prov:     &fakeProvisioner{},
		conv:     &fakeConversation{},
		platform: &fakePlatform{},
		cleanup:  &fakeCleanup{enqueued: map[platform.MessageRef]int{}},
	}
	h.bot = New(api, Config{CleanupDelaySeconds: 600, AdminIDs: []int64{42}}, Deps{
		Store:        h.store,
		Limiter:      limiter,
		Notifier:     NewNotifier(api, zap.NewNop()),
		Search:       h.search,
		Characters:   fakeCharacters{},
		Provisioner:  h.prov,
		Conversation: h.conv,
		Platform:     h.platform,
		Cleanup:      h.cleanup,
	}, zap.NewNop())
	return h
}

func (h *harness) addSession(t *testing.T, id, name string, created time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.UpsertPersona(ctx, &models.Persona{ID: "p-" + id, Source: models.KindOpenAI, Name: name})
	require.NoError(t, err)
	require.NoError(t, h.store.CreateSession(ctx, &models.Session{
		ID:          id,
		ChannelID:   -5,
		CommunityID: -5,
		PersonaID:   "p-" + id,
		CallPrefix:  provisioner.CallPrefix(name),
		Kind:        models.KindOpenAI,
		CreatedAt:   created,
	}, nil))
}

func text(userID int64, body string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: "user"},
		Chat:      &tgbotapi.Chat{ID: -5, Type: "group"},
		Text:      body,
	}
	if strings.HasPrefix(body, "/") {
		cmd, _, _ := strings.Cut(body, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return msg
}

func TestPersonaMessage_RoutesByCallPrefix(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	base := time.Now()
	h.addSession(t, "old", "Chloe", base)
	h.addSession(t, "new", "Charlie", base.Add(time.Minute))
	h.addSession(t, "other", "Max", base.Add(2*time.Minute))

	h.bot.handleMessage(context.Background(), text(1, "..CH how are you?"))

	assert.Equal(t, []string{"new:how are you?"}, h.conv.texts)
	assert.Equal(t, []string{"Charlie: reply to how are you?"}, h.platform.posts)
	assert.Equal(t, map[platform.MessageRef]int{{ChatID: -5, MessageID: 101}: 600}, h.cleanup.enqueued)
}

func TestPersonaMessage_IgnoresUnprefixedText(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.addSession(t, "s", "Chloe", time.Now())

	h.bot.handleMessage(context.Background(), text(1, "just chatting"))
	h.bot.handleMessage(context.Background(), text(1, "..zz nobody here"))
	h.bot.handleMessage(context.Background(), text(1, "..ch"))

	assert.Empty(t, h.conv.texts)
	assert.Empty(t, h.platform.posts)
}

func TestDeniedUpdatesAreDropped(t *testing.T) {
	for name, limiter := range map[string]fakeLimiter{
		"banned": {decision: ratelimit.DeniedBanned},
		"error":  {err: errors.New("db down")},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, limiter)
			h.addSession(t, "s", "Chloe", time.Now())

			h.bot.handleMessage(context.Background(), text(1, "..ch hi"))
			h.bot.handleMessage(context.Background(), text(1, "/help"))

			assert.Empty(t, h.conv.texts)
			assert.Empty(t, h.api.sent())
		})
	}
}

func TestSearchAndSpawn(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	stars := 3
	h.search.result = &search.Result{
		Source: models.KindOpenAI,
		Query:  "no input",
		Personas: []models.Persona{
			{ID: "anon/chloe", Source: models.KindOpenAI, Name: "Chloe", Stars: &stars},
			{ID: "anon/max", Source: models.KindOpenAI, Name: "Max"},
		},
		Skipped: 1,
	}
	ctx := context.Background()

	h.bot.handleMessage(ctx, text(1, "/spawn 1"))
	assert.Empty(t, h.prov.personas, "spawn needs a previous search")

	h.bot.handleMessage(ctx, text(1, "/search_chub"))
	require.Equal(t, []models.Kind{models.KindOpenAI}, h.search.kinds)
	sent := h.api.sent()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], "1\\. *Chloe*")
	assert.Contains(t, sent[len(sent)-1], "1 broken entries hidden")

	h.bot.handleMessage(ctx, text(2, "/spawn 1"))
	assert.Empty(t, h.prov.personas, "results are kept per user")

	h.bot.handleMessage(ctx, text(1, "/spawn 2"))
	require.Len(t, h.prov.personas, 1)
	assert.Equal(t, "Full anon/max", h.prov.personas[0].Name)
	require.NotNil(t, h.prov.personas[0].Definition)
	assert.Equal(t, []string{"Full anon/max: hey"}, h.platform.posts)
}

func TestSearchAll_MergesProviders(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.search.all = []*search.Result{
		{Source: models.KindCharacterAI, Query: "ann", Personas: []models.Persona{{ID: "c1", Source: models.KindCharacterAI, Name: "Ann"}}, Skipped: 1},
		{Source: models.KindOpenAI, Query: "ann", Personas: []models.Persona{{ID: "anon/anna", Source: models.KindOpenAI, Name: "Anna"}}},
	}
	ctx := context.Background()

	h.bot.handleMessage(ctx, text(1, "/search"))
	sent := h.api.sent()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], "Usage: /search")

	h.bot.handleMessage(ctx, text(1, "/search ann"))
	sent = h.api.sent()
	last := sent[len(sent)-1]
	assert.Contains(t, last, "1\\. *Ann* \\[cai\\]")
	assert.Contains(t, last, "2\\. *Anna* \\[chub\\]")
	assert.Contains(t, last, "1 broken entries hidden")

	h.bot.handleMessage(ctx, text(1, "/spawn 1"))
	require.Len(t, h.prov.personas, 1)
	assert.Equal(t, models.KindCharacterAI, h.prov.personas[0].Source)
	assert.Empty(t, h.search.kinds)
}

func TestSpawn_ProvisioningFailureIsReported(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.search.result = &search.Result{Personas: []models.Persona{{ID: "c1", Source: models.KindCharacterAI, Name: "Ann"}}}
	h.prov.err = &provisioner.Error{Step: provisioner.StepIdentity, Err: errors.New("forbidden")}
	ctx := context.Background()

	h.bot.handleMessage(ctx, text(1, "/search_cai ann"))
	h.bot.handleMessage(ctx, text(1, "/spawn 1"))

	sent := h.api.sent()
	assert.Contains(t, sent[len(sent)-1], "permission")
	assert.Empty(t, h.platform.posts)
}

func callback(data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: 1},
		Message: &tgbotapi.Message{MessageID: 101, Chat: &tgbotapi.Chat{ID: -5}},
		Data:    data,
	}
}

func TestCallback_Regenerate(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.addSession(t, "s", "Chloe", time.Now())
	h.bot.handleMessage(context.Background(), text(1, "..ch hi"))

	h.bot.handleCallback(context.Background(), callback(platform.CallbackData(platform.DecorationRegenerate, "s")))

	ref := platform.MessageRef{ChatID: -5, MessageID: 101}
	assert.Equal(t, []platform.MessageRef{ref}, h.cleanup.extended)
	assert.Equal(t, []string{"Chloe: another reply"}, h.platform.edits)
}

func TestCallback_RegenerateUnsupported(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.addSession(t, "s", "Chloe", time.Now())
	h.conv.regenErr = conversation.ErrRegenerateUnsupported
	h.bot.handleMessage(context.Background(), text(1, "..ch hi"))

	h.bot.handleCallback(context.Background(), callback(platform.CallbackData(platform.DecorationRegenerate, "s")))
	assert.Equal(t, 1, h.conv.regenerated)
	assert.Empty(t, h.platform.edits)
}

func TestPersonaMessage_RetiresPreviousReplyButtons(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.addSession(t, "s", "Chloe", time.Now())
	ctx := context.Background()

	h.bot.handleMessage(ctx, text(1, "..ch first"))
	h.bot.handleMessage(ctx, text(1, "..ch second"))

	first := platform.MessageRef{ChatID: -5, MessageID: 101}
	assert.Equal(t, []platform.MessageRef{first}, h.cleanup.cancelled)
	assert.Equal(t, []platform.MessageRef{first}, h.platform.removed)
}

func TestCallback_RegenerateOnOlderReplyIsRefused(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.addSession(t, "s", "Chloe", time.Now())
	ctx := context.Background()

	h.bot.handleMessage(ctx, text(1, "..ch first"))
	h.bot.handleMessage(ctx, text(1, "..ch second"))

	// callback targets message 101, the first reply.
	h.bot.handleCallback(ctx, callback(platform.CallbackData(platform.DecorationRegenerate, "s")))
	assert.Zero(t, h.conv.regenerated)
	assert.Empty(t, h.platform.edits)
	assert.Empty(t, h.cleanup.extended)

	latest := callback(platform.CallbackData(platform.DecorationRegenerate, "s"))
	latest.Message.MessageID = 102
	h.bot.handleCallback(ctx, latest)
	assert.Equal(t, 1, h.conv.regenerated)
	assert.Equal(t, []string{"Chloe: another reply"}, h.platform.edits)
}

func TestCallback_RegenerateUnknownReply(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.addSession(t, "s", "Chloe", time.Now())

	h.bot.handleCallback(context.Background(), callback(platform.CallbackData(platform.DecorationRegenerate, "s")))
	assert.Zero(t, h.conv.regenerated)
	assert.Equal(t, []platform.MessageRef{{ChatID: -5, MessageID: 101}}, h.platform.removed)
}

func TestCallback_RegenerateUnknownSession(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})

	h.bot.handleCallback(context.Background(), callback(platform.CallbackData(platform.DecorationRegenerate, "missing")))
	assert.Zero(t, h.conv.regenerated)
}

func TestCallback_Stop(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})

	h.bot.handleCallback(context.Background(), callback(platform.CallbackData(platform.DecorationStop, "s")))

	ref := platform.MessageRef{ChatID: -5, MessageID: 101}
	assert.Equal(t, []platform.MessageRef{ref}, h.cleanup.cancelled)
	assert.Equal(t, []platform.MessageRef{ref}, h.platform.removed)
}

func TestUnban(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	ctx := context.Background()
	require.NoError(t, h.store.CreateBan(ctx, &models.Ban{UserID: 7, BannedAt: time.Now(), DurationHours: 24}))

	h.bot.handleMessage(ctx, text(1, "/unban 7"))
	ban, err := h.store.FindBan(ctx, 7)
	require.NoError(t, err)
	assert.NotNil(t, ban, "non-operators cannot unban")

	h.bot.handleMessage(ctx, text(42, "/unban 7"))
	ban, err = h.store.FindBan(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, ban)
}

func TestSessionsCommand(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	h.addSession(t, "s", "Chloe", time.Now())

	h.bot.handleMessage(context.Background(), text(1, "/sessions"))

	sent := h.api.sent()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], "`..ch` Chloe \\(openai\\)")
}

func TestNotifier_PostsToLastChat(t *testing.T) {
	h := newHarness(t, fakeLimiter{decision: ratelimit.Allowed})
	n := h.bot.deps.Notifier

	n.Warn(9, 3)
	n.Remember(9, -5)
	n.Banned(9, models.Ban{UserID: 9, DurationHours: 24})

	assert.Eventually(t, func() bool {
		sent := h.api.sent()
		return len(sent) == 1 && strings.Contains(sent[0], "24 hours")
	}, time.Second, 10*time.Millisecond)
}
