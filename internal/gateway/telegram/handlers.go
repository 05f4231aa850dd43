package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/archdraw/internal/diagram"
	"github.com/jkaninda/archdraw/internal/repair"
)

// chatState is the per-chat conversation state.
type chatState int

const (
	stateIdle chatState = iota
	stateWaitingAPIKey
	stateWaitingDiagramRequest
)

// Callback data values.
const (
	cbSetAPIKey     = "set_api_key"
	cbSelectModel   = "select_model"
	cbCreateDiagram = "create_diagram"
	cbHelp          = "help"
	cbBackToMain    = "back_to_main"
	cbModelPrefix   = "model_"
)

const helpText = "🆘 <b>How to use this bot</b>\n\n" +
	"<b>Commands</b>\n" +
	"• /start - main menu\n" +
	"• /cancel - cancel the current action\n" +
	"• /help - this message\n\n" +
	"<b>How it works</b>\n" +
	"1. Set your API key for the current provider\n" +
	"2. Pick a model\n" +
	"3. Describe the diagram you want\n" +
	"4. The bot writes a Python script with the <code>diagrams</code> library, " +
	"runs it in a sandbox, fixes it if it fails, and sends you the PNG\n\n" +
	"<b>Example requests</b>\n" +
	"• Web application with a frontend, a backend and a database\n" +
	"• Microservices behind an API gateway\n" +
	"• CI/CD pipeline"

func mainKeyboard() *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: "🔑 Set API key", CallbackData: cbSetAPIKey}},
		{{Text: "🤖 Select model", CallbackData: cbSelectModel}},
		{{Text: "📊 Create diagram", CallbackData: cbCreateDiagram}},
		{{Text: "ℹ️ Help", CallbackData: cbHelp}},
	}}
}

func backKeyboard() *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: "⬅️ Back", CallbackData: cbBackToMain}},
	}}
}

func (g *Gateway) state(chatID int64) chatState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[chatID]
}

func (g *Gateway) setState(chatID int64, s chatState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s == stateIdle {
		delete(g.states, chatID)
		return
	}
	g.states[chatID] = s
}

// --- Messages ---

func (g *Gateway) handleMessage(ctx context.Context, msg *Message) {
	chatID := msg.Chat.ID
	requester := requesterID(msg.From.ID)
	text := strings.TrimSpace(msg.Text)

	g.logger.Debug("telegram message",
		slog.String("requester", requester),
		slog.Int64("chat_id", chatID),
	)

	switch command(text) {
	case "/start":
		g.setState(chatID, stateIdle)
		g.sendWelcome(ctx, chatID, requester)
		return
	case "/cancel":
		g.setState(chatID, stateIdle)
		g.send(ctx, chatID, "✅ Action cancelled.", mainKeyboard())
		return
	case "/help":
		g.send(ctx, chatID, helpText, mainKeyboard())
		return
	}

	switch g.state(chatID) {
	case stateWaitingAPIKey:
		g.setState(chatID, stateIdle)
		g.processAPIKey(ctx, msg, requester, text)
	case stateWaitingDiagramRequest:
		g.setState(chatID, stateIdle)
		g.processDiagramRequest(ctx, chatID, requester, text)
	default:
		g.send(ctx, chatID, "🤔 I don't understand that.\n\nUse the menu below:", mainKeyboard())
	}
}

// command returns the bot command of text without any @botname suffix.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(strings.Fields(text)[0], "@")
	return cmd
}

func (g *Gateway) sendWelcome(ctx context.Context, chatID int64, requester string) {
	profile, err := g.diagrams.Profile(ctx, requester)
	if err != nil {
		g.logger.Error("loading profile failed",
			slog.String("requester", requester),
			slog.String("error", err.Error()),
		)
		g.send(ctx, chatID, "❗ Could not load your settings. Please try again later.", mainKeyboard())
		return
	}
	g.send(ctx, chatID, welcomeText(profile), mainKeyboard())
}

func welcomeText(p diagram.Profile) string {
	key := "❌ not set"
	switch {
	case p.HasOwnKey:
		key = "✅ set"
	case p.HasServerKey:
		key = "✅ provided by the server"
	case p.KeyReady():
		key = "✅ not required"
	}
	return fmt.Sprintf("🚀 <b>Welcome to the diagram bot!</b>\n\n"+
		"Describe an architecture in plain words and get a rendered diagram back.\n\n"+
		"<b>Current settings</b>\n"+
		"🧠 Provider: <b>%s</b>\n"+
		"🤖 Model: <b>%s</b>\n"+
		"🔑 API key: %s\n\n"+
		"Choose an action:",
		escapeHTML(p.Provider), escapeHTML(p.Model), key)
}

func (g *Gateway) processAPIKey(ctx context.Context, msg *Message, requester, key string) {
	chatID := msg.Chat.ID
	g.deleteMessage(ctx, chatID, msg.MessageID)
	statusID := g.send(ctx, chatID, "🔄 Checking API key...", nil)

	err := g.diagrams.SetAPIKey(ctx, requester, "", key)
	switch {
	case err == nil:
		g.edit(ctx, chatID, statusID, "✅ <b>API key saved!</b>\n\nYou can create diagrams now. Choose an action:", mainKeyboard())
	case errors.Is(err, diagram.ErrInvalidAPIKey):
		g.edit(ctx, chatID, statusID, "❌ <b>Invalid API key</b>\n\nCheck the key and try again.", mainKeyboard())
	default:
		g.logger.Error("API key check failed",
			slog.String("requester", requester),
			slog.String("error", err.Error()),
		)
		g.edit(ctx, chatID, statusID, "❌ <b>Could not check the API key</b>\n\nPlease try again later.", mainKeyboard())
	}
}

func (g *Gateway) processDiagramRequest(ctx context.Context, chatID int64, requester, text string) {
	if g.diagrams.Busy(requester) {
		g.send(ctx, chatID, "⏳ Your previous diagram is still being generated. Please wait.", nil)
		return
	}
	profile, err := g.diagrams.Profile(ctx, requester)
	if err != nil || !profile.KeyReady() {
		g.send(ctx, chatID, "❌ API key not found. Set your key first.", mainKeyboard())
		return
	}

	statusID := g.send(ctx, chatID, fmt.Sprintf("🤖 Generating diagram code with %s...", escapeHTML(profile.Model)), nil)

	// Sessions outlive the update that started them: a webhook request
	// context ends when the handler returns.
	sessionCtx := g.baseCtx
	if sessionCtx == nil {
		sessionCtx = context.WithoutCancel(ctx)
	}
	g.sessions.Add(1)
	go func() {
		defer g.sessions.Done()
		g.runSession(sessionCtx, chatID, statusID, requester, text)
	}()
}

func (g *Gateway) runSession(ctx context.Context, chatID, statusID int64, requester, text string) {
	correlationID := newCorrelationID()
	logger := g.logger.With(
		slog.String("requester", requester),
		slog.String("correlation_id", correlationID),
	)

	observe := func(ctx context.Context, s repair.State) {
		a, ok := s.(repair.Attempting)
		if !ok {
			return
		}
		if a.K == 1 {
			g.edit(ctx, chatID, statusID, "🔨 Creating diagram...", nil)
			return
		}
		g.edit(ctx, chatID, statusID, fmt.Sprintf("🔧 The script failed, fixing it (attempt %d/%d)...", a.K, a.Max), nil)
	}

	res, err := g.diagrams.Create(ctx, diagram.Request{
		RequesterID: requester,
		Text:        text,
		Observe:     observe,
	})
	if err != nil {
		logger.Error("diagram session failed", slog.String("error", err.Error()))
		g.edit(ctx, chatID, statusID, sessionErrorText(err), mainKeyboard())
		return
	}

	if !res.Succeeded() {
		logger.Info("diagram session ended without artifact",
			slog.String("status", string(res.Status)),
			slog.Int("attempts", res.Attempts),
		)
		g.edit(ctx, chatID, statusID, failureText(res), mainKeyboard())
		if res.Code != "" {
			g.send(ctx, chatID, codeBlock(res.Code), nil)
		}
		return
	}

	g.edit(ctx, chatID, statusID, "📤 Sending diagram...", nil)
	caption := truncate("📊 <b>Diagram ready!</b>\n\n<b>Request:</b> "+escapeHTML(text), captionMaxLen)
	if err := g.sendPhoto(ctx, chatID, res.ArtifactPath, caption); err != nil {
		logger.Error("sending diagram failed", slog.String("error", err.Error()))
		g.edit(ctx, chatID, statusID, "❌ <b>The diagram was created but could not be sent.</b>\n\nPlease try again.", mainKeyboard())
		return
	}
	g.deleteMessage(ctx, chatID, statusID)
	g.send(ctx, chatID, "✨ <b>Diagram created!</b>\n\nCreate another one?", mainKeyboard())
}

func sessionErrorText(err error) string {
	switch {
	case errors.Is(err, diagram.ErrBusy):
		return "⏳ Your previous diagram is still being generated. Please wait."
	case errors.Is(err, diagram.ErrNoAPIKey):
		return "❌ API key not found. Set your key first."
	case errors.Is(err, diagram.ErrEmptyRequest):
		return "❌ The request is empty. Describe the diagram you want."
	}
	return fmt.Sprintf("❌ <b>Diagram creation failed</b>\n\n%s\n\nTry rephrasing the request or try again later.",
		escapeHTML(truncate(err.Error(), 500)))
}

func failureText(res *diagram.Result) string {
	head := fmt.Sprintf("❌ <b>Could not create the diagram after %d attempt(s).</b>", res.Attempts)
	if res.Error == "" {
		return head + "\n\nTry rephrasing the request."
	}
	return head + "\n\n<b>Last error:</b>\n<pre>" + escapeHTML(truncate(res.Error, 1500)) + "</pre>\n\nTry rephrasing the request."
}

// codeBlock renders code as a preformatted block that fits one message.
func codeBlock(code string) string {
	const open, closing, cut = `<pre><code class="language-python">`, "</code></pre>", "\n…"
	budget := telegramSafeMaxLen - len(open) - len(closing) - len(cut)
	var b strings.Builder
	for _, r := range code {
		esc := escapeHTML(string(r))
		if b.Len()+len(esc) > budget {
			b.WriteString(cut)
			break
		}
		b.WriteString(esc)
	}
	return open + b.String() + closing
}

// --- Callbacks ---

func (g *Gateway) handleCallback(ctx context.Context, cb *CallbackQuery) {
	requester := requesterID(cb.From.ID)
	var chatID, messageID int64
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
		messageID = cb.Message.MessageID
	}

	g.logger.Debug("telegram callback",
		slog.String("requester", requester),
		slog.String("data", cb.Data),
	)
	g.answerCallback(ctx, cb.ID, "")
	if chatID == 0 {
		return
	}

	switch {
	case cb.Data == cbSetAPIKey:
		provider := ""
		if p, err := g.diagrams.Profile(ctx, requester); err == nil {
			provider = " for <b>" + escapeHTML(p.Provider) + "</b>"
		}
		g.setState(chatID, stateWaitingAPIKey)
		g.edit(ctx, chatID, messageID, "🔑 <b>Set API key</b>\n\n"+
			"Send your API key"+provider+". The message is deleted as soon as it arrives.\n\n"+
			"Send /cancel to abort.", nil)

	case cb.Data == cbCreateDiagram:
		if !g.keyReady(ctx, requester) {
			g.edit(ctx, chatID, messageID, "❌ <b>API key not set</b>\n\nSet your API key to create diagrams.", mainKeyboard())
			return
		}
		g.setState(chatID, stateWaitingDiagramRequest)
		g.edit(ctx, chatID, messageID, "📊 <b>Create a diagram</b>\n\n"+
			"Describe the diagram you want.\n\n"+
			"<b>Examples</b>\n"+
			"• Web architecture with a database\n"+
			"• Microservice architecture\n"+
			"• CI/CD pipeline\n"+
			"• Network topology\n\n"+
			"Send /cancel to abort.", nil)

	case cb.Data == cbSelectModel:
		g.showModels(ctx, chatID, messageID, requester)

	case strings.HasPrefix(cb.Data, cbModelPrefix):
		model := strings.TrimPrefix(cb.Data, cbModelPrefix)
		if err := g.diagrams.SetModel(ctx, requester, model); err != nil {
			g.logger.Error("saving model failed",
				slog.String("requester", requester),
				slog.String("error", err.Error()),
			)
			g.edit(ctx, chatID, messageID, "❌ Could not save the model. Please try again.", mainKeyboard())
			return
		}
		g.edit(ctx, chatID, messageID, fmt.Sprintf("✅ <b>Model selected!</b>\n\n<b>Active model:</b> %s\n\n"+
			"New diagrams will be generated with this model.", escapeHTML(model)), mainKeyboard())

	case cb.Data == cbHelp:
		g.edit(ctx, chatID, messageID, helpText, mainKeyboard())

	case cb.Data == cbBackToMain:
		g.setState(chatID, stateIdle)
		g.edit(ctx, chatID, messageID, "🏠 <b>Main menu</b>\n\nChoose an action:", mainKeyboard())

	default:
		g.logger.Warn("unknown telegram callback", slog.String("data", cb.Data))
	}
}

func (g *Gateway) keyReady(ctx context.Context, requester string) bool {
	p, err := g.diagrams.Profile(ctx, requester)
	return err == nil && p.KeyReady()
}

func (g *Gateway) showModels(ctx context.Context, chatID, messageID int64, requester string) {
	profile, err := g.diagrams.Profile(ctx, requester)
	if err != nil || !profile.KeyReady() {
		g.edit(ctx, chatID, messageID, "❌ <b>API key not set</b>\n\nSet your API key before choosing a model.", mainKeyboard())
		return
	}
	g.edit(ctx, chatID, messageID, "🔄 <b>Loading available models...</b>", nil)

	models, err := g.diagrams.Models(ctx, requester)
	if err != nil {
		g.logger.Error("listing models failed",
			slog.String("requester", requester),
			slog.String("error", err.Error()),
		)
		g.edit(ctx, chatID, messageID, "❌ <b>Could not load models</b>\n\nCheck your API key and try again later.", mainKeyboard())
		return
	}

	var rows [][]InlineKeyboardButton
	for _, m := range models {
		data := cbModelPrefix + m.ID
		if len(data) > callbackDataMaxLen {
			continue
		}
		label := m.ID
		if m.Description != "" {
			label = m.Description
		}
		label = "🤖 " + label
		if m.ID == profile.Model {
			label = "✅ " + label
		}
		rows = append(rows, []InlineKeyboardButton{{Text: label, CallbackData: data}})
	}
	rows = append(rows, backKeyboard().InlineKeyboard...)

	g.edit(ctx, chatID, messageID, fmt.Sprintf("🤖 <b>Select a %s model</b>\n\n<b>Current model:</b> %s\n\n"+
		"Choose the model used for new diagrams:", escapeHTML(profile.Provider), escapeHTML(profile.Model)),
		&InlineKeyboardMarkup{InlineKeyboard: rows})
}
