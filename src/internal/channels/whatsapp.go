package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"herald-main/src/internal/chat"
	"herald-main/src/internal/directory"
)

var ErrNotLinked = errors.New("whatsapp: account not linked")

type Whatsapp struct {
	mu        sync.Mutex
	client    *whatsmeow.Client
	aliases   *chat.Aliases
	handler   InboundHandler
	observers []func(Status)
	groups    map[types.JID]string
	lastErr   string
}

func NewWhatsapp(ctx context.Context, storageDir string, aliases *chat.Aliases) (*Whatsapp, error) {
	whatsappDir := filepath.Join(storageDir, "whatsapp")
	if err := os.MkdirAll(whatsappDir, 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp dir: %w", err)
	}
	dsn := "file:" + filepath.Join(whatsappDir, "whatsapp.db") + "?_foreign_keys=on"

	container, err := sqlstore.New(ctx, "sqlite3", dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("connect whatsapp store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}

	w := &Whatsapp{
		aliases: aliases,
		groups:  make(map[types.JID]string),
	}
	client := whatsmeow.NewClient(deviceStore, nil)
	client.EnableAutoReconnect = true
	client.AddEventHandler(w.handleEvent)
	w.client = client

	if client.Store.ID != nil {
		go func() {
			if err := client.Connect(); err != nil {
				slog.Error("whatsapp connect failed", "error", err)
				w.setError(err)
			}
		}()
	} else {
		slog.Info("whatsapp not linked, use POST /api/v1/channels/whatsapp/enroll to get a QR code")
	}
	return w, nil
}

func (w *Whatsapp) Name() string {
	return "whatsapp"
}

func (w *Whatsapp) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{Channel: w.Name(), Enabled: true, LastError: w.lastErr}
	if w.client == nil {
		return st
	}
	st.Connected = w.client.IsConnected()
	st.LoggedIn = w.client.Store.ID != nil
	if st.LoggedIn {
		st.Account = w.client.Store.ID.User
	}
	return st
}

func (w *Whatsapp) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client != nil && w.client.IsConnected() && w.client.IsLoggedIn()
}

func (w *Whatsapp) SetMessageHandler(fn InboundHandler) {
	w.mu.Lock()
	w.handler = fn
	w.mu.Unlock()
}

func (w *Whatsapp) OnStatus(fn func(Status)) {
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

func (w *Whatsapp) broadcast() {
	st := w.Status()
	w.mu.Lock()
	obs := append([]func(Status){}, w.observers...)
	w.mu.Unlock()
	for _, fn := range obs {
		fn(st)
	}
}

func (w *Whatsapp) setError(err error) {
	w.mu.Lock()
	if err != nil {
		w.lastErr = err.Error()
	} else {
		w.lastErr = ""
	}
	w.mu.Unlock()
	w.broadcast()
}

// Enroll drops the current link and prints a fresh QR code to the terminal.
func (w *Whatsapp) Enroll(ctx context.Context) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client.Store.ID != nil {
		if err := client.Logout(ctx); err != nil {
			return fmt.Errorf("whatsapp logout: %w", err)
		}
	}
	client.Disconnect()
	slog.Info("whatsapp enrollment started, waiting for QR scan")

	qrChan, err := client.GetQRChannel(context.Background())
	if err != nil {
		return fmt.Errorf("whatsapp qr channel: %w", err)
	}
	go func() {
		for evt := range qrChan {
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			case whatsmeow.QRChannelSuccess.Event:
				slog.Info("whatsapp login successful")
				w.broadcast()
				return
			default:
				slog.Warn("whatsapp enrollment ended", "event", evt.Event)
				if evt.Error != nil {
					w.setError(evt.Error)
				}
			}
		}
	}()
	return client.Connect()
}

// Send delivers text and returns the whatsapp message id.
func (w *Whatsapp) Send(ctx context.Context, address, text string) (string, error) {
	if !w.IsReady() {
		return "", ErrNotLinked
	}
	jid, err := addressJID(address)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp send to %s: %w", address, err)
	}
	return resp.ID, nil
}

// ResolveAddresses returns every address known for the same contact.
func (w *Whatsapp) ResolveAddresses(ctx context.Context, address string) ([]string, error) {
	if w.aliases == nil {
		return []string{directory.NormalizeAddress(address)}, nil
	}
	return w.aliases.Resolve(ctx, address)
}

func (w *Whatsapp) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		slog.Info("whatsapp connected")
		w.setError(nil)
	case *events.Disconnected:
		slog.Warn("whatsapp disconnected")
		w.broadcast()
	case *events.LoggedOut:
		slog.Warn("whatsapp logged out", "reason", v.Reason.String())
		w.broadcast()
	case *events.Message:
		w.handleMessage(v)
	}
}

func (w *Whatsapp) handleMessage(v *events.Message) {
	if v.Info.IsFromMe {
		return
	}
	text := messageText(v.Message)
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	author := w.phoneFor(ctx, v.Info.Sender)
	in := chat.Inbound{
		Sender:        author,
		Text:          text,
		QuotedID:      quotedID(v.Message),
		DeliveryID:    v.Info.ID,
		AuthorName:    v.Info.PushName,
		AuthorAddress: author,
		Timestamp:     v.Info.Timestamp,
	}
	if v.Info.IsGroup {
		in.IsGroup = true
		in.Sender = v.Info.Chat.String()
		in.GroupName = w.groupName(ctx, v.Info.Chat)
	}

	w.mu.Lock()
	handler := w.handler
	w.mu.Unlock()
	if handler == nil {
		return
	}
	slog.Info("whatsapp inbound", "sender", in.Sender, "group", in.IsGroup, "quoted", in.QuotedID != "")
	handler(ctx, in)
}

// phoneFor maps a sender to its phone number. Hidden (lid) identities are
// translated through the device store and remembered as aliases.
func (w *Whatsapp) phoneFor(ctx context.Context, jid types.JID) string {
	if jid.Server != types.HiddenUserServer {
		return jid.User
	}
	pn, err := w.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		slog.Debug("no phone number known for lid", "lid", jid.String(), "error", err)
		return jid.User
	}
	if w.aliases != nil {
		if _, err := w.aliases.Add(ctx, pn.User, jid.User); err != nil {
			slog.Warn("failed to record address alias", "address", pn.User, "error", err)
		}
	}
	return pn.User
}

func (w *Whatsapp) groupName(ctx context.Context, jid types.JID) string {
	w.mu.Lock()
	name, ok := w.groups[jid]
	w.mu.Unlock()
	if ok {
		return name
	}
	info, err := w.client.GetGroupInfo(ctx, jid)
	if err != nil {
		slog.Debug("group info lookup failed", "group", jid.String(), "error", err)
		return ""
	}
	w.mu.Lock()
	w.groups[jid] = info.Name
	w.mu.Unlock()
	return info.Name
}

// addressJID turns a digits-only phone or an @g.us group id into a JID.
func addressJID(address string) (types.JID, error) {
	address = strings.TrimSpace(address)
	if directory.IsGroupAddress(address) {
		jid, err := types.ParseJID(address)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid group address %s: %w", address, err)
		}
		return jid, nil
	}
	phone := directory.NormalizePhone(address)
	if phone == "" {
		return types.EmptyJID, fmt.Errorf("invalid address %q", address)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if s := m.GetConversation(); s != "" {
		return strings.TrimSpace(s)
	}
	if s := m.GetExtendedTextMessage().GetText(); s != "" {
		return strings.TrimSpace(s)
	}
	if s := m.GetImageMessage().GetCaption(); s != "" {
		return strings.TrimSpace(s)
	}
	return ""
}

// quotedID is the id of the message being replied to, if any.
func quotedID(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if id := m.GetExtendedTextMessage().GetContextInfo().GetStanzaID(); id != "" {
		return id
	}
	return m.GetImageMessage().GetContextInfo().GetStanzaID()
}
