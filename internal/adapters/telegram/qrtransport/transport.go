// Файл transport.go — реализация quickreply.Transport поверх raw API gotd.
// Каждый метод — один MTProto-вызов (альбом предварительно материализует
// загруженные файлы через messages.uploadMedia); ошибки классифицируются в
// таксономию движка, ответные апдейты сворачиваются в типы портов.
package qrtransport

import (
	"context"
	"strings"

	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// Client реализует quickreply.Transport.
type Client struct {
	api   *tg.Client
	vault *mediaVault
}

// Компиляторная проверка соответствия интерфейсу.
var _ quickreply.Transport = (*Client)(nil)

// New собирает транспорт и загрузчик с общим кэшем загруженных файлов.
func New(api *tg.Client) (*Client, *Uploader) {
	vault := newMediaVault()
	return &Client{api: api, vault: vault}, newUploader(api, vault)
}

// GetShortcuts возвращает авторитетный список шорткатов; nil при совпадении хеша.
func (c *Client) GetShortcuts(ctx context.Context, hash uint64) (*quickreply.RemoteSnapshot, error) {
	res, err := c.api.MessagesGetQuickReplies(ctx, int64(hash))
	if err != nil {
		return nil, classify(err)
	}
	switch replies := res.(type) {
	case *tg.MessagesQuickRepliesNotModified:
		return nil, nil
	case *tg.MessagesQuickReplies:
		byID := make(map[int]tg.MessageClass, len(replies.Messages))
		for _, mc := range replies.Messages {
			if m, ok := mc.(*tg.Message); ok {
				byID[m.ID] = mc
			}
		}
		snap := &quickreply.RemoteSnapshot{}
		for _, qr := range replies.QuickReplies {
			rs := &quickreply.RemoteShortcut{
				ID:         quickreply.ShortcutID(qr.ShortcutID),
				Name:       qr.Shortcut,
				TotalCount: qr.Count,
			}
			if head, ok := byID[qr.TopMessage]; ok {
				if rm := remoteFromMessage(head); rm != nil {
					rs.Messages = append(rs.Messages, rm)
				}
			}
			snap.Shortcuts = append(snap.Shortcuts, rs)
		}
		return snap, nil
	default:
		return nil, errors.Errorf("unexpected quick replies response %T", res)
	}
}

// GetShortcutMessages возвращает полный список записей шортката; nil при
// совпадении хеша.
func (c *Client) GetShortcutMessages(ctx context.Context, id quickreply.ShortcutID, hash uint64) (*quickreply.RemoteShortcut, error) {
	res, err := c.api.MessagesGetQuickReplyMessages(ctx, &tg.MessagesGetQuickReplyMessagesRequest{
		ShortcutID: int(id),
		Hash:       int64(hash),
	})
	if err != nil {
		return nil, classify(err)
	}
	switch msgs := res.(type) {
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	case *tg.MessagesMessages:
		rs := &quickreply.RemoteShortcut{ID: id, IsFull: true}
		for _, mc := range msgs.Messages {
			if rm := remoteFromMessage(mc); rm != nil {
				rs.Messages = append(rs.Messages, rm)
			}
		}
		rs.TotalCount = len(rs.Messages)
		return rs, nil
	case *tg.MessagesMessagesSlice:
		rs := &quickreply.RemoteShortcut{ID: id, TotalCount: msgs.Count}
		for _, mc := range msgs.Messages {
			if rm := remoteFromMessage(mc); rm != nil {
				rs.Messages = append(rs.Messages, rm)
			}
		}
		return rs, nil
	default:
		return nil, errors.Errorf("unexpected messages response %T", res)
	}
}

// inputShortcut — адресация шортката в запросах отправки: серверный — по
// идентификатору, новый — по имени (сервер создаст коллекцию).
func inputShortcut(req quickreply.SendRequest) tg.InputQuickReplyShortcutClass {
	if req.ShortcutID != 0 {
		return &tg.InputQuickReplyShortcutID{ShortcutID: int(req.ShortcutID)}
	}
	return &tg.InputQuickReplyShortcut{Shortcut: req.ShortcutName}
}

// SendMessages отправляет одну запись или альбом одним запросом.
func (c *Client) SendMessages(ctx context.Context, req quickreply.SendRequest) (*quickreply.SendResult, error) {
	if len(req.Entries) == 0 {
		return nil, errors.New("empty send request")
	}
	var (
		upd tg.UpdatesClass
		err error
	)
	if len(req.Entries) == 1 {
		upd, err = c.sendSingle(ctx, req)
	} else {
		upd, err = c.sendAlbum(ctx, req)
	}
	if err != nil {
		return nil, classify(err)
	}
	return parseSendUpdates(upd, req.ShortcutID)
}

func (c *Client) sendSingle(ctx context.Context, req quickreply.SendRequest) (tg.UpdatesClass, error) {
	entry := req.Entries[0]
	shortcut := inputShortcut(req)
	if entry.Content.Kind == quickreply.KindText {
		r := &tg.MessagesSendMessageRequest{
			Peer:     &tg.InputPeerSelf{},
			Message:  entry.Content.Text,
			RandomID: entry.RandomID,
		}
		r.SetQuickReplyShortcut(shortcut)
		if entry.ReplyToServerID != 0 {
			r.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(entry.ReplyToServerID)})
		}
		return c.api.MessagesSendMessage(ctx, r)
	}
	media, err := buildInputMedia(entry.Content, c.vault)
	if err != nil {
		return nil, err
	}
	r := &tg.MessagesSendMediaRequest{
		Peer:     &tg.InputPeerSelf{},
		Media:    media,
		Message:  entry.Content.Text,
		RandomID: entry.RandomID,
	}
	r.SetQuickReplyShortcut(shortcut)
	if entry.ReplyToServerID != 0 {
		r.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(entry.ReplyToServerID)})
	}
	return c.api.MessagesSendMedia(ctx, r)
}

func (c *Client) sendAlbum(ctx context.Context, req quickreply.SendRequest) (tg.UpdatesClass, error) {
	multi := make([]tg.InputSingleMedia, 0, len(req.Entries))
	for _, entry := range req.Entries {
		media, err := buildInputMedia(entry.Content, c.vault)
		if err != nil {
			return nil, err
		}
		// Свежезагруженный файл материализуется в серверный объект: только так
		// его можно включить в sendMultiMedia.
		if _, uploaded := media.(*tg.InputMediaUploadedPhoto); uploaded {
			media, err = c.materializeMedia(ctx, media)
		} else if _, uploaded := media.(*tg.InputMediaUploadedDocument); uploaded {
			media, err = c.materializeMedia(ctx, media)
		}
		if err != nil {
			return nil, err
		}
		single := tg.InputSingleMedia{
			Media:    media,
			RandomID: entry.RandomID,
		}
		single.Message = entry.Content.Text
		multi = append(multi, single)
	}
	r := &tg.MessagesSendMultiMediaRequest{
		Peer:       &tg.InputPeerSelf{},
		MultiMedia: multi,
	}
	r.SetQuickReplyShortcut(inputShortcut(req))
	for _, entry := range req.Entries {
		if entry.ReplyToServerID != 0 {
			r.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(entry.ReplyToServerID)})
			break
		}
	}
	return c.api.MessagesSendMultiMedia(ctx, r)
}

// materializeMedia превращает загруженный файл в серверный объект медиа.
func (c *Client) materializeMedia(ctx context.Context, media tg.InputMediaClass) (tg.InputMediaClass, error) {
	res, err := c.api.MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
		Peer:  &tg.InputPeerSelf{},
		Media: media,
	})
	if err != nil {
		return nil, err
	}
	switch mm := res.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := mm.GetPhoto()
		if !ok {
			return nil, errors.New("uploadMedia returned empty photo")
		}
		photo, isPhoto := p.(*tg.Photo)
		if !isPhoto {
			return nil, errors.Errorf("uploadMedia returned %T", p)
		}
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID: photo.ID, AccessHash: photo.AccessHash, FileReference: photo.FileReference,
		}}, nil
	case *tg.MessageMediaDocument:
		d, ok := mm.GetDocument()
		if !ok {
			return nil, errors.New("uploadMedia returned empty document")
		}
		doc, isDoc := d.(*tg.Document)
		if !isDoc {
			return nil, errors.Errorf("uploadMedia returned %T", d)
		}
		return &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference,
		}}, nil
	default:
		return nil, errors.Errorf("uploadMedia returned unexpected media %T", res)
	}
}

// parseSendUpdates сворачивает ответные апдейты отправки в SendResult:
// updateMessageID даёт соответствие random_id ↔ server_id, updateQuickReplyMessage —
// нормализованное содержимое, updateNewQuickReply — событие создания коллекции.
func parseSendUpdates(u tg.UpdatesClass, fallback quickreply.ShortcutID) (*quickreply.SendResult, error) {
	res := &quickreply.SendResult{ShortcutID: fallback}
	var list []tg.UpdateClass
	switch t := u.(type) {
	case *tg.Updates:
		list = t.Updates
	case *tg.UpdatesCombined:
		list = t.Updates
	default:
		return nil, errors.Errorf("unexpected updates type %T", u)
	}
	idToRandom := make(map[int]int64)
	var messages []*tg.Message
	for _, upd := range list {
		switch t := upd.(type) {
		case *tg.UpdateMessageID:
			idToRandom[t.ID] = t.RandomID
		case *tg.UpdateQuickReplyMessage:
			if m, ok := t.Message.(*tg.Message); ok {
				messages = append(messages, m)
				if sid, has := m.GetQuickReplyShortcutID(); has {
					res.ShortcutID = quickreply.ShortcutID(sid)
				}
			}
		case *tg.UpdateNewQuickReply:
			res.NewShortcuts++
			res.ShortcutID = quickreply.ShortcutID(t.QuickReply.ShortcutID)
		}
	}
	for _, m := range messages {
		content := contentFromMessage(m)
		ack := quickreply.SendAck{
			RandomID: idToRandom[m.ID],
			ServerID: int64(m.ID),
			Content:  &content,
		}
		if editDate, has := m.GetEditDate(); has {
			ack.EditDate = int64(editDate)
		}
		res.Acks = append(res.Acks, ack)
	}
	return res, nil
}

// EditMessage правит серверную запись шортката.
func (c *Client) EditMessage(ctx context.Context, req quickreply.EditRequest) (*quickreply.EditResult, error) {
	r := &tg.MessagesEditMessageRequest{
		Peer: &tg.InputPeerSelf{},
		ID:   int(req.ServerID),
	}
	r.SetQuickReplyShortcutID(int(req.ShortcutID))
	r.SetMessage(req.Content.Text)
	if req.Content.Kind != quickreply.KindText &&
		req.Content.File != nil && req.Content.File.RemoteRef != "" {
		media, err := buildInputMedia(req.Content, c.vault)
		if err != nil {
			return nil, err
		}
		r.SetMedia(media)
	}
	upd, err := c.api.MessagesEditMessage(ctx, r)
	if err != nil {
		if tgerr.Is(err, "MESSAGE_NOT_MODIFIED") {
			return &quickreply.EditResult{NotModified: true}, nil
		}
		return nil, classify(err)
	}
	return parseEditUpdates(upd, int(req.ServerID)), nil
}

// parseEditUpdates извлекает подтверждённое содержимое правки из апдейтов.
func parseEditUpdates(u tg.UpdatesClass, serverID int) *quickreply.EditResult {
	res := &quickreply.EditResult{}
	var list []tg.UpdateClass
	switch t := u.(type) {
	case *tg.Updates:
		list = t.Updates
	case *tg.UpdatesCombined:
		list = t.Updates
	default:
		logger.Debugf("qrtransport: edit returned unexpected updates %T", u)
		return res
	}
	for _, upd := range list {
		t, ok := upd.(*tg.UpdateQuickReplyMessage)
		if !ok {
			continue
		}
		m, isMsg := t.Message.(*tg.Message)
		if !isMsg || m.ID != serverID {
			continue
		}
		content := contentFromMessage(m)
		res.Content = &content
		if editDate, has := m.GetEditDate(); has {
			res.EditDate = int64(editDate)
		}
	}
	return res
}

// DeleteMessages удаляет серверные записи шортката.
func (c *Client) DeleteMessages(ctx context.Context, id quickreply.ShortcutID, serverIDs []int64) error {
	ids := make([]int, 0, len(serverIDs))
	for _, sid := range serverIDs {
		ids = append(ids, int(sid))
	}
	_, err := c.api.MessagesDeleteQuickReplyMessages(ctx, &tg.MessagesDeleteQuickReplyMessagesRequest{
		ShortcutID: int(id),
		ID:         ids,
	})
	return classify(err)
}

// DeleteShortcut удаляет шорткат на сервере.
func (c *Client) DeleteShortcut(ctx context.Context, id quickreply.ShortcutID) error {
	_, err := c.api.MessagesDeleteQuickReplyShortcut(ctx, int(id))
	return classify(err)
}

// RenameShortcut меняет имя серверного шортката.
func (c *Client) RenameShortcut(ctx context.Context, id quickreply.ShortcutID, name string) error {
	_, err := c.api.MessagesEditQuickReplyShortcut(ctx, &tg.MessagesEditQuickReplyShortcutRequest{
		ShortcutID: int(id),
		Shortcut:   name,
	})
	if tgerr.Is(err, "SHORTCUT_INVALID") {
		return &quickreply.ProtocolError{Reason: "server rejected shortcut name " + strings.TrimSpace(name)}
	}
	return classify(err)
}

// ReorderShortcuts переставляет серверные шорткаты в заданный порядок.
func (c *Client) ReorderShortcuts(ctx context.Context, ids []quickreply.ShortcutID) error {
	order := make([]int, 0, len(ids))
	for _, id := range ids {
		order = append(order, int(id))
	}
	_, err := c.api.MessagesReorderQuickReplies(ctx, order)
	return classify(err)
}
